package render

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"
)

// Result is the outcome of one render. A failed render still carries an
// image: the placeholder, so the document view never shows a broken node.
type Result struct {
	DiagramID   string
	Image       []byte
	Failed      bool
	GeneratedAt time.Time
}

// AssetCache stores rendered images keyed by diagram id and source hash.
// Get returns nil, nil on a miss.
type AssetCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Service renders diagram source, consulting an optional asset cache and
// substituting the placeholder image when the source fails to render.
type Service struct {
	renderer Renderer
	cache    AssetCache
	logger   zerolog.Logger
}

func NewService(renderer Renderer, cache AssetCache, logger zerolog.Logger) *Service {
	return &Service{renderer: renderer, cache: cache, logger: logger}
}

func cacheKey(diagramID, source string) string {
	sum := sha1.Sum([]byte(source))
	return diagramID + "/" + hex.EncodeToString(sum[:8])
}

func (s *Service) Render(ctx context.Context, diagramID, source string) Result {
	key := cacheKey(diagramID, source)

	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("diagram", diagramID).Msg("asset cache read failed")
		} else if data != nil {
			return Result{DiagramID: diagramID, Image: data, GeneratedAt: time.Now()}
		}
	}

	img, err := s.renderer.Render(ctx, source)
	if err != nil {
		s.logger.Warn().Err(err).Str("diagram", diagramID).Msg("diagram render failed, using placeholder")
		return Result{DiagramID: diagramID, Image: PlaceholderImage(), Failed: true, GeneratedAt: time.Now()}
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, key, img); err != nil {
			s.logger.Warn().Err(err).Str("diagram", diagramID).Msg("asset cache write failed")
		}
	}
	return Result{DiagramID: diagramID, Image: img, GeneratedAt: time.Now()}
}
