package syncer

import (
	"sync"

	"diasync/api/internal/render"
)

// Session is one open editing session for a document. The session owns the
// editor view of the markup (diagram macros swapped for image nodes) and the
// rendered images backing those nodes.
type Session struct {
	DocID string
	Token string
	Title string

	mu      sync.Mutex
	markup  string
	images  map[string][]byte
	failed  map[string]bool
	sources map[string]string
	closed  bool
}

func newSession(docID, token, title, markup string) *Session {
	return &Session{
		DocID:   docID,
		Token:   token,
		Title:   title,
		markup:  markup,
		images:  make(map[string][]byte),
		failed:  make(map[string]bool),
		sources: make(map[string]string),
	}
}

// Markup returns the current editor view.
func (s *Session) Markup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markup
}

// Image returns the latest rendered image for a diagram. Until the first
// render lands the placeholder is served.
func (s *Session) Image(diagramID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.images[diagramID]; ok {
		return img, true
	}
	if _, known := s.sources[diagramID]; known {
		return render.PlaceholderImage(), true
	}
	return nil, false
}

// Failed reports whether the diagram's last render produced the placeholder.
func (s *Session) Failed(diagramID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[diagramID]
}

// Close marks the session dead; render results arriving afterwards are
// dropped.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
