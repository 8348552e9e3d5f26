package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"diasync/api/internal/aiedit"
	"diasync/api/internal/app"
	"diasync/api/internal/assets"
	"diasync/api/internal/config"
	"diasync/api/internal/contentstore"
	"diasync/api/internal/history"
	"diasync/api/internal/mapping"
	"diasync/api/internal/render"
	"diasync/api/internal/search"
	"diasync/api/internal/store"
	"diasync/api/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create history dir")
	}

	dataStore := store.NewPostgresStore(db)
	historyService := history.New(cfg.HistoryDir)

	contentStore, err := contentstore.NewStore(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer contentStore.Close()

	mappingTable, err := mapping.NewTable(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer mappingTable.Close()

	var assetCache render.AssetCache
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		cache, err := assets.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			logger.Warn().Err(err).Msg("asset cache unavailable, rendering without it")
		} else {
			assetCache = cache
		}
	}

	renderer, err := render.NewChromeRenderer(cfg.RenderTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("renderer unavailable")
	}
	renderService := render.NewService(renderer, assetCache, logger)
	scheduler := render.NewScheduler(renderService, cfg.RenderDebounce)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient)

	var publisher syncer.Publisher
	if strings.TrimSpace(cfg.PublishURL) != "" {
		publisher = app.NewHTTPPublisher(cfg.PublishURL, cfg.PublishToken)
	}

	synchronizer := syncer.New(contentStore, mappingTable, scheduler, publisher, logger)

	var completion aiedit.CompletionClient
	if strings.TrimSpace(cfg.CompletionURL) != "" {
		completion = aiedit.NewHTTPClient(cfg.CompletionURL, cfg.CompletionToken, cfg.CompletionModel)
	} else {
		logger.Warn().Msg("completion endpoint not configured, AI edits disabled")
		completion = disabledCompletion{}
	}
	aiEditor := aiedit.NewEditor(synchronizer, mappingTable, completion, logger)

	service := app.NewService(synchronizer, aiEditor, contentStore, mappingTable, dataStore, historyService, searchService, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Diasync API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

type disabledCompletion struct{}

func (disabledCompletion) Complete(context.Context, aiedit.CompletionInput) (string, error) {
	return "", errors.New("completion endpoint not configured")
}
