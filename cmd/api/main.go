package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"draftdesk/api/internal/app"
	"draftdesk/api/internal/config"
	"draftdesk/api/internal/correlator"
	"draftdesk/api/internal/export"
	"draftdesk/api/internal/generator"
	"draftdesk/api/internal/gitrepo"
	"draftdesk/api/internal/ingest"
	"draftdesk/api/internal/lease"
	"draftdesk/api/internal/logger"
	"draftdesk/api/internal/metrics"
	"draftdesk/api/internal/orchestrator"
	"draftdesk/api/internal/search"
	"draftdesk/api/internal/store"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	ctx := context.Background()

	dialect, err := store.ParseDialect(cfg.DBDriver)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid database driver")
	}
	dsn := cfg.DatabaseURL
	if dialect == store.DialectSQLite {
		dsn = cfg.SQLitePath
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			log.Fatal().Err(err).Msg("failed to create data dir")
		}
	}

	db, err := store.Open(ctx, dialect, dsn)
	if err != nil {
		log.Fatal().Err(err).Str("driver", string(dialect)).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect, log); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create repos dir")
	}

	dataStore := store.NewSQLStore(db, dialect)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	var client generator.Client
	switch strings.ToLower(cfg.Generator) {
	case "lorem":
		log.Warn().Msg("using lorem generator; drafts are placeholder text")
		client = generator.NewLoremClient()
	default:
		openaiClient, err := generator.NewOpenAIClient(generator.OpenAISettings{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("generator setup failed")
		}
		client = openaiClient
	}

	catalog, err := generator.LoadCatalog(cfg.PromptsFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.PromptsFile).Msg("prompt catalog failed to load")
	}
	writer := generator.NewWriter(client, catalog, generator.Models{
		Initial: cfg.InitialModel,
		Update:  cfg.UpdateModel,
		Summary: cfg.SummaryModel,
	})

	var locker lease.Locker
	readyChecks := map[string]app.Pinger{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info().Msg("using Redis for generation leases")
		redisLocker, err := lease.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisLocker.Close()
		locker = redisLocker
		readyChecks["redis"] = redisLocker
	} else {
		log.Info().Msg("using in-process generation leases")
		locker = lease.NewMemoryLocker()
	}

	gitService := gitrepo.New(cfg.ReposDir)

	var engine search.Engine
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		engine = meiliClient
	}
	searchService := search.NewService(engine, dataStore, log)
	if meiliClient != nil {
		go reindex(ctx, dataStore, searchService, log)
	}

	archive, err := ingest.NewArchive(ctx, ingest.ArchiveConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		log.Warn().Err(err).Msg("seed archive unavailable; uploads will not be archived")
		archive = nil
	}

	orch := orchestrator.New(dataStore, writer, orchestrator.Options{
		GenerationTimeout: cfg.GenerationTimeout,
		Locker:            locker,
		Mirror:            gitService,
		Indexer:           searchService,
		Metrics:           appMetrics,
		Logger:            log,
	})

	service := app.New(app.Deps{
		Store:               dataStore,
		Sessions:            orch,
		History:             correlator.New(dataStore),
		Search:              searchService,
		Export:              export.NewService(dataStore),
		Archive:             archive,
		Commits:             gitService,
		QuickActions:        writer.QuickActions(),
		HistoryContextLimit: cfg.ContextLimit,
		ReadyChecks:         readyChecks,
		Logger:              log,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, appMetrics, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2*cfg.GenerationTimeout + 30*time.Second, // update plus summary
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("driver", string(dialect)).Msg("draftdesk API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// reindex pushes every stored version to the search engine so an empty or
// stale index catches up after a restart.
func reindex(ctx context.Context, dataStore *store.SQLStore, searchService *search.Service, log *logger.Logger) {
	sessions, err := dataStore.ListSessions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("reindex: list sessions")
		return
	}
	var records []search.VersionRecord
	for _, session := range sessions {
		versions, err := dataStore.GetVersions(ctx, session.ID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("reindex: list versions")
			continue
		}
		for _, v := range versions {
			records = append(records, search.NewVersionRecord(session.ProductName, v))
		}
	}
	searchService.Reindex(records)
	log.Info().Int("sessions", len(sessions)).Int("versions", len(records)).Msg("search reindex queued")
}
