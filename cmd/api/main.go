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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/access"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/app"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/archive"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/auth"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/authpw"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/collab"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/config"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/email"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/lease"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/logger"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/metrics"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/presence"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/realtime"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/search"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	dataStore, err := store.Connect(ctx, cfg.DatabaseURL, cfg.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer dataStore.Close()
	log.Info().Str("dialect", dataStore.Dialect()).Msg("database ready")

	var presenceRegistry presence.Registry
	var leaser collab.Leaser
	var documentLease *lease.RedisLease
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisRegistry, err := presence.NewRedisRegistry(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		presenceRegistry = redisRegistry
		log.Info().Msg("using redis for presence")

		if cfg.LeaseEnabled {
			documentLease = lease.NewRedisLease(redisRegistry.Client(), cfg.InstanceID, cfg.LeaseTTL, logger.Component(log, "lease"))
			documentLease.Start()
			leaser = documentLease
			log.Info().Str("instance", cfg.InstanceID).Msg("document leases enabled")
		}
	} else {
		presenceRegistry = presence.NewMemoryRegistry()
		if cfg.LeaseEnabled {
			log.Warn().Msg("document leases need REDIS_URL, running without them")
		}
	}
	defer presenceRegistry.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Component(log, "search"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, logger.Component(log, "search"))

	observers := []collab.FlushObserver{searchService}
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		versionArchive, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		}, logger.Component(log, "archive"))
		if err != nil {
			log.Error().Err(err).Msg("version archive unavailable, continuing without it")
		} else {
			observers = append(observers, versionArchive)
		}
	}

	tokens := auth.NewVerifier(cfg.JWTSecret, cfg.TokenTTL)
	evaluator := access.NewEvaluator(dataStore)

	hub := collab.NewHub(dataStore, leaser, logger.Component(log, "hub"), m)
	scheduler := collab.NewScheduler(collab.SchedulerConfig{
		IdleDelay: cfg.FlushIdle,
		Threshold: cfg.FlushThreshold,
	}, hub, dataStore, logger.Component(log, "scheduler"), m, observers...)
	manager := collab.NewManager(collab.Deps{
		Store:     dataStore,
		Tokens:    tokens,
		Access:    evaluator,
		Presence:  presenceRegistry,
		Hub:       hub,
		Scheduler: scheduler,
		Log:       logger.Component(log, "collab"),
		Metrics:   m,
	})
	if documentLease != nil {
		documentLease.OnLost(func(documentID string) {
			manager.LeaseLost(context.Background(), documentID)
		})
	}
	wsServer := realtime.NewServer(manager, realtime.Config{
		RatePerSecond: cfg.WSRatePerSecond,
		Burst:         cfg.WSRateBurst,
		AllowedOrigin: cfg.CORSOrigin,
	}, logger.Component(log, "realtime"))

	deps := app.Deps{
		Store:    dataStore,
		Access:   evaluator,
		Tokens:   tokens,
		Accounts: authpw.NewService(dataStore, tokens),
		Events:   manager,
		Search:   searchService,
		Presence: presenceRegistry,
		Log:      logger.Component(log, "app"),
	}
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	})
	if mailer.IsConfigured() {
		deps.Mailer = mailer
		log.Info().Str("smtp_host", cfg.SMTPHost).Msg("share notifications enabled")
	}
	service := app.New(deps)

	httpServer := app.NewHTTPServer(service, app.HTTPConfig{
		CORSOrigin: cfg.CORSOrigin,
		WebSocket:  http.HandlerFunc(wsServer.ServeWS),
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Recorder:   m,
		Log:        logger.Component(log, "http"),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("collaboration API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	if err := wsServer.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("realtime shutdown error")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final flush incomplete")
	}
	if documentLease != nil {
		documentLease.Stop(shutdownCtx)
	}
}
