package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleo/parleo/internal/api"
	"github.com/parleo/parleo/internal/cache"
	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/clock"
	"github.com/parleo/parleo/internal/config"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/events"
	"github.com/parleo/parleo/internal/ice"
	"github.com/parleo/parleo/internal/listeners"
	"github.com/parleo/parleo/internal/media"
	"github.com/parleo/parleo/internal/metrics"
	"github.com/parleo/parleo/internal/policy"
	"github.com/parleo/parleo/internal/push"
	"github.com/parleo/parleo/internal/queue"
	"github.com/parleo/parleo/internal/sfu"
	"github.com/parleo/parleo/internal/signaling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting parleod",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"queue_provider", cfg.QueueProvider,
	)

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		logger.Error("invalid jwt secret", "error", err)
		os.Exit(1)
	}

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Shared cache for live call state.
	store, err := cache.NewRedis(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	clk := clock.Real{}
	bus := events.NewBus(logger)
	registry := events.DefaultRegistry()

	callRepo := database.NewCallHistoryRepository(db)
	mediaRepo := database.NewMediaRepository(db)
	tokenRepo := database.NewPushTokenRepository(db)

	calls := call.NewService(store, callRepo, bus, clk, logger)

	// Media pipeline: blob store, signed uploads, queue-fed workers.
	blob, err := media.NewDisk(filepath.Join(cfg.DataDir, "media"))
	if err != nil {
		logger.Error("failed to create media store", "error", err)
		os.Exit(1)
	}
	signer := media.NewURLSigner(secret)
	worker := media.NewWorker(mediaRepo, blob, media.NewFFmpeg(), bus, cfg, clk, logger)

	var mediaQueue queue.Queue
	var stopQueue func()
	switch cfg.QueueProvider {
	case "remote":
		remote := queue.NewRemote(cfg.RemoteQueueURL, cfg.QueueConcurrency, cfg.QueueMaxAttempts, worker.Handle, logger)
		remote.Start(appCtx)
		mediaQueue, stopQueue = remote, remote.Stop
	default:
		local := queue.NewLocal(queue.LocalConfig{
			Concurrency: cfg.QueueConcurrency,
			MaxAttempts: cfg.QueueMaxAttempts,
		}, worker.Handle, logger)
		local.Start(appCtx)
		mediaQueue, stopQueue = local, local.Stop
	}

	medias := media.NewService(mediaRepo, blob, signer, mediaQueue, bus, cfg, clk, logger)

	cleaner := media.NewCleaner(mediaRepo, blob, cfg.RetentionDays, clk, logger)
	go cleaner.Run(appCtx)

	// Realtime surfaces.
	icep := ice.NewProvider(cfg.STUNList(), cfg.TURNList(), cfg.TURNSecret, cfg.TURNTTL, false, clk)
	sfuClient := sfu.NewClient(cfg.SFUAPIURL, cfg.SFUAPIKey, cfg.SFUDomain, clk)
	pushClient := push.NewClient(cfg.PushGatewayURL, cfg.PushLicenseKey)

	hub := signaling.NewHub(calls, sfuClient, icep, bus, store, policy.AllowAll{}, logger)
	hub.Start()

	// Event listeners: durable log, push wake-ups, block teardown.
	listeners.RegisterAll(listeners.Deps{
		Bus:      bus,
		Registry: registry,
		Ledger:   database.NewLedgerRepository(db),
		EventLog: database.NewEventLogRepository(db),
		Tokens:   tokenRepo,
		Push:     pushClient,
		Calls:    calls,
		Logger:   logger,
	})

	// Prometheus metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(calls, hub, mediaQueue, time.Now()))

	// HTTP server using the api package.
	apiServer := api.NewServer(api.Deps{
		Config:  cfg,
		Logger:  logger,
		Calls:   calls,
		Media:   medias,
		ICE:     icep,
		Hub:     hub,
		Tokens:  tokenRepo,
		Metrics: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Secret:  secret,
	})
	defer apiServer.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiServer,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	appCancel()
	stopQueue()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("parleod stopped")
}
