package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/furquan101/expense-dashboard/internal/config"
	"github.com/furquan101/expense-dashboard/internal/domain"
	"github.com/furquan101/expense-dashboard/internal/handler"
	"github.com/furquan101/expense-dashboard/internal/infra/blob"
	"github.com/furquan101/expense-dashboard/internal/infra/cache"
	"github.com/furquan101/expense-dashboard/internal/infra/monzo"
	"github.com/furquan101/expense-dashboard/internal/infra/observability"
	"github.com/furquan101/expense-dashboard/internal/infra/resilience"
	"github.com/furquan101/expense-dashboard/internal/infra/vault"
	"github.com/furquan101/expense-dashboard/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("monzo_api_url", cfg.MonzoAPIURL),
		zap.String("csv_path", cfg.CSVPath),
		zap.Int("sync_window_days", cfg.SyncWindowDays),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "expense-dashboard")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Cache ---
	summaryCache := cache.New[*domain.Summary](cfg.CacheTTL)

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
	}
	cb := resilience.NewCircuitBreaker("monzo-oauth")

	// --- Storage ---
	tokenVault, err := vault.New(cfg.TokenEncryptionKey, cfg.TokenVaultPath)
	if err != nil {
		logger.Fatal("failed to open token vault", zap.Error(err))
	}
	blobStore := blob.NewFSStore(cfg.ArchiveDir)

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	auth := monzo.NewAuth(
		monzo.AuthConfig{
			APIURL:                cfg.MonzoAPIURL,
			AuthURL:               cfg.MonzoAuthURL,
			ClientID:              cfg.MonzoClientID,
			ClientSecret:          cfg.MonzoClientSecret,
			RedirectURI:           cfg.MonzoRedirectURI,
			BootstrapAccessToken:  cfg.MonzoAccessToken,
			BootstrapRefreshToken: cfg.MonzoRefreshToken,
			StateSigningSecret:    cfg.StateSigningSecret,
		},
		httpClient,
		tokenVault,
		cb,
		resilienceCfg,
		metrics,
		logger,
	)

	monzoClient := monzo.NewClient(
		monzo.ClientConfig{
			BaseURL:       cfg.MonzoAPIURL,
			AccountID:     cfg.MonzoAccountID,
			PageSize:      cfg.PageSize,
			MaxIterations: cfg.MaxPageIterations,
			RateLimitBase: cfg.RateLimitBase,
			RateLimitCap:  cfg.RateLimitCap,
		},
		httpClient,
		auth,
		metrics,
		logger,
	)

	// --- Services ---
	buckets := make([]domain.BucketRule, 0, len(cfg.BaselineBuckets))
	for _, b := range cfg.BaselineBuckets {
		buckets = append(buckets, domain.BucketRule{Name: b.Name, From: b.From, To: b.To})
	}
	baseline := service.NewBaseline(cfg.CSVPath, buckets, logger)
	archive := service.NewArchive(blobStore, cfg.ArchivePath, logger)
	classifierCfg := service.DefaultClassifierConfig()
	classifierCfg.HomeRegion = cfg.HomeRegion
	classifier := service.NewClassifier(classifierCfg, metrics, logger)
	syncSvc := service.NewSync(baseline, monzoClient, archive, classifier, summaryCache, metrics, logger)

	// --- Router ---
	router := handler.NewRouter(syncSvc, auth, cfg.SyncWindowDays, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
