// cmd/lending/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"libralend/config"
	"libralend/internal/catalog"
	"libralend/internal/httpapi"
	"libralend/internal/loan"
	"libralend/internal/settings"
	"libralend/internal/storage/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := cfg.Logger.NewLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("lending service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tel, err := setupTelemetry(ctx, cfg.Tracing.OTLPEndpoint, registry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:       cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		Isolation:    cfg.Storage.Isolation,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}, logger.Named("sqlstore"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}

	resolver, err := settings.NewResolver(store.Settings(), cfg.Lending.DefaultLoanPeriodDays, cfg.Settings.CacheSize, logger.Named("settings"))
	if err != nil {
		return err
	}

	loans := loan.NewService(loan.Dependencies{
		Loans:        store.Loans(),
		Items:        store.Items(),
		Transactions: store,
		Settings:     resolver,
	}, loan.WithLogger(logger.Named("loan")), loan.WithMeterProvider(tel.meterProvider))

	registry.MustRegister(collectors.NewDBStatsCollector(store.DB().DB, "libralend"))

	importRate := rate.Limit(0)
	if cfg.Import.RatePerMinute > 0 {
		importRate = rate.Limit(float64(cfg.Import.RatePerMinute) / 60)
	}

	router := httpapi.NewRouter(httpapi.Dependencies{
		Loans:       loans,
		Catalog:     catalog.NewService(store.Items(), store, logger.Named("catalog")),
		History:     store,
		Settings:    resolver,
		Logger:      logger.Named("http"),
		Registry:    registry,
		ImportRate:  importRate,
		ImportBurst: cfg.Import.Burst,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPServer.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting lending service",
			zap.Int("port", cfg.HTTPServer.Port),
			zap.String("storage_driver", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down lending service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
