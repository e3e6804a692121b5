// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keymeter/keymeter/internal/alert"
	"github.com/keymeter/keymeter/internal/cache"
	"github.com/keymeter/keymeter/internal/config"
	"github.com/keymeter/keymeter/internal/logging"
	"github.com/keymeter/keymeter/internal/persistence/postgres"
	"github.com/keymeter/keymeter/internal/registry"
	"github.com/keymeter/keymeter/internal/repository"
	httptransport "github.com/keymeter/keymeter/internal/transport/http"
	"github.com/keymeter/keymeter/internal/usage"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	} else if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("schema not ready: %v", err)
	}

	keyRepo := repository.NewAPIKeyRepository(pool, logger)
	licenseRepo := repository.NewLicenseRepository(pool, logger)

	memCache := cache.NewMemory()
	go memCache.Run(ctx)

	timeouts := registry.Timeouts{
		Store: cfg.StoreTimeout,
		Cache: cfg.CacheTimeout,
	}

	keys := registry.NewKeyRegistry(registry.KeyRegistryDeps{
		Store:    keyRepo,
		Cache:    memCache,
		Logger:   logger,
		CacheTTL: cfg.CacheTTL,
		Timeouts: timeouts,
		Generate: repository.NewKeyString,
	})

	notifier := alert.NewNotifier(alert.Deps{
		Logger: logger,
		URL:    cfg.AlertWebhookURL,
		Secret: cfg.AlertWebhookSecret,
	})

	credits := registry.NewCreditMeter(registry.CreditMeterDeps{
		Store:               keyRepo,
		Cache:               memCache,
		Logger:              logger,
		CacheTTL:            cfg.CacheTTL,
		Timeouts:            timeouts,
		Notifier:            notifier,
		LowBalanceThreshold: cfg.LowBalanceThreshold,
	})

	licenses := registry.NewLicenseRegistry(registry.LicenseRegistryDeps{
		Store:    licenseRepo,
		Cache:    memCache,
		Logger:   logger,
		CacheTTL: cfg.CacheTTL,
		Timeouts: timeouts,
	})

	toucher := usage.New(usage.Deps{
		Store:         keyRepo,
		Logger:        logger,
		FlushInterval: cfg.TouchFlushInterval,
	})
	go toucher.Run(ctx)

	handler := httptransport.NewRouter(httptransport.Deps{
		Keys:           keys,
		Credits:        credits,
		Licenses:       licenses,
		Toucher:        toucher,
		Health:         postgres.NewSchemaHealthChecker(pool),
		Logger:         logger,
		AdminToken:     cfg.AdminToken,
		RequestsPerMin: cfg.RequestsPerMin,
		Version:        Version,
		Commit:         Commit,
		BuildDate:      BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
