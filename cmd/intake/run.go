package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/cwygoda/intake/internal/adapter/embedding"
	"github.com/cwygoda/intake/internal/adapter/handler"
	httpAdapter "github.com/cwygoda/intake/internal/adapter/http"
	"github.com/cwygoda/intake/internal/adapter/scraper"
	"github.com/cwygoda/intake/internal/adapter/sqlite"
	"github.com/cwygoda/intake/internal/config"
	"github.com/cwygoda/intake/internal/domain"
	"github.com/cwygoda/intake/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background engine and the intake HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}
		if once, _ := cmd.Flags().GetBool("once"); once {
			return runOnce(cfg)
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("listen", "", "HTTP listen address (overrides config, empty string in config disables the API)")
	runCmd.Flags().Bool("once", false, "run a single engine cycle and exit")
}

// buildRegistry registers the enabled handlers.
func buildRegistry(cfg *config.Config) (*worker.Registry, error) {
	registry := worker.NewRegistry()
	h := cfg.Handlers

	if h.ScrapeBatch.IsEnabled(true) {
		scrapers := scraper.NewRegistry(cfg.Sites, log)
		log.WithField("processors", scrapers.Names()).Info("scrapers configured")
		if err := registry.Register(handler.BatchType(scrapers, log), "scrape-batch",
			h.ScrapeBatch.MaxItemsOr(5), domain.PurposeIngestion); err != nil {
			return nil, err
		}
	}
	if h.CookieExpiry.IsEnabled(true) {
		if err := registry.Register(handler.ExpiryType(log), "cookie-expiry",
			h.CookieExpiry.MaxItemsOr(50), domain.PurposeInternal); err != nil {
			return nil, err
		}
	}
	if h.Vectorize.IsEnabled(cfg.Embedding.BaseURL != "") {
		if cfg.Embedding.BaseURL == "" {
			return nil, fmt.Errorf("handler vectorize: embedding.base_url is required")
		}
		embedder := embedding.New(cfg.Embedding, log)
		if err := registry.Register(handler.VectorizeType(embedder, cfg.Embedding.MaxAttempts, log), "vectorize-images",
			h.Vectorize.MaxItemsOr(20), domain.PurposeInternal); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func openEngine(cfg *config.Config) (*sqlite.DB, *worker.Engine, error) {
	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("register handlers: %w", err)
	}
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	for _, p := range []domain.Purpose{domain.PurposeIngestion, domain.PurposeInternal, domain.PurposeExport} {
		if names := registry.ByPurpose(p); len(names) > 0 {
			log.WithField("purpose", p).Infof("handlers: %s", strings.Join(names, ", "))
		}
	}
	engine := worker.NewEngine(registry, db, log, worker.WithAbortOnFetchError(cfg.AbortOnFetchError))
	return db, engine, nil
}

func lock(cfg *config.Config) (*flock.Flock, error) {
	fl := flock.New(cfg.LockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", cfg.LockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("another intake engine holds %s", cfg.LockPath)
	}
	return fl, nil
}

func runOnce(cfg *config.Config) error {
	fl, err := lock(cfg)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	db, engine, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := engine.RunCycle(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fetched %d, succeeded %d, failed %d, truncated %d, fetch failures %d\n",
		report.Fetched, report.Succeeded, report.Failed, report.Truncated, report.FetchFailures)
	return nil
}

func run(cfg *config.Config) error {
	fl, err := lock(cfg)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	log.WithField("database", cfg.DBPath).Info("starting intake")

	db, engine, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := domain.NewBatchService(db)

	// Batches left started by a previous process never finish on their own.
	if recovered, err := svc.RecoverStale(context.Background()); err != nil {
		log.WithError(err).Warn("failed to recover stale batches")
	} else if recovered > 0 {
		log.WithField("count", recovered).Info("failed batches interrupted by shutdown")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(engine, cfg.PollInterval, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	var srv *httpAdapter.Server
	if cfg.Listen != "" {
		srv = httpAdapter.NewServer(svc, cfg.Listen, cfg.WebhookSecret, log)
		go func() {
			log.WithField("addr", srv.Addr()).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP server failed")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown")
		}
	}

	// The in-flight cycle finishes before the worker returns.
	<-done
	log.Info("shutdown complete")
	return nil
}
