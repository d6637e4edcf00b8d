package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cwygoda/intake/internal/adapter/sqlite"
	"github.com/cwygoda/intake/internal/config"
	"github.com/cwygoda/intake/internal/domain"
)

var (
	cfgFile  string
	logLevel string
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "intake",
	Short: "Supplier order ingestion and background work engine",
	Long: `intake scrapes supplier order histories into staging batches for review.

Batches are submitted with captured browser cookies and processed by a
background engine that also vectorizes item images and expires stale cookies.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/intake/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "loglevel", "l", "", "log level: debug, info, warn, error (overrides config)")
}

// loadConfig reads the configuration and sets up the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = strings.ToLower(logLevel)
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return cfg, nil
}

// withService opens the database for a one-shot command.
func withService(fn func(ctx context.Context, cfg *config.Config, svc *domain.BatchService) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(context.Background(), cfg, domain.NewBatchService(db))
}
