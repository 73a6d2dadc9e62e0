package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-voiceclone/internal/assets"
	"github.com/loqalabs/loqa-voiceclone/internal/config"
)

func main() {
	var (
		configPath string
		dir        string
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&dir, "dir", "", "Directory to place model bundles in (overrides config)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if dir != "" {
		cfg.Assets.Dir = dir
	}
	if cfg.Assets.Token == "" {
		cfg.Assets.Token = os.Getenv("HF_TOKEN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := assets.NewFetcher(cfg.Assets, nil, logger)
	if err := fetcher.FetchAll(ctx); err != nil {
		var acqErr *assets.AcquisitionError
		if errors.As(err, &acqErr) {
			logger.Error("model acquisition failed", slog.String("repo", acqErr.Repo), slog.String("error", acqErr.Err.Error()))
		} else {
			logger.Error("model acquisition failed", slog.String("error", err.Error()))
		}
		os.Exit(1)
	}

	logger.Info("model assets ready", slog.String("dir", cfg.Assets.Dir))
}
