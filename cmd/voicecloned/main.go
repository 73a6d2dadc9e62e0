package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-voiceclone/internal/config"
	"github.com/loqalabs/loqa-voiceclone/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		modelDir    string
		host        string
		port        int
		share       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&modelDir, "model_dir", "", "Model directory (overrides config)")
	flag.StringVar(&host, "host", "", "Interface to listen on (overrides config)")
	flag.IntVar(&port, "port", 0, "Port to listen on (overrides config)")
	flag.BoolVar(&share, "share", false, "Listen on all interfaces")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if modelDir != "" {
		cfg.Model.Dir = modelDir
	}
	if host != "" {
		cfg.HTTP.Bind = host
	}
	if port != 0 {
		cfg.HTTP.Port = port
	}
	if share {
		cfg.HTTP.Share = true
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		if errors.Is(err, runtime.ErrModelUnavailable) {
			logger.Error("model not found; run voiceclone-fetch first",
				slog.String("model_dir", cfg.Model.Dir),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
