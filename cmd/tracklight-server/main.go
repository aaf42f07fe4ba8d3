// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tracklight/tracklight/lib/clock"
	"github.com/tracklight/tracklight/lib/config"
	"github.com/tracklight/tracklight/lib/httpserver"
	"github.com/tracklight/tracklight/lib/process"
	"github.com/tracklight/tracklight/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("tracklight-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("tracklight-server")
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// The store opens before the listener so no request ever races
	// schema creation.
	store, err := OpenStore(StoreConfig{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := NewNotifier(store, clk, logger)
	server := NewServer(store, notifier, logger, cfg.Auth.Token)

	sweeper := NewSweeper(store, clk, logger, RetentionPolicy{
		Events:   time.Duration(cfg.Retention.EventsDays) * 24 * time.Hour,
		Sessions: time.Duration(cfg.Retention.SessionsDays) * 24 * time.Hour,
		Devices:  time.Duration(cfg.Retention.DevicesDays) * 24 * time.Hour,
	})
	go sweeper.Run(ctx)

	httpServer := httpserver.New(httpserver.Config{
		Address: cfg.Listen,
		Handler: server.Handler(),
		Logger:  logger,
	})

	logger.Info("tracklight server starting",
		"listen", cfg.Listen,
		"database", cfg.Database.Path,
		"version", version.Short(),
	)

	return httpServer.Serve(ctx)
}

// newLogger builds the process logger from the log configuration.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("config: unknown log level %q", cfg.Level)
	}

	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("config: unknown log format %q", cfg.Format)
	}
}
