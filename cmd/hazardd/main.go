package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/hazard-aggregator/internal/app"
	"github.com/mohammed-shakir/hazard-aggregator/internal/core/config"
	"github.com/mohammed-shakir/hazard-aggregator/internal/logger"
	"github.com/mohammed-shakir/hazard-aggregator/internal/metrics"
)

// Version is set at link time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	addr := flag.String("addr", "", "listen address, overrides ADDR")
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	cfg := config.FromEnv()
	if a := strings.TrimSpace(*addr); a != "" {
		cfg.Addr = a
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "hazardd",
		Component: "main",
	}, os.Stdout)
	log := logger.NewSlog(&zl)

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn("dotenv not loaded", "file", *envFile, "err", envErr)
	}

	log.Info("starting hazardd",
		"addr", cfg.Addr,
		"version", Version,
		"osm", cfg.OSM.Enabled,
		"tomtom", cfg.TomTom.APIKey != "",
		"community_db", cfg.Community.DatabaseURL != "",
		"redis", cfg.Cache.RedisAddr != "",
		"invalidation", cfg.Invalidation.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.WithBuildInfo(metrics.BuildInfo{Version: Version}))
	if err != nil {
		log.Error("failed to initialize", "err", err)
		return 1
	}
	if err := a.Run(ctx); err != nil {
		log.Error("server error", "err", err)
		return 1
	}
	log.Info("server stopped")
	return 0
}
