package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reliquary/consensus/internal/config"
	"github.com/reliquary/consensus/internal/logging"
	"github.com/reliquary/consensus/internal/service"
	"github.com/reliquary/consensus/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "configs/audit-relay.yaml", "path to relay config")
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger()

	store, err := postgres.Open(context.Background(), cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	relay, err := service.NewAuditRelay(store, cfg, logger)
	if err != nil {
		logger.Error("failed to build audit relay", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("audit relay started", slog.Int("batch_size", cfg.Relay.BatchSize), slog.Int("required_acks", cfg.Relay.RequiredAcks))
	if err := relay.Run(ctx, time.Duration(cfg.Relay.PollIntervalSeconds)*time.Second); err != nil {
		logger.Error("audit relay stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("audit relay stopped")
}
