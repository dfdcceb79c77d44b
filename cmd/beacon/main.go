package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"beacon/internal/config"
	"beacon/internal/logger"
	"beacon/internal/processor"
)

func main() {
	configPath := flag.String("config", os.Getenv("BEACON_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "beacon: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, config.NodeID())
	log := logger.WithComponent("main")

	// cancelled on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := processor.New(cfg)
	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
