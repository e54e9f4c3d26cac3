package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/librescoot/cellular-service/internal/config"
	"github.com/librescoot/cellular-service/internal/logging"
	"github.com/librescoot/cellular-service/internal/service"
)

var version = "dev"

func main() {
	cfg := config.New()
	if err := cfg.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "cellular-service: %v\n", err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("cellular-service %s\n", version)
		return
	}

	logger, closer, err := logging.Setup(logging.OptionsFromEnv(cfg.LogLevel, cfg.LogFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cellular-service: %v\n", err)
		os.Exit(2)
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create service")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Received termination signal")
		cancel()
	}()

	logger.Info().Str("version", version).Msg("Starting cellular service")
	if err := svc.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Service failed")
	}
}
