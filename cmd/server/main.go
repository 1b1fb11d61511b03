package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dontrlycare/m-essenger-server/internal/auth"
	"github.com/dontrlycare/m-essenger-server/internal/config"
	"github.com/dontrlycare/m-essenger-server/internal/logging"
	"github.com/dontrlycare/m-essenger-server/internal/server"
	"github.com/dontrlycare/m-essenger-server/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	secret, err := cfg.TokenSecret()
	if err != nil {
		logger.Fatal("token secret unavailable", zap.Error(err))
	}
	tokens := auth.NewTokenManager(secret, cfg.Auth.TokenTTL)

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(cfg, logger, st, tokens)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
