package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ragchat/app/server"
	"ragchat/config"
	"ragchat/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}
	l, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("Error building logger: ", err)
	}
	defer l.Sync()

	if cfg.StoreBackend != "postgres" {
		l.Warn("STORE_BACKEND is not postgres, loaded documents are gone when the loader exits")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open := func(ctx context.Context) (*server.Components, error) {
		return server.Build(ctx, cfg, l)
	}
	if err := newRootCmd(open, cfg.MaxUploadBytes).ExecuteContext(ctx); err != nil {
		l.Error("loader failed", zap.Error(err))
		os.Exit(1)
	}
}
