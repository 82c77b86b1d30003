package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ragchat/app/server"
	"ragchat/config"
	"ragchat/logger"
)

const shutdownTimeout = 30 * time.Second

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

	s, err := server.New(context.Background(), cfg, l)
	if err != nil {
		l.Fatal("failed to start server", zap.Error(err))
	}

	go func() {
		if err := s.Run(); err != nil {
			l.Error("server stopped with error", zap.Error(err))
		}
	}()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	<-sigch
	l.Info("received shutdown signal, shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		l.Error("graceful shutdown failed", zap.Error(err))
	}
}
