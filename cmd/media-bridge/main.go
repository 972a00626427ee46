// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/media-bridge/config"
	internal_adapter "github.com/rapidaai/media-bridge/internal/adapter"
	internal_sfu "github.com/rapidaai/media-bridge/internal/sfu"
	internal_store "github.com/rapidaai/media-bridge/internal/store"
	"github.com/rapidaai/media-bridge/pkg/commons"
	media_routers "github.com/rapidaai/media-bridge/router"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("failed to load application config: %v", err)
	}

	logger := commons.NewApplicationLogger(cfg.Name, cfg.LogLevel, cfg.LogFile)
	defer logger.Sync()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})
	defer redisClient.Close()

	host := internal_adapter.NewHost(internal_adapter.Dependencies{
		Logger: logger,
		Config: cfg,
		Sfu:    internal_sfu.NewClient(logger, cfg.Sfu),
		NewDurableStore: func(scope string) internal_store.DurableStore {
			return internal_store.NewRedisStore(redisClient, scope)
		},
	})

	engine := media_routers.New(cfg, logger, host)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infof("media-bridge %s listening on %s", cfg.Version, server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("Server stopped unexpectedly", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("Graceful shutdown failed", "error", err)
	}
}
