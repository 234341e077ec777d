// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rapidaai/translate/api/translate-api/config"
	internal_session "github.com/rapidaai/translate/api/translate-api/internal/session"
	translate_routers "github.com/rapidaai/translate/api/translate-api/router"
	"github.com/rapidaai/translate/pkg/commons"
	"github.com/rapidaai/translate/pkg/utils"
)

const shutdownTimeout = 15 * time.Second

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatalf("unable to initialize configuration: %v", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		log.Fatalf("unable to load application configuration: %v", err)
	}

	env := utils.FromEnvironmentStr(cfg.Environment)
	logOpts := []commons.LoggerOption{
		commons.WithLogLevel(cfg.LogLevel),
		commons.WithDevelopment(!env.IsProduction()),
	}
	if path := os.Getenv("LOG_FILE"); path != "" {
		logOpts = append(logOpts, commons.WithLogFile(path))
	}
	logger, err := commons.NewApplicationLogger(logOpts...)
	if err != nil {
		log.Fatalf("unable to build logger: %v", err)
	}
	defer logger.Sync()

	if env.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	manager := internal_session.NewManager(cfg, logger)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	translate_routers.HealthCheckRoutes(cfg, engine, logger, manager)
	translate_routers.TranslateApiRoute(cfg, engine, logger, manager)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: engine,
	}

	go func() {
		logger.Infow("translate api listening",
			"addr", cfg.Addr(),
			"version", cfg.Version,
			"environment", cfg.Environment,
			"default_provider", cfg.DefaultProvider,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server stopped: %v", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting upgrades first, then drain the live sessions. Upgraded
	// connections are hijacked, so the HTTP shutdown does not wait on them.
	if err := server.Shutdown(ctx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := manager.ShutdownAll(ctx); err != nil {
		logger.Warnf("session shutdown: %v", err)
	}
	logger.Info("translate api stopped")
}
