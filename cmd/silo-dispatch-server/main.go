package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/agents"
	internalhttp "github.com/EternisAI/silo-dispatch/internal/api/http"
	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const (
	cleanupInterval = time.Minute
	shutdownTimeout = 10 * time.Second
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Dispatch Server", "version", AppVersion)

	if config.Jwt.Secret == "" {
		slog.Error("jwt.secret must be set")
		os.Exit(1)
	}
	if config.Http.AdminAPIKey == "" {
		slog.Warn("http.admin_api_key is empty, operator routes are disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store registry.Store
	if config.Db.Url != "" {
		pool, err := db.Open(ctx, config.Db)
		if err != nil {
			slog.Error("Failed to open database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = db.NewQueries(pool)
	} else {
		slog.Warn("db.url is empty, using in-memory registry")
		store = registry.NewMemoryStore()
	}

	metrics.MustRegister()

	jobsService := jobs.NewService(store, config.Registry)
	go jobsService.StartCleanup(ctx, cleanupInterval)

	services := &internalhttp.Services{
		Agents:    agents.NewService(store, config.Jwt),
		Jobs:      jobsService,
		JWTSecret: config.Jwt.Secret,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services, config.Http)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Http.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	slog.Info("Shutdown complete")
}
