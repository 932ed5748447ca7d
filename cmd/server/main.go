// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/database"
	"github.com/javajoker/affiliate-backend/internal/router"
	"github.com/javajoker/affiliate-backend/internal/services"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	setupLogging(cfg)

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close(db)

	// Run database migrations
	if err := database.RunMigrations(db); err != nil {
		logrus.WithError(err).Fatal("Failed to run migrations")
	}

	if cfg.Environment == "development" {
		if err := database.SeedDemoData(db); err != nil {
			logrus.WithError(err).Warn("Failed to seed demo data")
		}
	}

	// Redis backs the per-affiliate lock and click dedupe when configured so
	// several instances can share the ledger.
	rdb, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize Redis")
	}

	var (
		locker  services.AffiliateLocker
		deduper services.Deduper
	)
	if rdb != nil {
		defer rdb.Close()
		locker = services.NewRedisLocker(rdb, cfg.Ledger.LockTimeout)
		deduper = services.NewRedisDeduper(rdb)
	} else {
		logrus.Warn("Redis not configured, using in-process locking; run a single instance only")
		locker = services.NewLocalLocker(cfg.Ledger.LockTimeout)
		deduper = services.NewMemoryDeduper()
	}

	publisher := services.NewEventPublisher(cfg.Kafka)
	defer publisher.Close()

	storage, err := services.NewStorageService(cfg.AWS)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize object storage")
	}

	stats := services.NewStatsRecorder(db, deduper, cfg.Stats)
	stats.Start()

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	r := router.Initialize(db, cfg, router.Dependencies{
		Locker:    locker,
		Publisher: publisher,
		Stats:     stats,
		Storage:   storage,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	// Drain queued click and conversion events after the last request.
	stats.Stop()

	logrus.Info("Server exited")
}

func setupLogging(cfg *config.Config) {
	if cfg.Logging.Format == "json" || cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
