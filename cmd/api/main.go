// cmd/api/main.go
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

	"authorinventory/internal/audit"
	"authorinventory/internal/auth"
	"authorinventory/internal/config"
	"authorinventory/internal/httpapi"
	"authorinventory/internal/inventory"
	"authorinventory/internal/kvstore"
	"authorinventory/internal/logger"
	"authorinventory/internal/telemetry"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	zl, err := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		zl.Fatal("Failed to set up tracing", zap.Error(err))
	}

	store, err := kvstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		zl.Fatal("Failed to open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer store.Close()

	sinks := audit.Multi{audit.NewLogSink(zl)}
	if cfg.KafkaBrokers != "" {
		kafkaSink := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		zl.Info("Kafka audit sink enabled", zap.String("topic", cfg.KafkaAuditTopic))
	}

	metrics := telemetry.NewMetrics()
	svc := inventory.NewService(store, zl,
		inventory.WithRecorder(metrics),
		inventory.WithAudit(sinks),
	)

	if cfg.DefaultOwner == "" && cfg.JWTSecret == "" && !cfg.AllowDevHeader {
		zl.Warn("No way to resolve an owner is configured; every inventory request will be rejected")
	}
	router := httpapi.NewRouter(svc, httpapi.Options{
		Logger:         zl,
		Metrics:        metrics,
		Resolver:       auth.NewResolver(cfg.JWTSecret, cfg.AllowDevHeader, cfg.DefaultOwner),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		RequestTimeout: 30 * time.Second,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("Inventory API listening", zap.String("port", cfg.Port), zap.String("backend", cfg.StoreBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zl.Warn("Failed to flush traces", zap.Error(err))
	}
	zl.Info("Server exited")
}
