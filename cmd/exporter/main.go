// cmd/exporter/main.go
package main

import (
	"context"
	"log"
	"time"

	"authorinventory/internal/backup"
	"authorinventory/internal/config"
	"authorinventory/internal/kvstore"
	"authorinventory/internal/logger"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	zl, err := logger.NewLogger(cfg.ServiceName+"-exporter", cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	if cfg.ExportDir == "" {
		zl.Warn("EXPORT_DIR not configured, skipping backup")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store, err := kvstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		zl.Fatal("Failed to open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer store.Close()

	res, err := backup.NewExporter(store, backup.DirSink{Dir: cfg.ExportDir}, zl).Run(ctx)
	if err != nil {
		zl.Fatal("Export failed", zap.Error(err))
	}
	zl.Info("Export finished", zap.Int("count", res.Count), zap.String("key", res.Key))
}
