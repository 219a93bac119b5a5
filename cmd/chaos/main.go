// cmd/chaos/main.go
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"authorinventory/internal/chaos"
	"authorinventory/internal/config"
	"authorinventory/internal/gameday"
	"authorinventory/internal/kvstore"
	"authorinventory/internal/logger"
	"authorinventory/internal/telemetry"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	zl, err := logger.NewLogger(cfg.ServiceName+"-chaos", cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName+"-chaos", cfg.OTLPEndpoint)
	if err != nil {
		zl.Fatal("Failed to set up tracing", zap.Error(err))
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	store, err := kvstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		zl.Fatal("Failed to open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer store.Close()

	lab := gameday.NewLab(store, zl)
	day, err := lab.GameDay(ctx)
	if err != nil {
		zl.Fatal("Failed to prepare game day", zap.Error(err))
	}

	engine := chaos.NewEngine(zl)
	for _, exp := range day.Scenarios {
		engine.Register(exp)
	}
	day.Scenarios = engine.Experiments()

	results, runErr := engine.RunGameDay(ctx, day)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		zl.Error("Failed to write report", zap.Error(err))
	}
	if runErr != nil {
		zl.Error("Chaos game day failed", zap.Error(runErr))
		zl.Sync()
		os.Exit(1)
	}
	zl.Info("Chaos game day passed", zap.Int("experiments", len(results)))
}
