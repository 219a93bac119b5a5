// cmd/syncd/main.go
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"authorinventory/internal/client"
	"authorinventory/internal/config"
	"authorinventory/internal/logger"
	"authorinventory/internal/mirror"

	"go.uber.org/zap"
)

// syncd keeps a local mirror of one owner's inventory and replays queued
// creates whenever the API becomes reachable again.
func main() {
	cfg := config.Load()

	zl, err := logger.NewLogger(cfg.ServiceName+"-syncd", cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []client.Option{client.WithLogger(zl)}
	if cfg.APIToken != "" {
		opts = append(opts, client.WithToken(cfg.APIToken))
	}
	if cfg.DevUser != "" {
		opts = append(opts, client.WithDevUser(cfg.DevUser))
	}
	api := client.New(cfg.APIURL, opts...)

	persister, err := mirror.NewPebblePersister(cfg.MirrorDir)
	if err != nil {
		zl.Fatal("Failed to open mirror store", zap.String("dir", cfg.MirrorDir), zap.Error(err))
	}
	m, err := mirror.New(api,
		mirror.WithPersister(persister),
		mirror.WithLogger(zl),
		mirror.WithSyncInterval(cfg.SyncInterval),
	)
	if err != nil {
		zl.Fatal("Failed to load mirror", zap.Error(err))
	}
	defer m.Close()

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-updates:
				zl.Debug("mirror updated",
					zap.Int("books", len(snap.Books)),
					zap.Int("events", len(snap.Events)),
					zap.Int("queued", snap.Status.QueueSize),
				)
			}
		}
	}()

	online := make(chan bool, 1)
	go probe(ctx, api, online, 10*time.Second)

	zl.Info("Sync agent started", zap.String("api", cfg.APIURL), zap.Int("queued", m.Status().QueueSize))
	if err := m.Run(ctx, online); err != nil && ctx.Err() == nil {
		zl.Error("Sync agent stopped", zap.Error(err))
	}
	zl.Info("Sync agent exited")
}

// probe reports API reachability on every check.
func probe(ctx context.Context, api *client.Client, online chan<- bool, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, every/2)
		up := api.Health(checkCtx) == nil
		cancel()
		select {
		case online <- up:
		case <-ctx.Done():
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
