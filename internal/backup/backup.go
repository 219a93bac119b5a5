// internal/backup/backup.go
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"authorinventory/internal/kvstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Sink stores a finished export under key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	// Location describes where key ends up, for logs.
	Location(key string) string
}

// DirSink writes exports into a local directory.
type DirSink struct {
	Dir string
}

func (d DirSink) Put(_ context.Context, key string, data []byte) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	tmp := filepath.Join(d.Dir, "."+key+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return os.Rename(tmp, filepath.Join(d.Dir, key))
}

func (d DirSink) Location(key string) string { return filepath.Join(d.Dir, key) }

// Document is the export file layout.
type Document struct {
	ExportedAt time.Time      `json:"exportedAt"`
	Count      int            `json:"count"`
	Items      []kvstore.Item `json:"items"`
}

// Result reports a finished export.
type Result struct {
	Key   string
	Count int
}

// Exporter dumps every store item into a sink.
type Exporter struct {
	store  kvstore.Store
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewExporter(store kvstore.Store, sink Sink, logger *zap.Logger) *Exporter {
	return &Exporter{store: store, sink: sink, logger: logger.Named("backup"), now: time.Now}
}

// Run scans the store and writes backup-<timestamp>.json.
func (e *Exporter) Run(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("authorinventory/backup").Start(ctx, "backup.Run")
	defer span.End()

	items := make([]kvstore.Item, 0, 256)
	if err := e.store.Scan(ctx, func(it kvstore.Item) error {
		items = append(items, it)
		return nil
	}); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("failed to scan store: %w", err)
	}

	now := e.now().UTC()
	data, err := json.Marshal(Document{ExportedAt: now, Count: len(items), Items: items})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode export: %w", err)
	}
	key := "backup-" + now.Format("2006-01-02T15-04-05.000Z") + ".json"
	if err := e.sink.Put(ctx, key, data); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("failed to store export: %w", err)
	}

	span.SetAttributes(attribute.Int("items", len(items)), attribute.String("key", key))
	e.logger.Info("export written", zap.Int("count", len(items)), zap.String("location", e.sink.Location(key)))
	return Result{Key: key, Count: len(items)}, nil
}
