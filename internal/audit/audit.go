// internal/audit/audit.go
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Actions recorded by the inventory engine.
const (
	ActionBookCreated  = "book.create"
	ActionBookMerged   = "book.merge"
	ActionBookUpdated  = "book.update"
	ActionBookDeleted  = "book.delete"
	ActionTierCreated  = "tier.create"
	ActionTierAdjusted = "tier.adjust"
	ActionEventLogged  = "event.logged"
	ActionEventApplied = "event.applied"
)

// Record is one inventory change.
type Record struct {
	Time    time.Time `json:"time"`
	Owner   string    `json:"owner"`
	Action  string    `json:"action"`
	BookID  string    `json:"bookId,omitempty"`
	TierID  string    `json:"tierId,omitempty"`
	EventID string    `json:"eventId,omitempty"`
	Delta   int64     `json:"delta,omitempty"`
	Source  string    `json:"source,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Sink receives audit records.
type Sink interface {
	Write(ctx context.Context, recs ...Record) error
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(context.Context, ...Record) error { return nil }

// LogSink writes records as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Write(_ context.Context, recs ...Record) error {
	for _, r := range recs {
		s.logger.Info(r.Action,
			zap.Time("time", r.Time),
			zap.String("owner", r.Owner),
			zap.String("bookId", r.BookID),
			zap.String("tierId", r.TierID),
			zap.String("eventId", r.EventID),
			zap.Int64("delta", r.Delta),
			zap.String("source", r.Source),
			zap.String("detail", r.Detail),
		)
	}
	return nil
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records to a topic keyed by owner, so one owner's
// changes stay ordered within a partition.
type KafkaSink struct {
	writer kafkaMessageWriter
}

// NewKafkaSink creates a Kafka sink. brokers is a comma-separated list of host:port.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	var addrs []string
	for _, a := range strings.Split(brokers, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// NewKafkaSinkWith is only for tests to inject a fake writer.
func NewKafkaSinkWith(w kafkaMessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Write(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(recs))
	for _, r := range recs {
		b, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.Owner), Value: b, Time: r.Time})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish audit records: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

// Multi fans records out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, recs ...Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, recs...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
