// internal/inventory/strategies.go
package inventory

import (
	"context"
	"errors"
	"fmt"

	"authorinventory/internal/kvstore"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Strategy names one way of resolving a sale line to the stock it decrements.
type Strategy string

const (
	// ByTierID decrements the tier named by the line.
	ByTierID Strategy = "by_tier_id"
	// ByPrice decrements the book's tier whose price equals the line price.
	ByPrice Strategy = "by_price"
	// LegacyFlatField decrements the flat copy count of a book that has no tier rows.
	LegacyFlatField Strategy = "legacy_flat_field"
	// Unresolved is reported when no strategy found stock to decrement.
	Unresolved Strategy = "unresolved"
)

// DefaultStrategies is the fallback chain used by ApplyEvent, in order.
func DefaultStrategies() []Strategy {
	return []Strategy{ByTierID, ByPrice, LegacyFlatField}
}

// applyLine tries each strategy in order until one decrements stock.
func (s *service) applyLine(ctx context.Context, owner string, line SaleLine) (Strategy, string, error) {
	for _, strategy := range s.strategies {
		tierID, applied, err := s.tryStrategy(ctx, strategy, owner, line)
		if err != nil {
			return "", "", fmt.Errorf("strategy %s: %w", strategy, err)
		}
		if applied {
			s.metrics.StrategyUsed(string(strategy))
			return strategy, tierID, nil
		}
	}
	s.metrics.StrategyUsed(string(Unresolved))
	return Unresolved, "", nil
}

func (s *service) tryStrategy(ctx context.Context, strategy Strategy, owner string, line SaleLine) (string, bool, error) {
	switch strategy {
	case ByTierID:
		if line.TierID == "" {
			return "", false, nil
		}
		ok, err := s.decrement(ctx, tierKey(owner, line.BookID, line.TierID), line.QtySold)
		return line.TierID, ok, err

	case ByPrice:
		tier, _, err := s.findTierByPrice(ctx, owner, line.BookID, line.Price)
		if err != nil || tier == nil {
			return "", false, err
		}
		ok, err := s.decrement(ctx, tierKey(owner, line.BookID, tier.TierID), line.QtySold)
		return tier.TierID, ok, err

	case LegacyFlatField:
		tiers, err := s.loadTiers(ctx, owner, line.BookID)
		if err != nil || len(tiers) > 0 {
			return "", false, err
		}
		ok, err := s.decrement(ctx, bookKey(owner, line.BookID), line.QtySold)
		return line.BookID, ok, err
	}
	return "", false, fmt.Errorf("unknown strategy %q", strategy)
}

// decrement removes qty copies from an existing item, clamping at zero.
// It reports false when the item does not exist.
func (s *service) decrement(ctx context.Context, key kvstore.Key, qty int64) (bool, error) {
	_, err := s.store.Increment(ctx, key, -qty, kvstore.IncrementOptions{MustExist: true, ClampAtZero: true})
	if errors.Is(err, kvstore.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	trace.SpanFromContext(ctx).AddEvent("stock.decrement", trace.WithAttributes(
		attribute.String("item.sk", key.SK),
		attribute.Int64("qty", qty),
	))
	s.logger.Debug("stock decremented", zap.String("sk", key.SK), zap.Int64("qty", qty))
	return true, nil
}
