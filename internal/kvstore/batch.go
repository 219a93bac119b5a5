// internal/kvstore/batch.go
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var errUnprocessed = errors.New("batch write left unprocessed requests")

// BatchOptions tune WriteAll.
type BatchOptions struct {
	// BackOff paces resubmissions. Defaults to exponential backoff.
	BackOff backoff.BackOff
	// MaxElapsedTime bounds the retries of one chunk. Zero keeps the backoff library default.
	MaxElapsedTime time.Duration
	// OnRetry is called with the number of requests about to be resubmitted.
	OnRetry func(pending int)
}

// WriteAll splits reqs into MaxBatchSize chunks and writes each one, resubmitting
// only the unprocessed subset until none remain. Transient failures are retried;
// any other error stops the write.
func WriteAll(ctx context.Context, s Store, reqs []WriteRequest, opts BatchOptions) error {
	b := opts.BackOff
	if b == nil {
		b = backoff.NewExponentialBackOff()
	}
	retryOpts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if opts.MaxElapsedTime > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(opts.MaxElapsedTime))
	}

	for start := 0; start < len(reqs); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(reqs))
		pending := reqs[start:end]

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			unprocessed, err := s.BatchWrite(ctx, pending)
			if err != nil {
				if !errors.Is(err, ErrTransient) {
					return struct{}{}, backoff.Permanent(err)
				}
				if opts.OnRetry != nil {
					opts.OnRetry(len(pending))
				}
				return struct{}{}, err
			}
			if len(unprocessed) > 0 {
				pending = unprocessed
				if opts.OnRetry != nil {
					opts.OnRetry(len(pending))
				}
				return struct{}{}, errUnprocessed
			}
			return struct{}{}, nil
		}, retryOpts...)
		if err != nil {
			return fmt.Errorf("batch write items %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}
