package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.BookCreated()
	m.BookMerged()
	m.TierAdjusted(-3)
	m.TierAdjusted(2)
	m.TierAdjusted(-1)
	m.EventLogged(4)
	m.EventApplied(false)
	m.EventApplied(true)
	m.StrategyUsed("by_price")
	m.BatchRetried()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BooksCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TierAdjusts.WithLabelValues("down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierAdjusts.WithLabelValues("up")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.LinesLogged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsApplied.WithLabelValues("already_applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Strategies.WithLabelValues("by_price")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTP(http.MethodGet, "/books", http.StatusOK, 5*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `inventory_http_requests_total{method="GET",route="/books",status="200"} 1`)
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "author-inventory", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
