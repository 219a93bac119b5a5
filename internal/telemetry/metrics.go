// internal/telemetry/metrics.go
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's Prometheus registry. It satisfies inventory.Recorder.
type Metrics struct {
	reg *prometheus.Registry

	BooksCreated  prometheus.Counter
	BooksMerged   prometheus.Counter
	TiersCreated  prometheus.Counter
	TierAdjusts   *prometheus.CounterVec
	EventsLogged  prometheus.Counter
	LinesLogged   prometheus.Counter
	EventsApplied *prometheus.CounterVec
	Strategies    *prometheus.CounterVec
	BatchRetries  prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		reg:          r,
		BooksCreated: prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_books_created_total"}),
		BooksMerged:  prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_books_merged_total"}),
		TiersCreated: prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_tiers_created_total"}),
		TierAdjusts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_tier_adjustments_total",
			Help: "Tier stock adjustments by direction.",
		}, []string{"direction"}),
		EventsLogged: prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_events_logged_total"}),
		LinesLogged:  prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_event_lines_logged_total"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_events_applied_total",
		}, []string{"outcome"}),
		Strategies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_apply_strategy_total",
			Help: "Sale lines applied per resolution strategy.",
		}, []string{"strategy"}),
		BatchRetries: prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_batch_write_retries_total"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_http_requests_total",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inventory_http_request_duration_seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BooksCreated, m.BooksMerged, m.TiersCreated, m.TierAdjusts,
		m.EventsLogged, m.LinesLogged, m.EventsApplied, m.Strategies, m.BatchRetries,
		m.HTTPRequests, m.HTTPLatency,
	)
	return m
}

func (m *Metrics) Handler() http.Handler { return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}) }

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) BookCreated()  { m.BooksCreated.Inc() }
func (m *Metrics) BookMerged()   { m.BooksMerged.Inc() }
func (m *Metrics) TierCreated()  { m.TiersCreated.Inc() }
func (m *Metrics) BatchRetried() { m.BatchRetries.Inc() }

func (m *Metrics) TierAdjusted(delta int64) {
	dir := "up"
	if delta < 0 {
		dir = "down"
	}
	m.TierAdjusts.WithLabelValues(dir).Inc()
}

func (m *Metrics) EventLogged(lines int) {
	m.EventsLogged.Inc()
	m.LinesLogged.Add(float64(lines))
}

func (m *Metrics) EventApplied(alreadyApplied bool) {
	outcome := "applied"
	if alreadyApplied {
		outcome = "already_applied"
	}
	m.EventsApplied.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StrategyUsed(strategy string) { m.Strategies.WithLabelValues(strategy).Inc() }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
