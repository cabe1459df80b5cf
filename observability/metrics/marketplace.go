package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketplaceMetrics tracks lifecycle activity and command-surface latency.
type MarketplaceMetrics struct {
	transitions    *prometheus.CounterVec
	ledgerFailures *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	openLoans      prometheus.Gauge
}

var (
	marketplaceOnce     sync.Once
	marketplaceRegistry *MarketplaceMetrics
)

// Marketplace returns the lazily-initialised metrics registry for the loan
// lifecycle and HTTP command surface.
func Marketplace() *MarketplaceMetrics {
	marketplaceOnce.Do(func() {
		marketplaceRegistry = &MarketplaceMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "microlend",
				Subsystem: "loans",
				Name:      "transitions_total",
				Help:      "Count of loan lifecycle transitions by resulting status.",
			}, []string{"status"}),
			ledgerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "microlend",
				Subsystem: "ledger",
				Name:      "transfer_failures_total",
				Help:      "Count of ledger transfer failures by operation.",
			}, []string{"operation"}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "microlend",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency of command-surface requests by route and status class.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "class"}),
			openLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "microlend",
				Subsystem: "loans",
				Name:      "open_total",
				Help:      "Number of loans currently in PENDING status.",
			}),
		}
		prometheus.MustRegister(
			marketplaceRegistry.transitions,
			marketplaceRegistry.ledgerFailures,
			marketplaceRegistry.requestLatency,
			marketplaceRegistry.openLoans,
		)
	})
	return marketplaceRegistry
}

// RecordTransition increments the transition counter for a resulting status.
func (m *MarketplaceMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(strings.ToUpper(strings.TrimSpace(status))).Inc()
}

// RecordLedgerFailure counts a failed transfer for the given operation.
func (m *MarketplaceMetrics) RecordLedgerFailure(operation string) {
	if m == nil {
		return
	}
	m.ledgerFailures.WithLabelValues(strings.ToLower(strings.TrimSpace(operation))).Inc()
}

// ObserveRequest records one HTTP request's latency.
func (m *MarketplaceMetrics) ObserveRequest(route string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case statusCode >= 500:
		class = "5xx"
	case statusCode >= 400:
		class = "4xx"
	case statusCode >= 300:
		class = "3xx"
	}
	m.requestLatency.WithLabelValues(route, class).Observe(elapsed.Seconds())
}

// SetOpenLoans updates the open-loan gauge.
func (m *MarketplaceMetrics) SetOpenLoans(count int) {
	if m == nil {
		return
	}
	m.openLoans.Set(float64(count))
}
