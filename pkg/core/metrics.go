package core

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/intelligence"
)

// Lifecycle action labels for powermem_lifecycle_actions_total.
const (
	actionPromote   = "promote"
	actionForget    = "forget"
	actionArchive   = "archive"
	actionReprocess = "reprocess"
)

// metrics holds the client's Prometheus collectors.
type metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	events     *prometheus.CounterVec
	lifecycle  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, logger *zap.Logger) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermem_operations_total",
			Help: "Memory operations by operation and status.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "powermem_operation_duration_seconds",
			Help:    "Memory operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermem_memory_events_total",
			Help: "Memory events applied by add and infer.",
		}, []string{"event"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermem_lifecycle_actions_total",
			Help: "Lifecycle actions taken on access.",
		}, []string{"action"}),
	}
	m.operations = register(reg, m.operations, logger)
	m.duration = register(reg, m.duration, logger)
	m.events = register(reg, m.events, logger)
	m.lifecycle = register(reg, m.lifecycle, logger)
	return m
}

// register registers c, reusing the collector already registered under the
// same name when several clients share a registerer.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, logger *zap.Logger) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		logger.Warn("metric registration failed", zap.Error(err))
	}
	return c
}

// observe records one finished operation. Use it with defer:
//
//	defer c.metrics.observe("Search", time.Now(), &err)
func (m *metrics) observe(op string, start time.Time, err *error) {
	status := "ok"
	if err != nil && *err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metrics) event(event string) {
	m.events.WithLabelValues(event).Inc()
}

func (m *metrics) accessOutcome(out intelligence.AccessOutcome) {
	if n := len(out.Deletes); n > 0 {
		m.lifecycle.WithLabelValues(actionForget).Add(float64(n))
	}
	if out.Promoted > 0 {
		m.lifecycle.WithLabelValues(actionPromote).Add(float64(out.Promoted))
	}
	if out.Archived > 0 {
		m.lifecycle.WithLabelValues(actionArchive).Add(float64(out.Archived))
	}
	if out.Reprocessed > 0 {
		m.lifecycle.WithLabelValues(actionReprocess).Add(float64(out.Reprocessed))
	}
}
