package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dealroom/pkg/domain"
	"dealroom/services/dealroom/internal/app"
)

// Metrics records store operations and published events on its own registry.
type Metrics struct {
	registry   *prometheus.Registry
	ops        *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	events     *prometheus.CounterVec
}

// New registers the dealroom collectors plus the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealroom",
			Name:      "store_operations_total",
			Help:      "Store operations by name and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dealroom",
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation latency, simulated delay included.",
			Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealroom",
			Name:      "events_published_total",
			Help:      "Events published to subscribers by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.ops,
		m.opDuration,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveOp implements app.Observer.
func (m *Metrics) ObserveOp(op app.Op, err error, elapsed time.Duration) {
	m.ops.WithLabelValues(string(op), Outcome(err)).Inc()
	m.opDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

// Outcome buckets an operation error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, app.ErrUnauthenticated), errors.Is(err, app.ErrInvalidCredentials):
		return "unauthenticated"
	case errors.Is(err, app.ErrNotFound):
		return "not_found"
	case errors.Is(err, app.ErrInvalidPrice),
		errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrInvalidStatus),
		errors.Is(err, app.ErrInvalidTransition),
		errors.Is(err, app.ErrInvalidDocument),
		errors.Is(err, app.ErrInvalidNotification):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Publisher counts events before handing them to next.
func (m *Metrics) Publisher(next app.Publisher) app.Publisher {
	return countingPublisher{m: m, next: next}
}

type countingPublisher struct {
	m    *Metrics
	next app.Publisher
}

func (p countingPublisher) Publish(evt domain.Event) {
	p.m.events.WithLabelValues(string(evt.Type)).Inc()
	if p.next != nil {
		p.next.Publish(evt)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
