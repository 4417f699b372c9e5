// Package metrics exports unit-of-work flush activity as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/uow/internal/uow"
)

// Flush outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
	OutcomePartial   = "partial"
	OutcomeConflict  = "conflict"
)

// Collector is a uow.Observer that counts statements and change sets and
// times flushes.
type Collector struct {
	statements *prometheus.CounterVec
	changeSets *prometheus.CounterVec
	flushes    *prometheus.CounterVec
	duration   prometheus.Histogram
}

var _ uow.Observer = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uow_statements_total",
			Help: "Rows written by flushes, by entity type and operation.",
		}, []string{"entity", "op"}),
		changeSets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uow_change_sets_total",
			Help: "Change sets planned by flushes, by entity type and kind.",
		}, []string{"entity", "kind"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uow_flushes_total",
			Help: "Flushes that wrote at least one change set, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uow_flush_duration_seconds",
			Help:    "Time spent executing flush statements.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	for _, m := range []prometheus.Collector{c.statements, c.changeSets, c.flushes, c.duration} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BeforeFlush counts the planned change sets.
func (c *Collector) BeforeFlush(_ context.Context, ev uow.FlushEvent) {
	for _, cs := range ev.ChangeSets {
		c.changeSets.WithLabelValues(cs.Type.Name, string(cs.Kind)).Inc()
	}
}

// AfterFlush records statements, outcome and duration.
func (c *Collector) AfterFlush(_ context.Context, ev uow.FlushEvent) {
	for _, st := range ev.Statements {
		c.statements.WithLabelValues(st.Entity, st.Op).Add(float64(st.Rows))
	}
	c.flushes.WithLabelValues(Outcome(ev.Err)).Inc()
	c.duration.Observe(ev.Duration.Seconds())
}

// Outcome classifies a flush result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeCommitted
	case uow.IsConcurrencyError(err):
		return OutcomeConflict
	case uow.IsPartialFlush(err):
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}
