// Package metrics exposes Prometheus collectors for pipeline activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crowdqc"

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	decisions     *prometheus.CounterVec
	forwarded     prometheus.Counter
	votes         *prometheus.CounterVec
	pendingItems  prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// MustNewMetrics constructs Metrics registered with reg, reusing collectors
// that are already registered under the same names. Any other registration
// error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycles_total",
			Help:      "Pipeline cycles run, by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one pipeline cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Detection assignments decided, by stage and decision.",
		}, []string{"stage", "decision"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "forwarded_tasks_total",
			Help:      "Verification tasks created from passing detection assignments.",
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "votes_total",
			Help:      "Verification votes seen, by outcome.",
		}, []string{"outcome"}),
		pendingItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "pending_items",
			Help:      "Items still short of the overlap target.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful cycle.",
		}),
	}

	m.cycles = register(reg, m.cycles)
	m.cycleDuration = register(reg, m.cycleDuration)
	m.decisions = register(reg, m.decisions)
	m.forwarded = register(reg, m.forwarded)
	m.votes = register(reg, m.votes)
	m.pendingItems = register(reg, m.pendingItems)
	m.lastSuccess = register(reg, m.lastSuccess)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveCycle records one cycle's duration and result.
func (m *Metrics) ObserveCycle(duration time.Duration, err error, finished time.Time) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(duration.Seconds())
	if err != nil {
		m.cycles.WithLabelValues("error").Inc()
		return
	}
	m.cycles.WithLabelValues("ok").Inc()
	m.lastSuccess.Set(float64(finished.Unix()))
}

// AddDecisions counts decided assignments for a stage ("detection" or
// "verification") and decision ("accepted" or "rejected").
func (m *Metrics) AddDecisions(stage, decision string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.decisions.WithLabelValues(stage, decision).Add(float64(n))
}

// AddForwarded counts created verification tasks.
func (m *Metrics) AddForwarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forwarded.Add(float64(n))
}

// AddVotes counts votes by outcome ("added", "dropped", "duplicate" or
// "malformed").
func (m *Metrics) AddVotes(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.votes.WithLabelValues(outcome).Add(float64(n))
}

// SetPending reports the number of items awaiting more votes.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingItems.Set(float64(n))
}
