// ABOUTME: Prometheus instrumentation for the sync engine
// ABOUTME: A nil *Metrics is valid and records nothing

// Package metrics exposes counters for feed traffic, reconnects, refetches
// and optimistic rollbacks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orbit_sync"

// Metrics groups the engine's collectors.
type Metrics struct {
	FeedFrames      *prometheus.CounterVec
	FeedDuplicates  prometheus.Counter
	FeedUndecodable prometheus.Counter
	Reconnects      *prometheus.CounterVec
	Refetches       *prometheus.CounterVec
	Rollbacks       *prometheus.CounterVec
	JournalDropped  prometheus.Counter
	Subscriptions   prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_total",
			Help:      "Change feed frames received, by topic kind.",
		}, []string{"kind"}),
		FeedDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "duplicates_total",
			Help:      "Change frames dropped as redeliveries.",
		}),
		FeedUndecodable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "undecodable_total",
			Help:      "Change frames that could not be decoded.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "reconnects_total",
			Help:      "Topic reconnect attempts, by topic kind and result.",
		}, []string{"kind", "result"}),
		Refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refetches_total",
			Help:      "Authoritative refetches, by aggregate and result.",
		}, []string{"aggregate", "result"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Optimistic mutations rolled back, by action.",
		}, []string{"action"}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "dropped_total",
			Help:      "Journal entries dropped because the buffer was full.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Live change feed subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FeedFrames, m.FeedDuplicates, m.FeedUndecodable,
			m.Reconnects, m.Refetches, m.Rollbacks,
			m.JournalDropped, m.Subscriptions,
		)
	}
	return m
}

// Frame counts one received frame.
func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.FeedFrames.WithLabelValues(kind).Inc()
}

// Duplicate counts a dropped redelivery.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.FeedDuplicates.Inc()
}

// Undecodable counts a frame the decoder rejected.
func (m *Metrics) Undecodable() {
	if m == nil {
		return
	}
	m.FeedUndecodable.Inc()
}

// Reconnect counts one reconnect attempt.
func (m *Metrics) Reconnect(kind string, ok bool) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(kind, result(ok)).Inc()
}

// Refetch counts one authoritative refetch.
func (m *Metrics) Refetch(aggregate string, ok bool) {
	if m == nil {
		return
	}
	m.Refetches.WithLabelValues(aggregate, result(ok)).Inc()
}

// Rollback counts one optimistic rollback.
func (m *Metrics) Rollback(action string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(action).Inc()
}

// JournalDrop counts one dropped journal entry.
func (m *Metrics) JournalDrop() {
	if m == nil {
		return
	}
	m.JournalDropped.Inc()
}

// SubscriptionDelta moves the live subscription gauge.
func (m *Metrics) SubscriptionDelta(d float64) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(d)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
