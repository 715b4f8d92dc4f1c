// Package report exposes pool, supervisor and call metrics to Prometheus and
// keeps a short log of recent faults.
package report

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "backendpool"

// Metrics holds the collectors. A nil *Metrics records nothing, so
// components can take one unconditionally.
type Metrics struct {
	borrows       *prometheus.CounterVec
	borrowWait    *prometheus.HistogramVec
	destroys      *prometheus.CounterVec
	activeSess    *prometheus.GaugeVec
	idleSess      *prometheus.GaugeVec
	launches      *prometheus.CounterVec
	reaps         *prometheus.CounterVec
	slotsOccupied prometheus.Gauge
	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		borrows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_borrows_total",
				Help:      "Session borrows by credential label and result",
			},
			[]string{"key", "result"},
		),
		borrowWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_borrow_wait_seconds",
				Help:      "Time spent obtaining a session",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
			},
			[]string{"key"},
		),
		destroys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_sessions_destroyed_total",
				Help:      "Destroyed sessions by reason",
			},
			[]string{"key", "reason"},
		),
		activeSess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_sessions_active",
				Help:      "Borrowed or opening sessions",
			},
			[]string{"key"},
		),
		idleSess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_sessions_idle",
				Help:      "Idle sessions",
			},
			[]string{"key"},
		),
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_launches_total",
				Help:      "Worker launch attempts by result",
			},
			[]string{"result"},
		),
		reaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_reaps_total",
				Help:      "Reaper invocations for stale slots",
			},
			[]string{"port"},
		),
		slotsOccupied: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_slots_occupied",
				Help:      "Worker slots currently occupied",
			},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Remote backend calls by operation and fault code",
			},
			[]string{"op", "code"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Remote backend call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.borrows, m.borrowWait, m.destroys, m.activeSess, m.idleSess,
		m.launches, m.reaps, m.slotsOccupied, m.calls, m.callDuration,
	}
}

// RecordBorrow counts a borrow attempt.
func (m *Metrics) RecordBorrow(key, result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.borrows.WithLabelValues(key, result).Inc()
	m.borrowWait.WithLabelValues(key).Observe(wait.Seconds())
}

// RecordDestroy counts a destroyed session.
func (m *Metrics) RecordDestroy(key, reason string) {
	if m == nil {
		return
	}
	m.destroys.WithLabelValues(key, reason).Inc()
}

// SetSessions sets the session gauges for key.
func (m *Metrics) SetSessions(key string, active, idle int) {
	if m == nil {
		return
	}
	m.activeSess.WithLabelValues(key).Set(float64(active))
	m.idleSess.WithLabelValues(key).Set(float64(idle))
}

// RecordLaunch counts a worker launch outcome.
func (m *Metrics) RecordLaunch(result string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(result).Inc()
}

// RecordReap counts a reaper run.
func (m *Metrics) RecordReap(port int) {
	if m == nil {
		return
	}
	m.reaps.WithLabelValues(strconv.Itoa(port)).Inc()
}

// SetSlots sets the occupied slot gauge.
func (m *Metrics) SetSlots(occupied int) {
	if m == nil {
		return
	}
	m.slotsOccupied.Set(float64(occupied))
}

// ObserveCall records a completed remote call. code is empty on success.
func (m *Metrics) ObserveCall(op, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.calls.WithLabelValues(op, code).Inc()
	m.callDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
