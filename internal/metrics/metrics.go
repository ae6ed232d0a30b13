// Package metrics implements the process-wide metrics sink described in
// spec.md §9: a single handle created when the facade is constructed and
// passed to every component, replacing the original's global mutable
// table keyed by stream name. The sink has no teardown step; Client.Stop
// leaves it as it is. Writes are lock-free prometheus counters/gauges plus a small
// bounded ring of recent exceptions for diagnostics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the per-process metrics handle. A nil *Sink is valid and makes
// every method a no-op, so components can be constructed without one in
// tests.
type Sink struct {
	registry *prometheus.Registry

	RetriesTotal     *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	RecordsEmitted   prometheus.Counter
	RecordsWritten   prometheus.Counter
	LeasesHeld       prometheus.Gauge
	HeartbeatErrors  prometheus.Counter
	CheckpointErrors prometheus.Counter

	mu         sync.Mutex
	exceptions []string
	maxExc     int
}

// New creates a Sink registered on a fresh prometheus.Registry, wired to
// namespace "kinesis".
func New() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		registry: reg,
		maxExc:   50,
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinesis",
			Name:      "logclient_retries_total",
			Help:      "Count of retried log-vendor API calls, by operation.",
		}, []string{"operation"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kinesis",
			Name:      "logclient_call_duration_seconds",
			Help:      "Duration of log-vendor API calls, by operation.",
		}, []string{"operation"}),
		RecordsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis",
			Name:      "records_emitted_total",
			Help:      "Count of decoded records emitted to consumers.",
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis",
			Name:      "records_written_total",
			Help:      "Count of records written via PutRecord/PutRecords.",
		}),
		LeasesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kinesis",
			Name:      "leases_held",
			Help:      "Number of shard leases currently held by this consumer.",
		}),
		HeartbeatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis",
			Name:      "heartbeat_errors_total",
			Help:      "Count of failed heartbeat ticks.",
		}),
		CheckpointErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis",
			Name:      "checkpoint_errors_total",
			Help:      "Count of failed checkpoint writes.",
		}),
	}
	reg.MustRegister(s.RetriesTotal, s.CallDuration, s.RecordsEmitted,
		s.RecordsWritten, s.LeasesHeld, s.HeartbeatErrors, s.CheckpointErrors)
	return s
}

// Registry exposes the underlying prometheus.Registry for an HTTP
// /metrics handler.
func (s *Sink) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// RecordException appends msg to the bounded recent-exceptions ring.
func (s *Sink) RecordException(msg string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptions = append(s.exceptions, msg)
	if len(s.exceptions) > s.maxExc {
		s.exceptions = s.exceptions[len(s.exceptions)-s.maxExc:]
	}
}

// RecentExceptions returns a snapshot of the recent-exceptions ring.
func (s *Sink) RecentExceptions() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.exceptions))
	copy(out, s.exceptions)
	return out
}

// IncRetries is a nil-safe increment for RetriesTotal.
func (s *Sink) IncRetries(operation string) {
	if s == nil {
		return
	}
	s.RetriesTotal.WithLabelValues(operation).Inc()
}

// ObserveCallDuration is a nil-safe observation for CallDuration.
func (s *Sink) ObserveCallDuration(operation string, seconds float64) {
	if s == nil {
		return
	}
	s.CallDuration.WithLabelValues(operation).Observe(seconds)
}
