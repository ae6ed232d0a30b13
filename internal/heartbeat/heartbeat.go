// Package heartbeat implements the heartbeat manager (spec.md §4.3): a
// single periodic task that refreshes this consumer's liveness record and
// evicts peers whose heartbeat has gone stale.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/metrics"
	"github.com/lifion/lifion-kinesis-sub000/internal/model"
)

// Default interval bounds (spec.md §4.3: "~10-20s").
const (
	MinInterval     = 10 * time.Second
	MaxInterval     = 20 * time.Second
	DefaultInterval = 15 * time.Second
	FailureMultiple = 3
)

// Store is the subset of store.Store the heartbeat manager needs.
type Store interface {
	RegisterConsumer(ctx context.Context, consumerID string, info model.ConsumerInfo) error
	ClearOldConsumers(ctx context.Context, threshold time.Duration) error
}

// Manager runs the periodic heartbeat tick.
type Manager struct {
	store      Store
	clock      clock.Clock
	metrics    *metrics.Sink
	consumerID string
	info       model.ConsumerInfo
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. interval is clamped to [MinInterval,
// MaxInterval]; zero selects DefaultInterval.
func New(store Store, clk clock.Clock, m *metrics.Sink, consumerID string, info model.ConsumerInfo, interval time.Duration) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	switch {
	case interval == 0:
		interval = DefaultInterval
	case interval < MinInterval:
		interval = MinInterval
	case interval > MaxInterval:
		interval = MaxInterval
	}
	return &Manager{store: store, clock: clk, metrics: m, consumerID: consumerID, info: info, interval: interval}
}

// Start launches the heartbeat loop in a background goroutine.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	m.tick(ctx)
	timer := m.clock.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			m.tick(ctx)
			timer.Reset(m.interval)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if err := m.store.RegisterConsumer(ctx, m.consumerID, m.info); err != nil {
		if m.metrics != nil {
			m.metrics.HeartbeatErrors.Inc()
		}
		logrus.WithError(err).WithField("consumerId", m.consumerID).Warn("heartbeat: failed to register consumer")
	}
	threshold := time.Duration(FailureMultiple) * m.interval
	if err := m.store.ClearOldConsumers(ctx, threshold); err != nil {
		if m.metrics != nil {
			m.metrics.HeartbeatErrors.Inc()
		}
		logrus.WithError(err).Warn("heartbeat: failed to clear old consumers")
	}
}
