// Package lease implements the lease coordinator (spec.md §4.4): a
// periodic task that scans shards, evaluates per-shard lease eligibility,
// and issues conditional lease transitions in the coordinator store.
//
// The ceiling-division "max active leases" formula is grounded on
// k8s/test/test-consumer/lease_manager.go's CalculateMaxLeasesPerWorker,
// generalized (per the DESIGN.md open-question decision) to read
// shard and consumer counts from the coordinator document instead of a
// Kubernetes replica count.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	awskinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/model"
	"github.com/lifion/lifion-kinesis-sub000/internal/store"
)

// Tunables (spec.md §4.4, §4.4.1).
const (
	AcquireLeasesInterval      = 20 * time.Second
	PartialFailureRetryInterval = 5 * time.Second
	LeaseTermTimeout           = 5 * time.Minute
	LeaseRenewalOffset         = 0.25
)

// Store is the subset of *store.Store the lease coordinator needs.
type Store interface {
	GroupState(ctx context.Context) (model.GroupState, error)
	GetShardAndStreamState(ctx context.Context, shardID string, defaults model.ShardState) (model.ShardState, error)
	LockShardLease(ctx context.Context, shardID, self string, term time.Duration, expectedVersion string) (string, error)
	ReleaseShardLease(ctx context.Context, shardID string, expectedVersion string) (string, error)
	GetAssignedEnhancedConsumer(ctx context.Context, self string) (string, bool, error)
	LockStreamConsumer(ctx context.Context, self, expectedVersion string) (string, error)
}

// LogClient is the subset of *logclient.Client the lease coordinator
// needs.
type LogClient interface {
	StreamExists(ctx context.Context, streamName string) (bool, error)
	ListShards(ctx context.Context, streamName string) ([]awskinesistypes.Shard, error)
}

// Reconciler is the subset of *reconciler.Reconciler the lease coordinator
// drives.
type Reconciler interface {
	Reconcile(ctx context.Context) error
	Stop()
}

// Config configures a Coordinator.
type Config struct {
	Self             string
	StreamName       string
	Standalone       bool
	UseEnhancedFanOut bool
	Interval         time.Duration
	RetryInterval    time.Duration
}

// Coordinator runs the periodic lease-acquisition tick.
type Coordinator struct {
	store      Store
	log        LogClient
	reconciler Reconciler
	clock      clock.Clock
	cfg        Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	onStopped func()
}

// New constructs a Coordinator.
func New(s Store, lc LogClient, rec Reconciler, clk clock.Clock, cfg Config) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Interval == 0 {
		cfg.Interval = AcquireLeasesInterval
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = PartialFailureRetryInterval
	}
	return &Coordinator{store: s, log: lc, reconciler: rec, clock: clk, cfg: cfg}
}

// OnStopped registers a callback invoked when the coordinator stops
// itself because the stream no longer exists (spec.md §4.4 step 1).
func (c *Coordinator) OnStopped(fn func()) { c.onStopped = fn }

// Start launches the tick loop in a background goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.Interval
	for {
		stop, partialFailure := c.tick(ctx)
		if stop {
			c.reconciler.Stop()
			if c.onStopped != nil {
				c.onStopped()
			}
			return
		}
		next := interval
		if partialFailure {
			next = c.cfg.RetryInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(next):
		}
	}
}

// tick runs one iteration of the lease coordinator's loop (spec.md §4.4
// steps 1-6). It returns (stop, partialFailure).
func (c *Coordinator) tick(ctx context.Context) (bool, bool) {
	exists, err := c.log.StreamExists(ctx, c.cfg.StreamName)
	if err != nil {
		logrus.WithError(err).Warn("lease coordinator: failed to check stream existence")
		return false, true
	}
	if !exists {
		logrus.WithField("stream", c.cfg.StreamName).Info("lease coordinator: stream no longer exists, stopping")
		return true, false
	}

	if c.cfg.UseEnhancedFanOut {
		if _, assigned, err := c.store.GetAssignedEnhancedConsumer(ctx, c.cfg.Self); err != nil {
			logrus.WithError(err).Warn("lease coordinator: failed to check enhanced consumer assignment")
			return false, true
		} else if !assigned {
			gs, err := c.store.GroupState(ctx)
			if err != nil {
				logrus.WithError(err).Warn("lease coordinator: failed to read group state for enhanced consumer assignment")
				return false, true
			}
			for _, ec := range gs.EnhancedConsumers {
				if ec.IsUsedBy != "" {
					continue
				}
				if _, err := c.store.LockStreamConsumer(ctx, c.cfg.Self, ec.Version); err != nil && !errors.Is(err, store.ErrVersionConflict) {
					logrus.WithError(err).Warn("lease coordinator: failed to lock enhanced consumer")
				}
				break
			}
			// No enhanced consumer available yet this tick; defer shard
			// leasing until one is assigned (spec.md §4.4 step 2).
			return false, true
		}
	}

	shards, err := c.log.ListShards(ctx, c.cfg.StreamName)
	if err != nil {
		logrus.WithError(err).Warn("lease coordinator: failed to list shards")
		return false, true
	}

	partialFailure := false
	for _, sh := range shards {
		defaults := shardDefaults(sh)
		if _, err := c.store.GetShardAndStreamState(ctx, *sh.ShardId, defaults); err != nil {
			logrus.WithError(err).WithField("shardId", *sh.ShardId).Warn("lease coordinator: failed to fold shard into store")
			partialFailure = true
		}
	}

	gs, err := c.store.GroupState(ctx)
	if err != nil {
		logrus.WithError(err).Warn("lease coordinator: failed to read group state")
		return false, true
	}

	changed := false
	for shardID, shard := range gs.Shards {
		decision := c.acquireLease(ctx, shardID, shard, gs)
		if decision.signalChange {
			changed = true
		}
		if decision.err != nil {
			partialFailure = true
		}
	}

	if changed || partialFailure {
		if err := c.reconciler.Reconcile(ctx); err != nil {
			logrus.WithError(err).Warn("lease coordinator: reconcile failed")
			partialFailure = true
		}
	}

	return false, partialFailure
}

func shardDefaults(sh awskinesistypes.Shard) model.ShardState {
	var parents []string
	if sh.ParentShardId != nil {
		parents = append(parents, *sh.ParentShardId)
	}
	if sh.AdjacentParentShardId != nil {
		parents = append(parents, *sh.AdjacentParentShardId)
	}
	starting := ""
	if sh.SequenceNumberRange != nil && sh.SequenceNumberRange.StartingSequenceNumber != nil {
		starting = *sh.SequenceNumberRange.StartingSequenceNumber
	}
	depleted := sh.SequenceNumberRange != nil && sh.SequenceNumberRange.EndingSequenceNumber != nil
	return model.ShardState{
		Parent:                 parents,
		StartingSequenceNumber: starting,
		Depleted:               depleted,
	}
}

type decision struct {
	signalChange bool
	err          error
}

// acquireLease implements the spec.md §4.4.1 decision procedure for a
// single shard, expressed as one function so the seven numbered steps
// read in order.
func (c *Coordinator) acquireLease(ctx context.Context, shardID string, s model.ShardState, gs model.GroupState) decision {
	self := c.cfg.Self
	now := c.clock.Now()

	// Step 1.
	if s.Depleted {
		return decision{}
	}

	// Step 2.
	if s.LeaseOwner != nil && *s.LeaseOwner == self {
		if s.LeaseExpiration != nil {
			renewAt := s.LeaseExpiration.Add(-time.Duration(float64(LeaseTermTimeout) * LeaseRenewalOffset))
			if now.After(renewAt) {
				s.LeaseOwner = nil
				s.LeaseExpiration = nil
				// continue to step 3 onward with a local "no owner" view
			} else {
				return decision{}
			}
		} else {
			return decision{}
		}
	}

	// Step 3.
	expired := s.LeaseExpiration != nil && now.After(*s.LeaseExpiration)
	orphaned := s.LeaseOwner != nil
	if orphaned {
		if _, ok := gs.Consumers[*s.LeaseOwner]; ok {
			orphaned = false
		}
	}
	if expired || orphaned {
		newVersion, err := c.store.ReleaseShardLease(ctx, shardID, s.Version)
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return decision{signalChange: true}
			}
			return decision{err: err}
		}
		s.LeaseOwner = nil
		s.LeaseExpiration = nil
		s.Version = newVersion
	}

	// Step 4.
	if s.LeaseOwner != nil {
		return decision{}
	}

	// Step 5.
	if s.HasLiveParent(gs.Shards) {
		return decision{}
	}

	// Step 6.
	if !c.cfg.Standalone {
		active := gs.ActiveNonStandaloneConsumers()
		if active < 1 {
			active = 1
		}
		own := 0
		for id, other := range gs.Shards {
			if id == shardID {
				// This shard is being renewed/reconsidered in this very
				// call (step 2 may have already nulled the local s.LeaseOwner
				// view of it); never double-count it against itself.
				continue
			}
			if other.LeaseOwner != nil && *other.LeaseOwner == self && !other.Depleted {
				own++
			}
		}
		nonDepleted := gs.NonDepletedShardCount()
		maxActive := ceilDiv(nonDepleted, active)
		if own+1 > maxActive {
			return decision{signalChange: true}
		}
	}

	// Step 7.
	if _, err := c.store.LockShardLease(ctx, shardID, self, LeaseTermTimeout, s.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return decision{}
		}
		return decision{err: err}
	}
	return decision{signalChange: true}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		b = 1
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
