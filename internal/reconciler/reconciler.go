// Package reconciler starts and stops per-shard readers so that the set of
// running readers always matches the set of shards this consumer currently
// owns (spec.md §4.5). It is driven by the lease coordinator after each
// tick that changed ownership.
package reconciler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub000/internal/metrics"
	"github.com/lifion/lifion-kinesis-sub000/internal/model"
	"github.com/lifion/lifion-kinesis-sub000/internal/reader"
)

// Store is the subset of *store.Store the reconciler needs.
type Store interface {
	GetOwnedShards(ctx context.Context, self string) ([]model.OwnedShard, error)
}

// ReaderFactory builds a reader.Reader for one owned shard. shardID is
// supplied separately from the rest of ownership (checkpoint,
// leaseExpiration) because a reader is only ever (re)created when it does
// not already exist; updates to an existing reader's lease go through
// reader.Reader.UpdateLeaseExpiration instead.
type ReaderFactory func(ctx context.Context, shardID string, checkpoint *string) (reader.Reader, error)

// Reconciler tracks the running readers for the shards this consumer owns.
type Reconciler struct {
	store   Store
	newRead ReaderFactory
	metrics *metrics.Sink
	self    string

	mu      sync.Mutex
	running map[string]reader.Reader
}

// New constructs a Reconciler.
func New(s Store, newReader ReaderFactory, m *metrics.Sink, self string) *Reconciler {
	return &Reconciler{
		store:   s,
		newRead: newReader,
		metrics: m,
		self:    self,
		running: map[string]reader.Reader{},
	}
}

// Reconcile fetches the current owned-shard set and starts/stops/updates
// readers so the running set matches it exactly. A reader that fails to
// start is logged and skipped so the remaining readers still start; the
// first such start error is returned. Factory and stop failures are
// logged only.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	owned, err := r.store.GetOwnedShards(ctx, r.self)
	if err != nil {
		return err
	}

	wanted := make(map[string]model.OwnedShard, len(owned))
	for _, o := range owned {
		wanted[o.ShardID] = o
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for shardID, rd := range r.running {
		if _, ok := wanted[shardID]; !ok {
			logrus.WithField("shardId", shardID).Info("reconciler: stopping reader for shard no longer owned")
			rd.Stop()
			delete(r.running, shardID)
		}
	}

	var startErr error
	for shardID, o := range wanted {
		if rd, ok := r.running[shardID]; ok {
			rd.UpdateLeaseExpiration(o.LeaseExpiration)
			continue
		}
		rd, err := r.newRead(ctx, shardID, o.Checkpoint)
		if err != nil {
			logrus.WithError(err).WithField("shardId", shardID).Warn("reconciler: failed to build reader")
			continue
		}
		rd.UpdateLeaseExpiration(o.LeaseExpiration)
		if err := rd.Start(ctx); err != nil {
			logrus.WithError(err).WithField("shardId", shardID).Warn("reconciler: failed to start reader")
			r.metrics.RecordException(err.Error())
			if startErr == nil {
				startErr = err
			}
			continue
		}
		logrus.WithField("shardId", shardID).Info("reconciler: started reader for newly owned shard")
		r.running[shardID] = rd
	}

	if r.metrics != nil {
		r.metrics.LeasesHeld.Set(float64(len(r.running)))
	}
	return startErr
}

// OwnedShardIDs returns the shard IDs with a running reader, for tests and
// statistics reporting.
func (r *Reconciler) OwnedShardIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

// Stop stops every currently running reader. Used when the lease
// coordinator detects the stream has been deleted.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for shardID, rd := range r.running {
		rd.Stop()
		delete(r.running, shardID)
	}
}
