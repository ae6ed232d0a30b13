package lease

import (
	"context"
	"testing"
	"time"

	awskinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/model"
	"github.com/lifion/lifion-kinesis-sub000/internal/store"
)

// fakeStore is an in-memory stand-in for *store.Store, exercising exactly
// the Coordinator's Store interface with the same CAS semantics
// (spec.md §4.2).
type fakeStore struct {
	gs          model.GroupState
	lockErr     error
	releaseErr  error
	ecName      string
	ecAssigned  bool
}

func newFakeStore(gs model.GroupState) *fakeStore {
	return &fakeStore{gs: gs}
}

func (f *fakeStore) GroupState(context.Context) (model.GroupState, error) { return f.gs, nil }

func (f *fakeStore) GetShardAndStreamState(_ context.Context, shardID string, defaults model.ShardState) (model.ShardState, error) {
	if s, ok := f.gs.Shards[shardID]; ok {
		return s, nil
	}
	if f.gs.Shards == nil {
		f.gs.Shards = map[string]model.ShardState{}
	}
	defaults.Version = "v0"
	f.gs.Shards[shardID] = defaults
	return defaults, nil
}

func (f *fakeStore) LockShardLease(_ context.Context, shardID, self string, term time.Duration, expectedVersion string) (string, error) {
	if f.lockErr != nil {
		return "", f.lockErr
	}
	s, ok := f.gs.Shards[shardID]
	if !ok || s.Version != expectedVersion {
		return "", store.ErrVersionConflict
	}
	exp := time.Now().Add(term)
	s.LeaseOwner = &self
	s.LeaseExpiration = &exp
	s.Version = "v-locked"
	f.gs.Shards[shardID] = s
	return s.Version, nil
}

func (f *fakeStore) ReleaseShardLease(_ context.Context, shardID string, expectedVersion string) (string, error) {
	if f.releaseErr != nil {
		return "", f.releaseErr
	}
	s, ok := f.gs.Shards[shardID]
	if !ok || s.Version != expectedVersion {
		return "", store.ErrVersionConflict
	}
	s.LeaseOwner = nil
	s.LeaseExpiration = nil
	s.Version = "v-released"
	f.gs.Shards[shardID] = s
	return s.Version, nil
}

func (f *fakeStore) GetAssignedEnhancedConsumer(context.Context, string) (string, bool, error) {
	return f.ecName, f.ecAssigned, nil
}

func (f *fakeStore) LockStreamConsumer(context.Context, string, string) (string, error) {
	return "", store.ErrVersionConflict
}

type fakeLogClient struct {
	exists bool
	shards []awskinesistypes.Shard
}

func (f *fakeLogClient) StreamExists(context.Context, string) (bool, error) { return f.exists, nil }
func (f *fakeLogClient) ListShards(context.Context, string) ([]awskinesistypes.Shard, error) {
	return f.shards, nil
}

type fakeReconciler struct {
	reconciled int
	stopped    bool
}

func (f *fakeReconciler) Reconcile(context.Context) error { f.reconciled++; return nil }
func (f *fakeReconciler) Stop()                           { f.stopped = true }

func newShardID(id string) *string { return &id }

func TestAcquireLeaseSkipsDepletedShard(t *testing.T) {
	fs := newFakeStore(model.GroupState{Shards: map[string]model.ShardState{}, Consumers: map[string]model.ConsumerInfo{}})
	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clock.NewFake(time.Now()), Config{Self: "c1"})
	s := model.ShardState{Depleted: true, Version: "v1"}
	d := c.acquireLease(context.Background(), "shard-0000", s, fs.gs)
	assert.False(t, d.signalChange)
	assert.NoError(t, d.err)
}

func TestAcquireLeaseKeepsOwnLeaseUntilRenewalWindow(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{Consumers: map[string]model.ConsumerInfo{"c1": {IsActive: true}}})
	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})

	exp := clk.Now().Add(LeaseTermTimeout) // far from expiry
	self := "c1"
	s := model.ShardState{LeaseOwner: &self, LeaseExpiration: &exp, Version: "v1"}
	d := c.acquireLease(context.Background(), "shard-0000", s, fs.gs)
	assert.False(t, d.signalChange)
}

func TestAcquireLeaseRenewsWithinOffsetWindow(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"c1": {IsActive: true}},
		Shards:    map[string]model.ShardState{},
	})
	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})

	self := "c1"
	exp := clk.Now().Add(1 * time.Second) // inside the 25% renewal offset of a 5m term
	s := model.ShardState{LeaseOwner: &self, LeaseExpiration: &exp, Version: "v1"}
	fs.gs.Shards["shard-0000"] = s

	d := c.acquireLease(context.Background(), "shard-0000", s, fs.gs)
	assert.True(t, d.signalChange, "a near-expiry self-owned lease should be treated as unowned and re-acquired")
}

func TestAcquireLeaseReleasesExpiredLease(t *testing.T) {
	clk := clock.NewFake(time.Now())
	other := "other-consumer"
	exp := clk.Now().Add(-time.Second)
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"other-consumer": {IsActive: true}},
		Shards:    map[string]model.ShardState{},
	})
	s := model.ShardState{LeaseOwner: &other, LeaseExpiration: &exp, Version: "v1"}
	fs.gs.Shards["shard-0000"] = s

	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})
	d := c.acquireLease(context.Background(), "shard-0000", s, fs.gs)
	assert.True(t, d.signalChange)
	assert.NoError(t, d.err)
	assert.Equal(t, "c1", *fs.gs.Shards["shard-0000"].LeaseOwner, "the released lease is re-locked by this consumer")
}

func TestAcquireLeaseReleasesOrphanedLease(t *testing.T) {
	clk := clock.NewFake(time.Now())
	ghost := "ghost-consumer"
	far := clk.Now().Add(time.Hour)
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{},
		Shards:    map[string]model.ShardState{},
	})
	s := model.ShardState{LeaseOwner: &ghost, LeaseExpiration: &far, Version: "v1"}
	fs.gs.Shards["shard-0000"] = s

	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})
	d := c.acquireLease(context.Background(), "shard-0000", s, fs.gs)
	assert.True(t, d.signalChange, "orphaned lease owner not present in consumers must be released")
}

func TestAcquireLeaseSkipsWhenOwnedByLivePeer(t *testing.T) {
	clk := clock.NewFake(time.Now())
	peer := "peer-consumer"
	far := clk.Now().Add(time.Hour)
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"peer-consumer": {IsActive: true}},
	})
	s := model.ShardState{LeaseOwner: &peer, LeaseExpiration: &far, Version: "v1"}

	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})
	d := c.acquireLease(context.Background(), "shard-0000", s, fs.gs)
	assert.False(t, d.signalChange)
}

func TestAcquireLeaseSkipsShardWithLiveParent(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"c1": {IsActive: true}},
		Shards: map[string]model.ShardState{
			"shard-parent": {Depleted: false, Version: "vp"},
		},
	})
	s := model.ShardState{Parent: []string{"shard-parent"}, Version: "v1"}
	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})
	d := c.acquireLease(context.Background(), "shard-child", s, fs.gs)
	assert.False(t, d.signalChange)
}

func TestAcquireLeaseAllowsShardOnceParentDepleted(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"c1": {IsActive: true}},
		Shards: map[string]model.ShardState{
			"shard-parent": {Depleted: true, Version: "vp"},
			"shard-child":  {Parent: []string{"shard-parent"}, Version: "v1"},
		},
	})
	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})
	d := c.acquireLease(context.Background(), "shard-child", fs.gs.Shards["shard-child"], fs.gs)
	assert.True(t, d.signalChange)
	require.NoError(t, d.err)
}

func TestAcquireLeaseEnforcesCeilingDivisionShare(t *testing.T) {
	clk := clock.NewFake(time.Now())
	self := "c1"
	far := clk.Now().Add(time.Hour)
	// 3 shards, 2 active consumers => ceil(3/2) = 2 per consumer.
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{
			"c1": {IsActive: true},
			"c2": {IsActive: true},
		},
		Shards: map[string]model.ShardState{
			"shard-0000": {LeaseOwner: &self, LeaseExpiration: &far, Version: "va"},
			"shard-0001": {LeaseOwner: &self, LeaseExpiration: &far, Version: "vb"},
			"shard-0002": {Version: "vc"},
		},
	})
	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})
	d := c.acquireLease(context.Background(), "shard-0002", fs.gs.Shards["shard-0002"], fs.gs)
	assert.True(t, d.signalChange, "a third lease would exceed the ceil(3/2)=2 share")
}

func TestAcquireLeaseStandaloneIgnoresCeiling(t *testing.T) {
	clk := clock.NewFake(time.Now())
	self := "c1"
	far := clk.Now().Add(time.Hour)
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"c1": {IsActive: true, IsStandalone: true}},
		Shards: map[string]model.ShardState{
			"shard-0000": {LeaseOwner: &self, LeaseExpiration: &far, Version: "va"},
			"shard-0001": {Version: "vb"},
		},
	})
	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1", Standalone: true})
	d := c.acquireLease(context.Background(), "shard-0001", fs.gs.Shards["shard-0001"], fs.gs)
	assert.True(t, d.signalChange)
}

func TestAcquireLeaseLocksUnownedShard(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"c1": {IsActive: true}},
		Shards:    map[string]model.ShardState{"shard-0000": {Version: "v1"}},
	})
	c := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})
	d := c.acquireLease(context.Background(), "shard-0000", fs.gs.Shards["shard-0000"], fs.gs)
	assert.True(t, d.signalChange)
	require.NoError(t, d.err)
	assert.Equal(t, "c1", *fs.gs.Shards["shard-0000"].LeaseOwner)
}

// TestAcquireLeaseExactlyOneWinnerUnderRace is property 3 of spec.md §8:
// of two consumers racing on a stale read of the same shard, exactly one
// lockShardLease succeeds and the loser observes the version conflict.
func TestAcquireLeaseExactlyOneWinnerUnderRace(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"c1": {IsActive: true}, "c2": {IsActive: true}},
		Shards:    map[string]model.ShardState{"shard-0000": {Version: "v1"}},
	})
	staleRead := fs.gs.Shards["shard-0000"]

	c1 := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c1"})
	c2 := New(fs, &fakeLogClient{}, &fakeReconciler{}, clk, Config{Self: "c2"})

	d1 := c1.acquireLease(context.Background(), "shard-0000", staleRead, fs.gs)
	d2 := c2.acquireLease(context.Background(), "shard-0000", staleRead, fs.gs)

	wins := 0
	if d1.signalChange && d1.err == nil {
		wins++
	}
	if d2.signalChange && d2.err == nil {
		wins++
	}
	assert.Equal(t, 1, wins)
}

func TestTickStopsWhenStreamGone(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{})
	rec := &fakeReconciler{}
	c := New(fs, &fakeLogClient{exists: false}, rec, clk, Config{Self: "c1", StreamName: "stream-1"})
	stop, partial := c.tick(context.Background())
	assert.True(t, stop)
	assert.False(t, partial)
}

func TestTickDefersWhenEnhancedFanOutUnassigned(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{})
	fs.ecAssigned = false
	rec := &fakeReconciler{}
	c := New(fs, &fakeLogClient{exists: true}, rec, clk, Config{Self: "c1", StreamName: "stream-1", UseEnhancedFanOut: true})
	_, partial := c.tick(context.Background())
	assert.True(t, partial)
	assert.Equal(t, 0, rec.reconciled)
}

func TestTickReconcilesOnChange(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs := newFakeStore(model.GroupState{
		Consumers: map[string]model.ConsumerInfo{"c1": {IsActive: true}},
		Shards:    map[string]model.ShardState{"shard-0000": {Version: "v1"}},
	})
	rec := &fakeReconciler{}
	lc := &fakeLogClient{exists: true, shards: []awskinesistypes.Shard{{ShardId: newShardID("shard-0000")}}}
	c := New(fs, lc, rec, clk, Config{Self: "c1", StreamName: "stream-1"})
	_, partial := c.tick(context.Background())
	assert.False(t, partial)
	assert.Equal(t, 1, rec.reconciled)
}
