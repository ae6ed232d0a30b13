package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHasLiveParentNoParents(t *testing.T) {
	s := ShardState{}
	assert.False(t, s.HasLiveParent(nil))
}

func TestHasLiveParentDangling(t *testing.T) {
	s := ShardState{Parent: []string{"shard-missing"}}
	assert.False(t, s.HasLiveParent(map[string]ShardState{}), "dangling parent reference is treated as none")
}

func TestHasLiveParentUndepletedBlocks(t *testing.T) {
	s := ShardState{Parent: []string{"shard-0000"}}
	shards := map[string]ShardState{"shard-0000": {Depleted: false}}
	assert.True(t, s.HasLiveParent(shards))
}

func TestHasLiveParentDepletedUnblocks(t *testing.T) {
	s := ShardState{Parent: []string{"shard-0000"}}
	shards := map[string]ShardState{"shard-0000": {Depleted: true}}
	assert.False(t, s.HasLiveParent(shards))
}

func TestHasLiveParentTwoParentsBothMustBeDepleted(t *testing.T) {
	s := ShardState{Parent: []string{"shard-0000", "shard-0001"}}
	shards := map[string]ShardState{
		"shard-0000": {Depleted: true},
		"shard-0001": {Depleted: false},
	}
	assert.True(t, s.HasLiveParent(shards))
}

func TestActiveNonStandaloneConsumers(t *testing.T) {
	gs := GroupState{Consumers: map[string]ConsumerInfo{
		"a": {IsActive: true, IsStandalone: false},
		"b": {IsActive: true, IsStandalone: true},
		"c": {IsActive: false, IsStandalone: false},
		"d": {IsActive: true, IsStandalone: false},
	}}
	assert.Equal(t, 2, gs.ActiveNonStandaloneConsumers())
}

func TestNonDepletedShardCount(t *testing.T) {
	gs := GroupState{Shards: map[string]ShardState{
		"shard-0000": {Depleted: false},
		"shard-0001": {Depleted: true},
		"shard-0002": {Depleted: false},
	}}
	assert.Equal(t, 2, gs.NonDepletedShardCount())
}

func TestConsumerInfoHeartbeatOrdering(t *testing.T) {
	now := time.Now()
	c := ConsumerInfo{Heartbeat: now}
	assert.True(t, c.Heartbeat.Before(now.Add(time.Second)))
}
