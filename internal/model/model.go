// Package model holds the shared data-model types persisted in the
// coordinator store and passed between the lease coordinator, the
// reconciler, and the per-shard readers.
package model

import "time"

// ConsumerInfo describes one member of a consumer group.
type ConsumerInfo struct {
	AppName      string    `json:"appName" dynamodbav:"appName"`
	Host         string    `json:"host" dynamodbav:"host"`
	Pid          int       `json:"pid" dynamodbav:"pid"`
	StartedAt    time.Time `json:"startedAt" dynamodbav:"startedAt"`
	Heartbeat    time.Time `json:"heartbeat" dynamodbav:"heartbeat"`
	IsActive     bool      `json:"isActive" dynamodbav:"isActive"`
	IsStandalone bool      `json:"isStandalone" dynamodbav:"isStandalone"`
}

// ShardState is the persisted lease/checkpoint state for a single shard.
type ShardState struct {
	Parent                 []string   `json:"parent,omitempty" dynamodbav:"parent,omitempty"`
	StartingSequenceNumber string     `json:"startingSequenceNumber" dynamodbav:"startingSequenceNumber"`
	Checkpoint             *string    `json:"checkpoint,omitempty" dynamodbav:"checkpoint,omitempty"`
	LeaseOwner             *string    `json:"leaseOwner,omitempty" dynamodbav:"leaseOwner,omitempty"`
	LeaseExpiration        *time.Time `json:"leaseExpiration,omitempty" dynamodbav:"leaseExpiration,omitempty"`
	Depleted               bool       `json:"depleted" dynamodbav:"depleted"`
	Version                string     `json:"version" dynamodbav:"version"`
}

// HasLiveParent reports whether s still has an unfinished parent among the
// shards observed so far (spec.md §4.4.1 step 5).
func (s ShardState) HasLiveParent(shards map[string]ShardState) bool {
	for _, p := range s.Parent {
		if p == "" {
			continue
		}
		parent, ok := shards[p]
		if !ok {
			// Dangling parent reference: treated as none (spec.md §3).
			continue
		}
		if !parent.Depleted {
			return true
		}
	}
	return false
}

// EnhancedConsumer is a registered enhanced fan-out (push) delivery
// endpoint for the stream.
type EnhancedConsumer struct {
	ARN      string `json:"arn" dynamodbav:"arn"`
	IsUsedBy string `json:"isUsedBy,omitempty" dynamodbav:"isUsedBy,omitempty"`
	Version  string `json:"version" dynamodbav:"version"`
}

// GroupState is the single document persisted per (consumerGroup, logName).
type GroupState struct {
	Version           string                      `json:"version" dynamodbav:"version"`
	Consumers         map[string]ConsumerInfo     `json:"consumers" dynamodbav:"consumers"`
	Shards            map[string]ShardState       `json:"shards" dynamodbav:"shards"`
	EnhancedConsumers map[string]EnhancedConsumer `json:"enhancedConsumers,omitempty" dynamodbav:"enhancedConsumers,omitempty"`
}

// ActiveNonStandaloneConsumers counts consumers eligible to receive a
// share of leases under the ceiling-division formula (spec.md §3).
func (g GroupState) ActiveNonStandaloneConsumers() int {
	n := 0
	for _, c := range g.Consumers {
		if c.IsActive && !c.IsStandalone {
			n++
		}
	}
	return n
}

// NonDepletedShardCount counts shards still eligible to be leased.
func (g GroupState) NonDepletedShardCount() int {
	n := 0
	for _, s := range g.Shards {
		if !s.Depleted {
			n++
		}
	}
	return n
}

// OwnedShard is the derived per-shard view returned by
// store.Store.GetOwnedShards to the reconciler.
type OwnedShard struct {
	ShardID         string
	Checkpoint      *string
	LeaseExpiration time.Time
	HasChildren     bool
}
