package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/model"
)

// fakeAPI is a minimal in-memory DynamoDB double. It understands exactly
// the two ConditionExpression shapes the store issues
// ("attribute_not_exists(leaseKey)" and "version = :expected") and
// enforces them against a single in-memory item, matching real DynamoDB's
// conditional-write semantics closely enough to exercise the store's CAS
// logic end to end.
type fakeAPI struct {
	mu sync.Mutex

	tableExists bool
	tableActive bool
	createErr   error

	item map[string]types.AttributeValue

	tagCalls []map[string]string

	// failNextPutConditional forces the next N PutItem calls to fail with
	// ConditionalCheckFailedException regardless of whether the condition
	// actually holds, simulating a concurrent writer winning the race.
	failNextPutConditional int
}

func (f *fakeAPI) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tableExists {
		return nil, &types.ResourceNotFoundException{}
	}
	status := types.TableStatusCreating
	if f.tableActive {
		status = types.TableStatusActive
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: status}}, nil
}

func (f *fakeAPI) CreateTable(context.Context, *dynamodb.CreateTableInput, ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		// A concurrent creator raced us; the table exists (and is active)
		// by the time our own attempt is rejected.
		f.tableExists = true
		f.tableActive = true
		return nil, err
	}
	f.tableExists = true
	f.tableActive = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) TagResource(_ context.Context, in *dynamodb.TagResourceInput, _ ...func(*dynamodb.Options)) (*dynamodb.TagResourceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags := map[string]string{}
	for _, tag := range in.Tags {
		tags[*tag.Key] = *tag.Value
	}
	f.tagCalls = append(f.tagCalls, tags)
	return &dynamodb.TagResourceOutput{}, nil
}

func (f *fakeAPI) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.item == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	cp := make(map[string]types.AttributeValue, len(f.item))
	for k, v := range f.item {
		cp[k] = v
	}
	return &dynamodb.GetItemOutput{Item: cp}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNextPutConditional > 0 {
		f.failNextPutConditional--
		return nil, &types.ConditionalCheckFailedException{}
	}

	if in.ConditionExpression != nil {
		switch *in.ConditionExpression {
		case "attribute_not_exists(leaseKey)":
			if f.item != nil {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case "version = :expected":
			if f.item == nil {
				return nil, &types.ConditionalCheckFailedException{}
			}
			expected := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS).Value
			current := f.item["version"].(*types.AttributeValueMemberS).Value
			if current != expected {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	}

	f.item = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func newTestStore(api *fakeAPI) *Store {
	return New(api, clock.NewFake(time.Now()), Config{
		TableName:     "test-coordinator",
		ConsumerGroup: "group-a",
		LogName:       "stream-a",
		Tags:          map[string]string{"team": "platform"},
	})
}

func TestEnsureTableNoOpWhenAlreadyActive(t *testing.T) {
	api := &fakeAPI{tableExists: true, tableActive: true}
	s := newTestStore(api)
	require.NoError(t, s.EnsureTable(context.Background()))
	assert.Empty(t, api.tagCalls, "an already-active table should not be re-tagged")
}

func TestEnsureTableCreatesAndTagsMissingTable(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.EnsureTable(context.Background()))
	require.True(t, api.tableExists)
	require.Len(t, api.tagCalls, 1)
	assert.Equal(t, "platform", api.tagCalls[0]["team"])
}

func TestEnsureTableToleratesConcurrentCreation(t *testing.T) {
	api := &fakeAPI{createErr: &types.ResourceInUseException{}}
	s := newTestStore(api)
	require.NoError(t, s.EnsureTable(context.Background()))
	assert.True(t, api.tableActive)
}

func TestInitStateIsIdempotent(t *testing.T) {
	api := &fakeAPI{tableExists: true, tableActive: true}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	firstVersion := api.item["version"].(*types.AttributeValueMemberS).Value

	require.NoError(t, s.InitState(context.Background()))
	secondVersion := api.item["version"].(*types.AttributeValueMemberS).Value
	assert.Equal(t, firstVersion, secondVersion, "a second InitState call must not overwrite the existing document")
}

func TestRegisterConsumerPreservesStartedAtAcrossReRegistration(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))

	require.NoError(t, s.RegisterConsumer(context.Background(), "consumer-a", model.ConsumerInfo{AppName: "app", IsActive: true}))
	gs, err := s.GroupState(context.Background())
	require.NoError(t, err)
	firstStart := gs.Consumers["consumer-a"].StartedAt
	require.False(t, firstStart.IsZero())

	require.NoError(t, s.RegisterConsumer(context.Background(), "consumer-a", model.ConsumerInfo{AppName: "app", IsActive: true}))
	gs, err = s.GroupState(context.Background())
	require.NoError(t, err)
	assert.True(t, gs.Consumers["consumer-a"].StartedAt.Equal(firstStart))
}

func TestClearOldConsumersRemovesStaleHeartbeats(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	require.NoError(t, s.RegisterConsumer(context.Background(), "stale", model.ConsumerInfo{}))
	require.NoError(t, s.RegisterConsumer(context.Background(), "fresh", model.ConsumerInfo{}))

	gs, err := s.GroupState(context.Background())
	require.NoError(t, err)
	stale := gs.Consumers["stale"]
	stale.Heartbeat = stale.Heartbeat.Add(-time.Hour)
	gs.Consumers["stale"] = stale
	_, err = s.write(context.Background(), gs, gs.Version)
	require.NoError(t, err)

	require.NoError(t, s.ClearOldConsumers(context.Background(), time.Minute))
	gs, err = s.GroupState(context.Background())
	require.NoError(t, err)
	_, staleStillPresent := gs.Consumers["stale"]
	_, freshStillPresent := gs.Consumers["fresh"]
	assert.False(t, staleStillPresent)
	assert.True(t, freshStillPresent)
}

func TestGetShardAndStreamStateInsertsDefaultsOnlyOnce(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))

	first, err := s.GetShardAndStreamState(context.Background(), "shard-0000", model.ShardState{StartingSequenceNumber: "0"})
	require.NoError(t, err)
	assert.Equal(t, "0", first.StartingSequenceNumber)

	second, err := s.GetShardAndStreamState(context.Background(), "shard-0000", model.ShardState{StartingSequenceNumber: "999"})
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version, "a second call must not clobber the already-persisted defaults")
	assert.Equal(t, "0", second.StartingSequenceNumber)
}

func TestLockShardLeaseSucceedsThenConflictsOnStaleVersion(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	shard, err := s.GetShardAndStreamState(context.Background(), "shard-0000", model.ShardState{})
	require.NoError(t, err)

	newVersion, err := s.LockShardLease(context.Background(), "shard-0000", "consumer-a", time.Minute, shard.Version)
	require.NoError(t, err)
	assert.NotEmpty(t, newVersion)

	_, err = s.LockShardLease(context.Background(), "shard-0000", "consumer-b", time.Minute, shard.Version)
	assert.ErrorIs(t, err, ErrVersionConflict, "a second locker using the stale pre-lock version must lose the race")
}

func TestReleaseShardLeaseClearsOwnership(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	shard, err := s.GetShardAndStreamState(context.Background(), "shard-0000", model.ShardState{})
	require.NoError(t, err)
	lockedVersion, err := s.LockShardLease(context.Background(), "shard-0000", "consumer-a", time.Minute, shard.Version)
	require.NoError(t, err)

	_, err = s.ReleaseShardLease(context.Background(), "shard-0000", lockedVersion)
	require.NoError(t, err)

	gs, err := s.GroupState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, gs.Shards["shard-0000"].LeaseOwner)
	assert.Nil(t, gs.Shards["shard-0000"].LeaseExpiration)
}

func TestStoreShardCheckpointRetriesOnceThenSucceeds(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	_, err := s.GetShardAndStreamState(context.Background(), "shard-0000", model.ShardState{})
	require.NoError(t, err)

	api.mu.Lock()
	api.failNextPutConditional = 1
	api.mu.Unlock()

	require.NoError(t, s.StoreShardCheckpoint(context.Background(), "shard-0000", "seq-42"))
	gs, err := s.GroupState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, gs.Shards["shard-0000"].Checkpoint)
	assert.Equal(t, "seq-42", *gs.Shards["shard-0000"].Checkpoint)
}

func TestStoreShardCheckpointSwallowsExhaustedRetry(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	_, err := s.GetShardAndStreamState(context.Background(), "shard-0000", model.ShardState{})
	require.NoError(t, err)

	api.mu.Lock()
	api.failNextPutConditional = 2
	api.mu.Unlock()

	assert.NoError(t, s.StoreShardCheckpoint(context.Background(), "shard-0000", "seq-42"),
		"a version conflict is a signal to retry on the next tick, not an error to the caller")
	gs, err := s.GroupState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, gs.Shards["shard-0000"].Checkpoint)
}

func TestMarkShardAsDepletedSetsFlagAndLinksChildren(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	_, err := s.GetShardAndStreamState(context.Background(), "shard-parent", model.ShardState{})
	require.NoError(t, err)

	allShards := map[string]model.ShardState{
		"shard-child": {Parent: []string{"shard-parent"}},
	}
	require.NoError(t, s.MarkShardAsDepleted(context.Background(), allShards, "shard-parent"))

	gs, err := s.GroupState(context.Background())
	require.NoError(t, err)
	assert.True(t, gs.Shards["shard-parent"].Depleted)
	_, childLinked := gs.Shards["shard-child"]
	assert.True(t, childLinked, "a depleted parent's children should be linked into the persisted shard set")
}

func TestGetOwnedShardsFiltersBySelfAndDetectsChildren(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	_, err := s.GetShardAndStreamState(context.Background(), "shard-0000", model.ShardState{})
	require.NoError(t, err)
	_, err = s.GetShardAndStreamState(context.Background(), "shard-0001", model.ShardState{})
	require.NoError(t, err)

	shard0, err := s.GetShardAndStreamState(context.Background(), "shard-0000", model.ShardState{})
	require.NoError(t, err)
	_, err = s.LockShardLease(context.Background(), "shard-0000", "consumer-a", time.Minute, shard0.Version)
	require.NoError(t, err)

	owned, err := s.GetOwnedShards(context.Background(), "consumer-a")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "shard-0000", owned[0].ShardID)

	ownedByOther, err := s.GetOwnedShards(context.Background(), "consumer-b")
	require.NoError(t, err)
	assert.Empty(t, ownedByOther)
}

func TestLockStreamConsumerAssignsAvailableEndpointThenConflicts(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	require.NoError(t, s.RegisterEnhancedConsumer(context.Background(), "ec-1", "arn:aws:kinesis:ec-1"))

	gs, err := s.GroupState(context.Background())
	require.NoError(t, err)
	name, err := s.LockStreamConsumer(context.Background(), "consumer-a", gs.EnhancedConsumers["ec-1"].Version)
	require.NoError(t, err)
	assert.Equal(t, "ec-1", name)

	arn, ok, err := s.GetAssignedEnhancedConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "arn:aws:kinesis:ec-1", arn)

	_, err = s.LockStreamConsumer(context.Background(), "consumer-b", gs.EnhancedConsumers["ec-1"].Version)
	assert.ErrorIs(t, err, ErrVersionConflict, "no endpoints remain available for a second consumer")
}

func TestDeregisterEnhancedConsumerRemovesEntry(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api)
	require.NoError(t, s.InitState(context.Background()))
	require.NoError(t, s.RegisterEnhancedConsumer(context.Background(), "ec-1", "arn:aws:kinesis:ec-1"))
	require.NoError(t, s.DeregisterEnhancedConsumer(context.Background(), "ec-1"))

	gs, err := s.GroupState(context.Background())
	require.NoError(t, err)
	_, ok := gs.EnhancedConsumers["ec-1"]
	assert.False(t, ok)
}
