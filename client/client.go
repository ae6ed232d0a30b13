package client

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub000/internal/blobstore"
	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/codec"
	"github.com/lifion/lifion-kinesis-sub000/internal/errs"
	"github.com/lifion/lifion-kinesis-sub000/internal/event"
	"github.com/lifion/lifion-kinesis-sub000/internal/heartbeat"
	"github.com/lifion/lifion-kinesis-sub000/internal/lease"
	"github.com/lifion/lifion-kinesis-sub000/internal/logclient"
	"github.com/lifion/lifion-kinesis-sub000/internal/metrics"
	"github.com/lifion/lifion-kinesis-sub000/internal/model"
	"github.com/lifion/lifion-kinesis-sub000/internal/reader"
	"github.com/lifion/lifion-kinesis-sub000/internal/reader/pull"
	"github.com/lifion/lifion-kinesis-sub000/internal/reader/push"
	"github.com/lifion/lifion-kinesis-sub000/internal/reconciler"
	"github.com/lifion/lifion-kinesis-sub000/internal/store"
)

// Client is the facade described in spec.md §2: constructs and wires the
// log client, coordinator store, codec, heartbeat manager, lease
// coordinator, and consumer reconciler, and exposes start/stop,
// write-one, write-many, and a single decoded-event stream.
type Client struct {
	cfg Config

	logClient *logclient.Client
	store     *store.Store
	blob      *blobstore.Store
	codec     *codec.Codec
	metrics   *metrics.Sink
	clock     clock.Clock

	consumerID string

	heartbeatMgr *heartbeat.Manager
	leaseCoord   *lease.Coordinator
	recon        *reconciler.Reconciler

	out chan event.Event

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Client. It performs no I/O beyond resolving AWS
// credentials/region from the default provider chain; call Start to
// bring up the stream, coordinator table, and background loops.
func New(cfg Config) (*Client, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if os.Getenv("KINESIS_CAPTURE_STACK_TRACE") == "true" {
		errs.CaptureStack = true
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Credentials != nil {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.Credentials.AccessKeyID, cfg.Credentials.SecretAccessKey, cfg.Credentials.SessionToken,
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, errs.New("AWSConfigError", "failed to load AWS configuration", err)
	}

	clk := clock.Real{}
	m := metrics.New()

	lc := logclient.New(kinesis.NewFromConfig(awsCfg), clk, m)
	st := store.New(dynamodb.NewFromConfig(awsCfg), clk, store.Config{
		TableName:     cfg.CoordinatorTableName,
		ConsumerGroup: cfg.ConsumerGroup,
		LogName:       cfg.LogName,
		Tags:          cfg.Tags,
	})
	bs := blobstore.New(s3.NewFromConfig(awsCfg), clk, blobstore.Config{
		Bucket:  cfg.BlobStoreBucket,
		LogName: cfg.LogName,
		Tags:    cfg.Tags,
	})
	cd, err := codec.New(codec.Config{
		LogName:                 cfg.LogName,
		Compression:             cfg.Compression,
		UseS3ForLargeItems:      cfg.UseS3ForLargeItems,
		LargeItemThresholdBytes: cfg.LargeItemThresholdBytes,
		NonS3Keys:               cfg.NonS3Keys,
		JSONMode:                cfg.JSONMode,
	}, bs)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		logClient:  lc,
		store:      st,
		blob:       bs,
		codec:      cd,
		metrics:    m,
		clock:      clk,
		consumerID: uuid.NewString(),
		out:        make(chan event.Event, cfg.OutputBufferSize),
	}

	c.recon = reconciler.New(st, c.newReader, m, c.consumerID)
	c.heartbeatMgr = heartbeat.New(st, clk, m, c.consumerID, c.consumerInfo(), 0)
	c.leaseCoord = lease.New(st, lc, c.recon, clk, lease.Config{
		Self:              c.consumerID,
		StreamName:        cfg.LogName,
		Standalone:        !cfg.UseAutoShardAssignment,
		UseEnhancedFanOut: cfg.UseEnhancedFanOut,
	})
	c.leaseCoord.OnStopped(func() {
		c.emit(event.Event{Kind: event.KindError, Err: errs.New(errs.CodeResourceNotFound, "stream no longer exists", nil)})
	})

	return c, nil
}

func (c *Client) consumerInfo() model.ConsumerInfo {
	host, _ := os.Hostname()
	return model.ConsumerInfo{
		AppName:      c.cfg.ConsumerGroup,
		Host:         host,
		Pid:          os.Getpid(),
		IsActive:     true,
		IsStandalone: !c.cfg.UseAutoShardAssignment,
	}
}

// Start implements spec.md §2's control flow: ensure log exists/encrypted/
// tagged → coordinator store initialized → (optional) pre-register
// enhanced delivery endpoints → heartbeat loop started → reconciler
// initial pass → lease loop started.
func (c *Client) Start(ctx context.Context) error {
	if err := c.ensureStream(ctx); err != nil {
		return err
	}
	if err := c.store.EnsureTable(ctx); err != nil {
		return err
	}
	if err := c.store.InitState(ctx); err != nil {
		return err
	}
	if c.cfg.UseS3ForLargeItems {
		if err := c.blob.EnsureBucket(ctx); err != nil {
			return err
		}
	}
	if c.cfg.UseEnhancedFanOut {
		if err := c.preregisterEnhancedConsumers(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.heartbeatMgr.Start(runCtx)

	if err := c.recon.Reconcile(runCtx); err != nil {
		logrus.WithError(err).Warn("facade: initial reconcile failed, lease loop will retry")
	}

	c.leaseCoord.Start(runCtx)

	c.wg.Add(1)
	go c.runStats(runCtx)

	return nil
}

// ensureStream implements the "ensure log exists/encrypted/tagged" step.
func (c *Client) ensureStream(ctx context.Context) error {
	exists, err := c.logClient.StreamExists(ctx, c.cfg.LogName)
	if err != nil {
		return err
	}
	if !exists {
		if !c.cfg.CreateStreamIfNeeded {
			return errs.New(errs.CodeResourceNotFound, "stream does not exist and createStreamIfNeeded is false", nil)
		}
		shardCount := c.cfg.ShardCount
		if shardCount < 1 {
			shardCount = 1
		}
		if err := c.logClient.CreateStream(ctx, &kinesis.CreateStreamInput{StreamName: &c.cfg.LogName, ShardCount: &shardCount}); err != nil {
			return err
		}
		if err := c.logClient.WaitForStreamExists(ctx, c.cfg.LogName, 5*time.Minute); err != nil {
			return err
		}
	}
	if c.cfg.EncryptionType != "" {
		if err := c.logClient.StartStreamEncryption(ctx, &kinesis.StartStreamEncryptionInput{
			StreamName:     &c.cfg.LogName,
			EncryptionType: types.EncryptionType(c.cfg.EncryptionType),
			KeyId:          &c.cfg.EncryptionKeyID,
		}); err != nil {
			return err
		}
	}
	if len(c.cfg.Tags) > 0 {
		if err := c.logClient.AddTagsToStream(ctx, &kinesis.AddTagsToStreamInput{StreamName: &c.cfg.LogName, Tags: c.cfg.Tags}); err != nil {
			return err
		}
	}
	return nil
}

// preregisterEnhancedConsumers registers up to maxEnhancedConsumers
// enhanced fan-out endpoints and records them in the coordinator store so
// the lease coordinator can assign one per consumer (spec.md §2, §4.4).
func (c *Client) preregisterEnhancedConsumers(ctx context.Context) error {
	desc, err := c.logClient.DescribeStream(ctx, &kinesis.DescribeStreamInput{StreamName: &c.cfg.LogName})
	if err != nil {
		return err
	}
	if desc.StreamDescription == nil || desc.StreamDescription.StreamARN == nil {
		return errs.New(errs.CodeResourceNotFound, "stream has no ARN", nil)
	}
	arn := *desc.StreamDescription.StreamARN

	for i := 0; i < c.cfg.MaxEnhancedConsumers; i++ {
		name := fmt.Sprintf("%s-%d", c.cfg.ConsumerGroup, i)
		out, err := c.logClient.RegisterStreamConsumer(ctx, &kinesis.RegisterStreamConsumerInput{
			StreamARN:    &arn,
			ConsumerName: &name,
		})
		if err != nil {
			logrus.WithError(err).WithField("consumerName", name).Warn("facade: failed to register enhanced fan-out consumer")
			continue
		}
		if out.Consumer == nil || out.Consumer.ConsumerARN == nil {
			continue
		}
		if err := c.store.RegisterEnhancedConsumer(ctx, name, *out.Consumer.ConsumerARN); err != nil {
			logrus.WithError(err).WithField("consumerName", name).Warn("facade: failed to record enhanced fan-out consumer")
		}
	}
	return nil
}

// newReader is the reconciler.ReaderFactory: builds a pull or push reader
// for shardID depending on cfg.UseEnhancedFanOut.
func (c *Client) newReader(ctx context.Context, shardID string, checkpoint *string) (reader.Reader, error) {
	if c.cfg.UseEnhancedFanOut {
		arn, assigned, err := c.store.GetAssignedEnhancedConsumer(ctx, c.consumerID)
		if err != nil {
			return nil, err
		}
		if !assigned {
			return nil, errs.New(errs.CodeResourceNotFound, "no enhanced fan-out consumer assigned yet", nil)
		}
		return push.New(push.Config{
			ShardID:                 shardID,
			ConsumerARN:             arn,
			LogName:                 c.cfg.LogName,
			InitialPositionInStream: c.cfg.InitialPositionInStream,
			InitialCheckpoint:       checkpoint,
		}, c.logClient, c.store, c.codec, c.clock, c.metrics, c.out), nil
	}
	return pull.New(pull.Config{
		ShardID:                 shardID,
		StreamName:              c.cfg.LogName,
		LogName:                 c.cfg.LogName,
		Limit:                   c.cfg.Limit,
		NoRecordsPollDelay:      c.cfg.NoRecordsPollDelay,
		PollDelay:               c.cfg.PollDelay,
		InitialPositionInStream: c.cfg.InitialPositionInStream,
		UseAutoCheckpoints:      c.cfg.UseAutoCheckpoints,
		UsePausedPolling:        c.cfg.UsePausedPolling,
		InitialCheckpoint:       checkpoint,
	}, c.logClient, c.store, c.codec, c.clock, c.metrics, c.out), nil
}

// Stop tears down every background loop, in the reverse order they were
// started, and closes the output channel.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.leaseCoord.Stop()
		c.recon.Stop()
		c.heartbeatMgr.Stop()
		c.wg.Wait()
		close(c.out)
	})
	return nil
}

// Records returns the facade's single logical output stream.
func (c *Client) Records() <-chan Event {
	return c.out
}

// PutRecord encodes and writes a single logical record (spec.md §4.1
// "putRecord").
func (c *Client) PutRecord(ctx context.Context, in PutRecordInput) (PutRecordOutput, error) {
	enc, err := c.codec.Encode(ctx, codec.EncodeInput{
		Data:                      in.Data,
		PartitionKey:              in.PartitionKey,
		ExplicitHashKey:           in.ExplicitHashKey,
		SequenceNumberForOrdering: in.SequenceNumberForOrdering,
	})
	if err != nil {
		return PutRecordOutput{}, err
	}

	out, err := c.logClient.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:                &c.cfg.LogName,
		Data:                      enc.Data,
		PartitionKey:              &enc.PartitionKey,
		ExplicitHashKey:           enc.ExplicitHashKey,
		SequenceNumberForOrdering: enc.SequenceNumberForOrdering,
	})
	if err != nil {
		return PutRecordOutput{}, err
	}

	result := PutRecordOutput{SequenceNumber: aws.ToString(out.SequenceNumber), ShardID: aws.ToString(out.ShardId)}
	result.EncryptionType = string(out.EncryptionType)
	return result, nil
}

// PutRecords encodes and writes a batch of logical records in a single
// round trip, re-submitting partial failures internally (spec.md §4.1
// "putRecords").
func (c *Client) PutRecords(ctx context.Context, in []PutRecordInput) (PutRecordsOutput, error) {
	entries := make([]types.PutRecordsRequestEntry, len(in))
	for i, r := range in {
		enc, err := c.codec.Encode(ctx, codec.EncodeInput{
			Data:                      r.Data,
			PartitionKey:              r.PartitionKey,
			ExplicitHashKey:           r.ExplicitHashKey,
			SequenceNumberForOrdering: r.SequenceNumberForOrdering,
		})
		if err != nil {
			return PutRecordsOutput{}, err
		}
		entries[i] = types.PutRecordsRequestEntry{
			Data:                      enc.Data,
			PartitionKey:              &enc.PartitionKey,
			ExplicitHashKey:           enc.ExplicitHashKey,
			SequenceNumberForOrdering: enc.SequenceNumberForOrdering,
		}
	}

	out, err := c.logClient.PutRecords(ctx, &kinesis.PutRecordsInput{StreamName: &c.cfg.LogName, Records: entries})
	if err != nil {
		return PutRecordsOutput{}, err
	}

	results := make([]PutRecordOutput, len(out.Records))
	for i, r := range out.Records {
		results[i] = PutRecordOutput{
			EncryptionType: string(out.EncryptionType),
			SequenceNumber: aws.ToString(r.SequenceNumber),
			ShardID:        aws.ToString(r.ShardId),
		}
	}
	return PutRecordsOutput{Records: results, FailedRecordCount: int(aws.ToInt32(out.FailedRecordCount))}, nil
}

func (c *Client) emit(ev event.Event) {
	select {
	case c.out <- ev:
	default:
		logrus.Warn("facade: output channel full, dropping event")
	}
}

func (c *Client) runStats(ctx context.Context) {
	defer c.wg.Done()
	timer := c.clock.NewTimer(c.cfg.StatsInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			c.emit(event.Event{
				Kind: event.KindStats,
				Stats: event.Stats{
					LeasesHeld: len(c.recon.OwnedShardIDs()),
				},
			})
			timer.Reset(c.cfg.StatsInterval)
		}
	}
}
