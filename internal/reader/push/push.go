// Package push implements the per-shard enhanced fan-out reader (spec.md
// §4.7): a long-lived SubscribeToShard streaming subscription with an
// idle watchdog and 5s reconnect backoff on retryable failures. Built
// directly on kinesis.Client.SubscribeToShard, whose GetStream() already
// returns a Go channel of decoded event-stream variants
// (aws-sdk-go-v2/aws/protocol/eventstream under the hood), so the
// raw-response/pre-filter/parser/decoder/post-processor pipeline in
// spec.md §4.7 step 4 is expressed as a sequence of type switches over
// that channel instead of a hand-rolled frame parser.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/errs"
	"github.com/lifion/lifion-kinesis-sub000/internal/event"
	"github.com/lifion/lifion-kinesis-sub000/internal/metrics"
	"github.com/lifion/lifion-kinesis-sub000/internal/model"
)

// IdleWatchdog and ReconnectBackoff per spec.md §4.7 steps 1 and 5.
const (
	IdleWatchdog     = 10 * time.Second
	ReconnectBackoff = 5 * time.Second
)

// LogClient is the subset of *logclient.Client the push reader needs.
type LogClient interface {
	SubscribeToShard(ctx context.Context, in *kinesis.SubscribeToShardInput) (*kinesis.SubscribeToShardOutput, error)
}

// Store is the subset of *store.Store the push reader needs.
type Store interface {
	StoreShardCheckpoint(ctx context.Context, shardID, sequenceNumber string) error
	GroupState(ctx context.Context) (model.GroupState, error)
	MarkShardAsDepleted(ctx context.Context, allShards map[string]model.ShardState, shardID string) error
}

// Decoder turns one raw Kinesis record into zero or more logical records.
type Decoder interface {
	Decode(ctx context.Context, rec types.Record) ([]event.Record, error)
}

// Config configures a Reader.
type Config struct {
	ShardID                 string
	ConsumerARN             string
	LogName                 string
	InitialPositionInStream string // "LATEST" (default) or "TRIM_HORIZON"
	InitialCheckpoint       *string
	InitialLeaseExpiration  time.Time
}

// Reader subscribes to one shard's enhanced fan-out stream.
type Reader struct {
	cfg     Config
	log     LogClient
	store   Store
	decoder Decoder
	clock   clock.Clock
	metrics *metrics.Sink
	out     chan<- event.Event

	mu              sync.Mutex
	leaseExpiration time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Reader. It does not start the subscription; call Start.
func New(cfg Config, log LogClient, store Store, decoder Decoder, clk clock.Clock, m *metrics.Sink, out chan<- event.Event) *Reader {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.InitialPositionInStream == "" {
		cfg.InitialPositionInStream = "LATEST"
	}
	return &Reader{
		cfg:             cfg,
		log:             log,
		store:           store,
		decoder:         decoder,
		clock:           clk,
		metrics:         m,
		out:             out,
		leaseExpiration: cfg.InitialLeaseExpiration,
	}
}

// UpdateLeaseExpiration implements reader.Reader.
func (r *Reader) UpdateLeaseExpiration(t time.Time) {
	r.mu.Lock()
	r.leaseExpiration = t
	r.mu.Unlock()
}

func (r *Reader) leaseExpiresAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaseExpiration
}

// Start launches the subscribe/reconnect loop in a background goroutine.
// Unlike the pull reader, the first subscription attempt happens inside
// the loop too, so Start always returns immediately.
func (r *Reader) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(runCtx)
	return nil
}

// Stop cancels the subscription loop and waits for it to exit.
func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reader) run(ctx context.Context) {
	defer r.wg.Done()

	checkpoint := r.cfg.InitialCheckpoint
	retryable := false

	for {
		if ctx.Err() != nil {
			return
		}
		if !r.leaseExpiresAt().IsZero() && r.clock.Now().After(r.leaseExpiresAt()) {
			logrus.WithField("shardId", r.cfg.ShardID).Info("push reader: lease expired, stopping")
			return
		}

		if retryable {
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(ReconnectBackoff):
			}
		}

		nextCheckpoint, depleted, retry, err := r.subscribeOnce(ctx, checkpoint)
		if depleted {
			r.markDepleted(ctx)
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("push reader: subscription ended")
			if !retry {
				return
			}
		}
		checkpoint = nextCheckpoint
		retryable = true
	}
}

// subscribeOnce opens one subscription and drains it until the stream
// ends, the lease is found expired (checked before waiting for each
// event), the idle watchdog trips, or the context is cancelled.
// Returns the last checkpoint observed, whether the shard was found
// depleted, and whether a failure should be retried.
func (r *Reader) subscribeOnce(ctx context.Context, checkpoint *string) (nextCheckpoint *string, depleted bool, retry bool, err error) {
	nextCheckpoint = checkpoint

	in := &kinesis.SubscribeToShardInput{
		ConsumerARN: &r.cfg.ConsumerARN,
		ShardId:     &r.cfg.ShardID,
	}
	switch {
	case checkpoint != nil:
		in.StartingPosition = &types.StartingPosition{Type: types.ShardIteratorTypeAfterSequenceNumber, SequenceNumber: checkpoint}
	case r.cfg.InitialPositionInStream == "TRIM_HORIZON":
		in.StartingPosition = &types.StartingPosition{Type: types.ShardIteratorTypeTrimHorizon}
	default:
		in.StartingPosition = &types.StartingPosition{Type: types.ShardIteratorTypeLatest}
	}

	out, err := r.log.SubscribeToShard(ctx, in)
	if err != nil {
		return nextCheckpoint, false, isRetryableSubscribeError(err), err
	}
	stream := out.GetStream()
	defer stream.Close()

	watchdog := r.clock.NewTimer(IdleWatchdog)
	defer watchdog.Stop()

	for {
		if exp := r.leaseExpiresAt(); !exp.IsZero() && r.clock.Now().After(exp) {
			return nextCheckpoint, false, false, nil
		}
		select {
		case <-ctx.Done():
			return nextCheckpoint, false, false, nil
		case <-watchdog.Chan():
			return nextCheckpoint, false, true, errs.New("IdleWatchdog", "no event received within idle watchdog interval", nil)
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return nextCheckpoint, false, isRetryableSubscribeError(err), err
				}
				// Clean close with no trailing event: depleted only if the
				// last chunk reported zero records and no continuation.
				return nextCheckpoint, false, true, nil
			}
			watchdog.Reset(IdleWatchdog)

			cp, chunkDepleted, perr := r.handleEvent(ctx, ev)
			if perr != nil {
				return nextCheckpoint, false, false, perr
			}
			if cp != nil {
				nextCheckpoint = cp
			}
			if chunkDepleted {
				return nextCheckpoint, true, false, nil
			}
		}
	}
}

// handleEvent implements spec.md §4.7 step 4's decoder/post-processor
// stages for one event-stream variant.
func (r *Reader) handleEvent(ctx context.Context, ev types.SubscribeToShardEventStream) (checkpoint *string, depleted bool, err error) {
	switch v := ev.(type) {
	case *types.SubscribeToShardEventStreamMemberSubscribeToShardEvent:
		chunk := v.Value
		records := r.decodeAll(ctx, chunk.Records)
		if len(records) > 0 {
			out := event.Event{
				Kind:    event.KindRecords,
				Records: records,
				ShardID: r.cfg.ShardID,
				LogName: r.cfg.LogName,
			}
			if chunk.MillisBehindLatest != nil {
				out.MillisBehindLatest = *chunk.MillisBehindLatest
			}
			if chunk.ContinuationSequenceNumber != nil {
				out.ContinuationSequenceNumber = *chunk.ContinuationSequenceNumber
			}
			select {
			case <-ctx.Done():
				return checkpoint, false, nil
			case r.out <- out:
			}
			if r.metrics != nil {
				r.metrics.RecordsEmitted.Add(float64(len(records)))
			}
		}
		if chunk.ContinuationSequenceNumber != nil {
			if err := r.store.StoreShardCheckpoint(ctx, r.cfg.ShardID, *chunk.ContinuationSequenceNumber); err != nil {
				logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("push reader: failed to store checkpoint")
				if r.metrics != nil {
					r.metrics.CheckpointErrors.Inc()
				}
			}
			return chunk.ContinuationSequenceNumber, false, nil
		}
		if len(chunk.Records) == 0 {
			return nil, true, nil
		}
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("push reader: protocol error, unexpected event-stream variant %T", v)
	}
}

func (r *Reader) decodeAll(ctx context.Context, raw []types.Record) []event.Record {
	var out []event.Record
	for _, rec := range raw {
		decoded, err := r.decoder.Decode(ctx, rec)
		if err != nil {
			logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("push reader: decode failed, dropping record")
			if r.metrics != nil {
				r.metrics.RecordException(err.Error())
			}
			continue
		}
		out = append(out, decoded...)
	}
	return out
}

func (r *Reader) markDepleted(ctx context.Context) {
	logrus.WithField("shardId", r.cfg.ShardID).Info("push reader: shard depleted")
	gs, err := r.store.GroupState(ctx)
	var shards map[string]model.ShardState
	if err == nil {
		shards = gs.Shards
	} else {
		logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("push reader: failed to read group state before marking depleted")
	}
	if err := r.store.MarkShardAsDepleted(ctx, shards, r.cfg.ShardID); err != nil {
		logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("push reader: failed to mark shard depleted")
	}
}

// isRetryableSubscribeError implements spec.md §4.7 step 3's classifier:
// InternalServerErrorException and ResourceInUseException are retryable,
// everything else (including an unparseable response) is fatal.
func isRetryableSubscribeError(err error) bool {
	var ise *types.InternalServerErrorException
	if errors.As(err, &ise) {
		return true
	}
	var riu *types.ResourceInUseException
	if errors.As(err, &riu) {
		return true
	}
	return errs.Is(err, "InternalServerErrorException") || errs.Is(err, "ResourceInUseException")
}
