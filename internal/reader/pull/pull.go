// Package pull implements the per-shard pull reader (spec.md §4.6): an
// iterator-token polling loop with adaptive delays and auto/manual
// checkpoint advancement. Grounded on
// other_examples/.../polling-shard-consumer.go.go's loop shape: lease
// refresh check before each GetRecords, NextShardIterator == nil closes
// the shard, idle sleep only on an empty batch.
package pull

import (
	"context"
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

// Boundary defaults (spec.md §6 "Configuration").
const (
	DefaultLimit              = int32(10000)
	MinLimit                  = int32(1)
	MaxLimit                  = int32(10000)
	DefaultNoRecordsPollDelay = time.Second
	MinNoRecordsPollDelay     = 250 * time.Millisecond
	DefaultPollDelay          = 250 * time.Millisecond
	MinPollDelay              = 0
)

// LogClient is the subset of *logclient.Client the pull reader needs.
type LogClient interface {
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput) (*kinesis.GetRecordsOutput, error)
}

// Store is the subset of *store.Store the pull reader needs.
type Store interface {
	StoreShardCheckpoint(ctx context.Context, shardID, sequenceNumber string) error
	GroupState(ctx context.Context) (model.GroupState, error)
	MarkShardAsDepleted(ctx context.Context, allShards map[string]model.ShardState, shardID string) error
}

// Decoder turns one raw Kinesis record into zero or more logical records
// (de-bundling aggregated producer records, decompressing, reassembling
// S3-offloaded payloads, and optionally JSON-parsing the body).
type Decoder interface {
	Decode(ctx context.Context, rec types.Record) ([]event.Record, error)
}

// Config configures a Reader.
type Config struct {
	ShardID                 string
	StreamName              string
	LogName                 string
	Limit                   int32
	NoRecordsPollDelay      time.Duration
	PollDelay               time.Duration
	InitialPositionInStream string // "LATEST" (default) or "TRIM_HORIZON"
	UseAutoCheckpoints      bool
	UsePausedPolling        bool
	InitialCheckpoint       *string
	InitialLeaseExpiration  time.Time
}

// normalize applies the spec's clamps (§6 "Edge cases") at construction.
func (c Config) normalize() Config {
	switch {
	case c.Limit <= 0 || c.Limit > MaxLimit:
		c.Limit = DefaultLimit
	}
	if c.NoRecordsPollDelay < MinNoRecordsPollDelay {
		if c.NoRecordsPollDelay == 0 {
			c.NoRecordsPollDelay = DefaultNoRecordsPollDelay
		} else {
			c.NoRecordsPollDelay = MinNoRecordsPollDelay
		}
	}
	if c.PollDelay < MinPollDelay {
		c.PollDelay = MinPollDelay
	}
	if c.InitialPositionInStream == "" {
		c.InitialPositionInStream = "LATEST"
	}
	return c
}

// Reader polls a single shard via iterator tokens.
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

// New constructs a Reader. It does not start the read loop; call Start.
func New(cfg Config, log LogClient, store Store, decoder Decoder, clk clock.Clock, m *metrics.Sink, out chan<- event.Event) *Reader {
	if clk == nil {
		clk = clock.Real{}
	}
	cfg = cfg.normalize()
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

func (r *Reader) leaseExpired() bool {
	r.mu.Lock()
	exp := r.leaseExpiration
	r.mu.Unlock()
	return !exp.IsZero() && r.clock.Now().After(exp)
}

// Start resolves the initial iterator and launches the polling loop.
func (r *Reader) Start(ctx context.Context) error {
	iterator, checkpoint, err := r.resolveIterator(ctx, r.cfg.InitialCheckpoint)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(runCtx, iterator, checkpoint)
	return nil
}

// Stop cancels the polling loop and waits for it to exit.
func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// resolveIterator implements spec.md §4.6 step 3, including the
// invalid-stored-checkpoint fallback (Scenario B).
func (r *Reader) resolveIterator(ctx context.Context, checkpoint *string) (*string, *string, error) {
	in := &kinesis.GetShardIteratorInput{
		StreamName: &r.cfg.StreamName,
		ShardId:    &r.cfg.ShardID,
	}
	switch {
	case checkpoint != nil:
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = checkpoint
	case r.cfg.InitialPositionInStream == "TRIM_HORIZON":
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	default:
		in.ShardIteratorType = types.ShardIteratorTypeLatest
	}

	out, err := r.log.GetShardIterator(ctx, in)
	if err != nil {
		if checkpoint != nil && errs.Is(err, "InvalidArgumentException") {
			logrus.WithFields(logrus.Fields{"shardId": r.cfg.ShardID, "checkpoint": *checkpoint}).
				Warn("pull reader: stored checkpoint rejected by provider, falling back to LATEST")
			fallback := &kinesis.GetShardIteratorInput{
				StreamName:        &r.cfg.StreamName,
				ShardId:           &r.cfg.ShardID,
				ShardIteratorType: types.ShardIteratorTypeLatest,
			}
			out, err = r.log.GetShardIterator(ctx, fallback)
			if err != nil {
				return nil, checkpoint, err
			}
			return out.ShardIterator, checkpoint, nil
		}
		return nil, checkpoint, err
	}
	return out.ShardIterator, checkpoint, nil
}

func (r *Reader) run(ctx context.Context, iterator *string, checkpoint *string) {
	defer r.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		if r.leaseExpired() {
			logrus.WithField("shardId", r.cfg.ShardID).Info("pull reader: lease expired, stopping")
			return
		}
		if iterator == nil {
			r.depleted(ctx)
			return
		}

		out, err := r.log.GetRecords(ctx, &kinesis.GetRecordsInput{ShardIterator: iterator, Limit: &r.cfg.Limit})
		if err != nil {
			if errs.Is(err, "ExpiredIteratorException") {
				logrus.WithField("shardId", r.cfg.ShardID).Warn("pull reader: iterator expired, re-deriving")
				fresh, cp, rerr := r.resolveIterator(ctx, checkpoint)
				if rerr != nil {
					logrus.WithError(rerr).WithField("shardId", r.cfg.ShardID).Warn("pull reader: failed to re-derive iterator")
					if !r.sleepOrDone(ctx, r.cfg.NoRecordsPollDelay) {
						return
					}
					continue
				}
				iterator, checkpoint = fresh, cp
				continue
			}
			logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("pull reader: GetRecords failed")
			if !r.sleepOrDone(ctx, r.cfg.NoRecordsPollDelay) {
				return
			}
			continue
		}

		records := r.decodeAll(ctx, out.Records)
		if len(records) > 0 {
			checkpoint = r.emit(ctx, records, out.MillisBehindLatest)
		}

		iterator = out.NextShardIterator
		switch {
		case len(out.Records) == 0 && out.MillisBehindLatest != nil && *out.MillisBehindLatest > 0:
			// Fast-forward (spec.md §4.6 step 5): an empty batch that is
			// still behind the tip means the provider skipped over records
			// this reader isn't entitled to see yet (e.g. filtered out);
			// retry immediately instead of waiting out the idle delay.
			logrus.WithField("shardId", r.cfg.ShardID).Debug("pull reader: fast-forwarding")
			if !r.sleepOrDone(ctx, 0) {
				return
			}
		case iterator == nil:
			r.depleted(ctx)
			return
		case len(out.Records) == 0:
			if !r.sleepOrDone(ctx, r.cfg.NoRecordsPollDelay) {
				return
			}
		default:
			if !r.sleepOrDone(ctx, r.cfg.PollDelay) {
				return
			}
		}
	}
}

func (r *Reader) decodeAll(ctx context.Context, raw []types.Record) []event.Record {
	var out []event.Record
	for _, rec := range raw {
		decoded, err := r.decoder.Decode(ctx, rec)
		if err != nil {
			logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("pull reader: decode failed, dropping record")
			if r.metrics != nil {
				r.metrics.RecordException(err.Error())
			}
			continue
		}
		out = append(out, decoded...)
	}
	return out
}

// emit delivers one batch to the output channel and, in auto-checkpoint
// mode, advances the checkpoint to the last record's sequence number
// (spec.md §4.6 step 4). It returns the batch's last sequence number,
// which the read loop uses to re-derive an iterator after an
// expired-iterator error; in manual-checkpoint mode that number need not
// have been persisted.
func (r *Reader) emit(ctx context.Context, records []event.Record, millisBehindLatest *int64) *string {
	lastSeq := records[len(records)-1].SequenceNumber
	ev := event.Event{
		Kind:    event.KindRecords,
		Records: records,
		ShardID: r.cfg.ShardID,
		LogName: r.cfg.LogName,
	}
	if millisBehindLatest != nil {
		ev.MillisBehindLatest = *millisBehindLatest
	}
	if !r.cfg.UseAutoCheckpoints {
		ev.Checkpointer = &checkpointer{store: r.store, shardID: r.cfg.ShardID}
	}
	if r.cfg.UsePausedPolling {
		done := make(chan struct{})
		ev.Continuer = &continuer{done: done}
		select {
		case <-ctx.Done():
			return &lastSeq
		case r.out <- ev:
		}
		select {
		case <-ctx.Done():
		case <-done:
		}
	} else {
		select {
		case <-ctx.Done():
			return &lastSeq
		case r.out <- ev:
		}
	}

	if r.metrics != nil {
		r.metrics.RecordsEmitted.Add(float64(len(records)))
	}
	if r.cfg.UseAutoCheckpoints {
		if err := r.store.StoreShardCheckpoint(ctx, r.cfg.ShardID, lastSeq); err != nil {
			logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("pull reader: failed to store checkpoint")
			if r.metrics != nil {
				r.metrics.CheckpointErrors.Inc()
			}
		}
	}
	return &lastSeq
}

func (r *Reader) depleted(ctx context.Context) {
	logrus.WithField("shardId", r.cfg.ShardID).Info("pull reader: shard depleted")
	gs, err := r.store.GroupState(ctx)
	var shards map[string]model.ShardState
	if err == nil {
		shards = gs.Shards
	} else {
		logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("pull reader: failed to read group state before marking depleted")
	}
	if err := r.store.MarkShardAsDepleted(ctx, shards, r.cfg.ShardID); err != nil {
		logrus.WithError(err).WithField("shardId", r.cfg.ShardID).Warn("pull reader: failed to mark shard depleted")
	}
}

func (r *Reader) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(d):
		return true
	}
}

// checkpointer implements event.Checkpointer for manual-checkpoint mode.
type checkpointer struct {
	store   Store
	shardID string
}

func (c *checkpointer) SetCheckpoint(ctx context.Context, sequenceNumber string) error {
	return c.store.StoreShardCheckpoint(ctx, c.shardID, sequenceNumber)
}

// continuer implements event.Continuer for paused-polling mode: calling
// ContinuePolling sends a message back to the reader's own goroutine
// rather than mutating shared state directly (spec.md §9).
type continuer struct {
	done chan struct{}
	once sync.Once
}

func (c *continuer) ContinuePolling() {
	c.once.Do(func() { close(c.done) })
}
