// Package logclient is the uniform call path to the log vendor (spec.md
// §4.1): every call returns a result or a typed *errs.Error, retried calls
// use exponential backoff with jitter against a bail/force list, and
// put-records applies partial-success resubmission.
package logclient

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/errs"
	"github.com/lifion/lifion-kinesis-sub000/internal/metrics"
)

// Client wraps the log vendor API with retry, classification, and metrics.
type Client struct {
	api     API
	clock   clock.Clock
	metrics *metrics.Sink
}

// New constructs a Client around api.
func New(api API, clk clock.Clock, m *metrics.Sink) *Client {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{api: api, clock: clk, metrics: m}
}

// --- non-retried calls (spec.md §4.1) ---

// CreateStream creates the stream, swallowing "already in that state"
// errors.
func (c *Client) CreateStream(ctx context.Context, in *kinesis.CreateStreamInput) error {
	_, err := c.api.CreateStream(ctx, in)
	if err != nil {
		if swallowAlreadyExists(err) {
			return nil
		}
		return errs.New(errorCode(err), "create stream failed", err)
	}
	return nil
}

// AddTagsToStream tags the stream.
func (c *Client) AddTagsToStream(ctx context.Context, in *kinesis.AddTagsToStreamInput) error {
	_, err := c.api.AddTagsToStream(ctx, in)
	if err != nil {
		return errs.New(errorCode(err), "add tags failed", err)
	}
	return nil
}

// RegisterStreamConsumer registers an enhanced fan-out consumer.
func (c *Client) RegisterStreamConsumer(ctx context.Context, in *kinesis.RegisterStreamConsumerInput) (*kinesis.RegisterStreamConsumerOutput, error) {
	out, err := c.api.RegisterStreamConsumer(ctx, in)
	if err != nil {
		return nil, errs.New(errorCode(err), "register stream consumer failed", err)
	}
	return out, nil
}

// DeregisterStreamConsumer removes an enhanced fan-out consumer.
func (c *Client) DeregisterStreamConsumer(ctx context.Context, in *kinesis.DeregisterStreamConsumerInput) error {
	_, err := c.api.DeregisterStreamConsumer(ctx, in)
	if err != nil {
		return errs.New(errorCode(err), "deregister stream consumer failed", err)
	}
	return nil
}

// StartStreamEncryption enables server-side encryption, swallowing
// "already in that state" errors.
func (c *Client) StartStreamEncryption(ctx context.Context, in *kinesis.StartStreamEncryptionInput) error {
	_, err := c.api.StartStreamEncryption(ctx, in)
	if err != nil {
		if swallowAlreadyExists(err) {
			return nil
		}
		return errs.New(errorCode(err), "start stream encryption failed", err)
	}
	return nil
}

// --- retried calls (spec.md §4.1) ---

// DescribeStream describes the stream, retrying transient failures.
func (c *Client) DescribeStream(ctx context.Context, in *kinesis.DescribeStreamInput) (*kinesis.DescribeStreamOutput, error) {
	var out *kinesis.DescribeStreamOutput
	err := withRetry(ctx, c.clock, c.metrics, "DescribeStream", func() error {
		var e error
		out, e = c.api.DescribeStream(ctx, in)
		return e
	})
	return out, err
}

// StreamExists reports whether the stream exists, treating
// ResourceNotFoundException as "does not exist" rather than an error.
func (c *Client) StreamExists(ctx context.Context, streamName string) (bool, error) {
	_, err := c.DescribeStream(ctx, &kinesis.DescribeStreamInput{StreamName: &streamName})
	if err == nil {
		return true, nil
	}
	if errs.Is(err, errs.CodeResourceNotFound) {
		return false, nil
	}
	return false, err
}

// ListShards pages through every shard of the stream.
func (c *Client) ListShards(ctx context.Context, streamName string) ([]types.Shard, error) {
	var shards []types.Shard
	var nextToken *string
	for {
		in := &kinesis.ListShardsInput{NextToken: nextToken}
		if nextToken == nil {
			in.StreamName = &streamName
		}
		var out *kinesis.ListShardsOutput
		err := withRetry(ctx, c.clock, c.metrics, "ListShards", func() error {
			var e error
			out, e = c.api.ListShards(ctx, in)
			return e
		})
		if err != nil {
			return nil, err
		}
		shards = append(shards, out.Shards...)
		if out.NextToken == nil {
			return shards, nil
		}
		nextToken = out.NextToken
	}
}

// WaitForStreamExists blocks (bounded by timeout) until the stream
// reaches ACTIVE, wrapping kinesis.NewStreamExistsWaiter.
func (c *Client) WaitForStreamExists(ctx context.Context, streamName string, timeout time.Duration) error {
	waiter := kinesis.NewStreamExistsWaiter(c.api)
	if err := waiter.Wait(ctx, &kinesis.DescribeStreamInput{StreamName: &streamName}, timeout); err != nil {
		return errs.New(errorCode(err), "wait for stream exists failed", err)
	}
	return nil
}

// WaitForStreamNotExists blocks (bounded by timeout) until the stream is
// gone, wrapping kinesis.NewStreamNotExistsWaiter.
func (c *Client) WaitForStreamNotExists(ctx context.Context, streamName string, timeout time.Duration) error {
	waiter := kinesis.NewStreamNotExistsWaiter(c.api)
	if err := waiter.Wait(ctx, &kinesis.DescribeStreamInput{StreamName: &streamName}, timeout); err != nil {
		return errs.New(errorCode(err), "wait for stream not exists failed", err)
	}
	return nil
}

// ListStreamConsumers lists enhanced fan-out consumers for the stream.
func (c *Client) ListStreamConsumers(ctx context.Context, in *kinesis.ListStreamConsumersInput) (*kinesis.ListStreamConsumersOutput, error) {
	var out *kinesis.ListStreamConsumersOutput
	err := withRetry(ctx, c.clock, c.metrics, "ListStreamConsumers", func() error {
		var e error
		out, e = c.api.ListStreamConsumers(ctx, in)
		return e
	})
	return out, err
}

// ListTagsForStream lists the stream's tags.
func (c *Client) ListTagsForStream(ctx context.Context, in *kinesis.ListTagsForStreamInput) (*kinesis.ListTagsForStreamOutput, error) {
	var out *kinesis.ListTagsForStreamOutput
	err := withRetry(ctx, c.clock, c.metrics, "ListTagsForStream", func() error {
		var e error
		out, e = c.api.ListTagsForStream(ctx, in)
		return e
	})
	return out, err
}

// GetShardIterator obtains an iterator token, retrying transient failures.
// Callers distinguish ExpiredIteratorException/InvalidArgumentException
// (bail-listed, so returned immediately as *errs.Error) from everything
// else.
func (c *Client) GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput) (*kinesis.GetShardIteratorOutput, error) {
	var out *kinesis.GetShardIteratorOutput
	err := withRetry(ctx, c.clock, c.metrics, "GetShardIterator", func() error {
		var e error
		out, e = c.api.GetShardIterator(ctx, in)
		return e
	})
	return out, err
}

// GetRecords fetches the next batch of records from an iterator.
func (c *Client) GetRecords(ctx context.Context, in *kinesis.GetRecordsInput) (*kinesis.GetRecordsOutput, error) {
	var out *kinesis.GetRecordsOutput
	err := withRetry(ctx, c.clock, c.metrics, "GetRecords", func() error {
		var e error
		out, e = c.api.GetRecords(ctx, in)
		return e
	})
	return out, err
}

// PutRecord writes a single record.
func (c *Client) PutRecord(ctx context.Context, in *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error) {
	var out *kinesis.PutRecordOutput
	err := withRetry(ctx, c.clock, c.metrics, "PutRecord", func() error {
		var e error
		out, e = c.api.PutRecord(ctx, in)
		return e
	})
	if err == nil {
		c.metrics.RecordsWritten.Inc()
	}
	return out, err
}

// PutRecords writes a batch, re-submitting only the failed sub-records on
// a partial-success response and merging results back into original
// order (spec.md §4.1). The whole call remains bounded by the overall
// retry budget of withRetry.
func (c *Client) PutRecords(ctx context.Context, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
	entries := in.Records
	results := make([]types.PutRecordsResultEntry, len(entries))
	pending := make([]int, len(entries)) // indices into entries/results still outstanding
	for i := range entries {
		pending[i] = i
	}

	for len(pending) > 0 {
		batch := make([]types.PutRecordsRequestEntry, len(pending))
		for i, idx := range pending {
			batch[i] = entries[idx]
		}
		req := &kinesis.PutRecordsInput{StreamName: in.StreamName, StreamARN: in.StreamARN, Records: batch}

		var out *kinesis.PutRecordsOutput
		err := withRetry(ctx, c.clock, c.metrics, "PutRecords", func() error {
			var e error
			out, e = c.api.PutRecords(ctx, req)
			return e
		})
		if err != nil {
			return nil, err
		}

		var nextPending []int
		for i, entry := range out.Records {
			origIdx := pending[i]
			results[origIdx] = entry
			if entry.ErrorCode != nil {
				nextPending = append(nextPending, origIdx)
			}
		}
		if len(nextPending) == len(pending) {
			// No progress; avoid spinning forever resubmitting the same
			// failures outside of withRetry's own backoff.
			c.clock.Sleep(minBackoff)
		}
		pending = nextPending
	}

	failed := int32(0)
	for _, r := range results {
		if r.ErrorCode != nil {
			failed++
		}
	}
	c.metrics.RecordsWritten.Add(float64(len(results)) - float64(failed))
	return &kinesis.PutRecordsOutput{Records: results, FailedRecordCount: &failed}, nil
}

// SubscribeToShard opens an enhanced fan-out streaming subscription. Not
// retried by this wrapper: the push reader (internal/reader/push) owns
// the subscription lifecycle, including its own 5s backoff on retryable
// protocol errors (spec.md §4.7).
func (c *Client) SubscribeToShard(ctx context.Context, in *kinesis.SubscribeToShardInput) (*kinesis.SubscribeToShardOutput, error) {
	out, err := c.api.SubscribeToShard(ctx, in)
	if err != nil {
		return nil, errs.New(errorCode(err), "subscribe to shard failed", err)
	}
	return out, nil
}
