package logclient

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/errs"
	"github.com/lifion/lifion-kinesis-sub000/internal/metrics"
)

// Retry policy bounds (spec.md §4.1).
const (
	minBackoff = time.Second
	maxBackoff = 5 * time.Minute
)

// bailCodes never retry: parameter/validation errors, resource-not-found,
// conditional-check-failed, expired-iterator, unknown-operation,
// resource-in-use, no-such-bucket/key.
var bailCodes = map[string]bool{
	"ValidationException":             true,
	"InvalidArgumentException":        true,
	"ResourceNotFoundException":       true,
	"ConditionalCheckFailedException": true,
	"ExpiredIteratorException":        true,
	"UnknownOperationException":       true,
	"ResourceInUseException":          true,
	"NoSuchBucket":                    true,
	"NoSuchKey":                       true,
}

// forceCodes always retry regardless of the bail list: transient network
// failures.
var forceCodes = map[string]bool{
	"RequestTimeout":    true,
	"RequestTimeTooSkewed": true,
}

// nonRetried call names (spec.md §4.1); kept only as documentation and not
// read anywhere — each such method is implemented without calling withRetry.
var _ = map[string]bool{
	"CreateStream":              true,
	"AddTagsToStream":           true,
	"RegisterStreamConsumer":    true,
	"DeregisterStreamConsumer":  true,
	"StartStreamEncryption":     true,
}

func errorCode(err error) string {
	var apiErr interface {
		ErrorCode() string
	}
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "RequestTimeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "RequestTimeout"
	}
	return ""
}

func shouldBail(code string) bool {
	if forceCodes[code] {
		return false
	}
	return bailCodes[code]
}

// withRetry runs op with exponential backoff and jitter, honoring the
// bail/force lists, until it succeeds, the context is cancelled, or op
// returns a bail-listed error. Attempts are effectively unbounded.
func withRetry(ctx context.Context, clk clock.Clock, m *metrics.Sink, operation string, op func() error) error {
	attempt := 0
	for {
		start := clk.Now()
		err := op()
		m.ObserveCallDuration(operation, clk.Now().Sub(start).Seconds())
		if err == nil {
			return nil
		}

		code := errorCode(err)
		if shouldBail(code) {
			return errs.New(code, "log vendor call failed (not retried)", err)
		}

		attempt++
		m.IncRetries(operation)
		delay := backoff(attempt)
		logrus.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"code":      code,
			"delay":     delay,
		}).Warn("retrying log vendor call")

		select {
		case <-ctx.Done():
			return errs.New("ContextCanceled", "retry loop cancelled", ctx.Err())
		case <-clk.After(delay):
		}
	}
}

// backoff computes exponential backoff with full jitter, bounded to
// [minBackoff, maxBackoff].
func backoff(attempt int) time.Duration {
	exp := math.Pow(2, float64(attempt))
	d := time.Duration(exp) * minBackoff
	if d > maxBackoff {
		d = maxBackoff
	}
	jittered := time.Duration(rand.Int63n(int64(d) + 1))
	if jittered < minBackoff {
		jittered = minBackoff
	}
	return jittered
}

// swallowAlreadyExists reports whether err represents "already in that
// state" for create-stream / start-encryption calls, which spec.md §4.1
// says those two calls swallow.
func swallowAlreadyExists(err error) bool {
	var riu *types.ResourceInUseException
	return errors.As(err, &riu)
}
