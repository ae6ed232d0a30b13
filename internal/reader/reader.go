// Package reader defines the shared contract between the pull and push
// per-shard reader implementations, so the reconciler (internal/reconciler)
// can manage both uniformly (spec.md §4.5).
package reader

import (
	"context"
	"time"
)

// Reader owns the read loop for a single shard.
type Reader interface {
	// Start begins reading the shard in a background goroutine and
	// returns once the initial setup (lease/iterator resolution) has
	// either succeeded or failed. A non-nil error means the reader did
	// not start and the reconciler should not track it.
	Start(ctx context.Context) error
	// Stop cancels the reader. Idempotent.
	Stop()
	// UpdateLeaseExpiration replaces the reader's notion of when its
	// lease expires; a past value causes the reader to self-terminate
	// on its next loop iteration.
	UpdateLeaseExpiration(t time.Time)
}
