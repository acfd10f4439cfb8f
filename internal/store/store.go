// Package store defines the persistence contracts for the two
// durability horizons: long-lived customer context and short-lived
// paused-execution state. Backends are interchangeable; all of them
// honor the same lazy-expiry and corruption self-heal semantics:
//
//   - Init is idempotent and safe to call concurrently with other
//     operations.
//   - Load on a missing record returns the zero value and a nil error,
//     never an error.
//   - Load on a record older than the store's max-age deletes it and
//     returns the zero value, so expired data is never observable even
//     before a sweep runs.
//   - Load on a structurally corrupted record deletes it and returns
//     the zero value. Corruption degrades to "start fresh".
//   - Read-path I/O failures degrade to "not found"; write-path
//     failures propagate, since silently losing a write is worse than
//     failing the turn.
//   - CleanupExpired consults the store's index and removes everything
//     older than the threshold from both the records and the index,
//     returning the number of records removed. Passing 0 uses the
//     store's configured max-age.
package store

import (
	"context"
	"time"

	"github.com/threadline-ai/threadline/internal/customer"
)

// ContextStore persists long-lived customer context keyed by subject ID.
type ContextStore interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, subjectID string, c *customer.Context) error
	Load(ctx context.Context, subjectID string) (*customer.Context, error)
	Delete(ctx context.Context, subjectID string) error
	CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error)
}

// RunStateStore persists short-lived opaque paused-execution blobs
// keyed by subject ID. A blob exists only between the turn that paused
// and the turn that resolves its approvals (or expiry).
type RunStateStore interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, subjectID string, state string) error
	Load(ctx context.Context, subjectID string) (string, error)
	Delete(ctx context.Context, subjectID string) error
	CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error)
}
