package durable

import (
	"context"
	"time"
)

// Store persists workflow items and implements the lease protocol.
//
// Implementations must make Save a transactional read-merge-write and claim
// rows in Dequeue with a single conditional UPDATE per row, so that any
// number of engines may share one store.
type Store interface {
	// Seed creates the schema if it does not exist.
	Seed(ctx context.Context) error

	// GetWorkflow returns a workflow instance row or ErrNotFound.
	GetWorkflow(ctx context.Context, id string) (*Item, error)

	// GetAny returns a workflow or step memo row or ErrNotFound.
	GetAny(ctx context.Context, id string) (*Item, error)

	// Save loads id (or starts a new item), applies mutate and upserts it.
	// A missing State defaults to queued and Updated is always refreshed.
	Save(ctx context.Context, id string, mutate func(*Item)) (*Item, error)

	// Dequeue leases up to 20 due workflows of taskGroup for lease and
	// returns the rows this caller won.
	Dequeue(ctx context.Context, taskGroup string, now time.Time, lease time.Duration) ([]*Item, error)

	// Delete removes id and its descendants. It returns false when only a
	// page of children was removed and the call should be repeated later.
	Delete(ctx context.Context, id string) (bool, error)

	// LastThrottled returns the latest queued (throttled start) time of any
	// workflow in group, in whatever state.
	LastThrottled(ctx context.Context, group string) (time.Time, bool, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
