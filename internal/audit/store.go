package audit

import (
	"context"
	"time"
)

// ChainReader is the read side of the event store.
type ChainReader interface {
	// RangeQuery returns events whose timestamp falls in r, in canonical order.
	RangeQuery(ctx context.Context, r Range) ([]Event, error)

	// PredecessorHash returns the CurrentHash of the last event strictly
	// before t in canonical order, or "" when t precedes the genesis event.
	PredecessorHash(ctx context.Context, t time.Time) (string, error)
}

// Tx is the unit of work handed to Store.ExecuteTransactionally. It holds
// the chain lock for its whole lifetime.
type Tx interface {
	ChainReader

	// InsertMany writes new events and returns them with Sequence assigned.
	// Chain fields are written as given.
	InsertMany(ctx context.Context, events []Event) ([]Event, error)

	// UpdateMany rewrites the chain and status fields of existing events.
	UpdateMany(ctx context.Context, events []Event) error

	// KnownEventIDs reports which of ids are already stored.
	KnownEventIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

// Store is the persistent, ordered, transactional event store.
type Store interface {
	ChainReader

	// Append links e against the current tail and stores it. The tail is
	// derived from the store under the chain lock, never from a cache.
	Append(ctx context.Context, e Event) (Event, error)

	// ExecuteTransactionally runs fn in one transaction holding the chain
	// lock. Any error from fn, or a cancelled ctx, rolls everything back.
	ExecuteTransactionally(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// UpdateMany is Tx.UpdateMany in its own transaction.
	UpdateMany(ctx context.Context, events []Event) error
}
