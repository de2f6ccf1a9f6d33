// Package store persists verification records. Implementations must make
// every write a compare-and-set: ApplyUpdate is guarded on the record's
// version, so a writer holding a stale read gets sentinel.ErrConflict instead
// of silently clobbering a concurrent writer's results, and once a record is
// COMPLETED, FAILED, or CANCELLED further writes get sentinel.ErrTerminal.
package store

import (
	"context"
	"time"

	"veridoc/internal/verification"
)

// Store is the verification record store contract.
type Store interface {
	// Create persists a new PENDING record.
	Create(ctx context.Context, v *verification.Verification) error

	FindByID(ctx context.Context, id string) (*verification.Verification, error)

	// FindByExternalJobID resolves the record a webhook refers to; callers
	// only know the backend's opaque handle.
	FindByExternalJobID(ctx context.Context, externalJobID string) (*verification.Verification, error)

	// FindActiveByDocument returns a PENDING/IN_PROGRESS record of the given
	// type for the document, for idempotent starts.
	FindActiveByDocument(ctx context.Context, documentID string, t verification.Type) (*verification.Verification, error)

	// ApplyUpdate writes the full mutable state of v (status, results,
	// errors, external handle, completedAt) guarded on the stored record not
	// being terminal and still carrying v's version. Returns
	// sentinel.ErrTerminal when the record already finished,
	// sentinel.ErrConflict when another writer committed since v was read,
	// and sentinel.ErrNotFound when the record vanished. On success the
	// stored version advances by one.
	ApplyUpdate(ctx context.Context, v *verification.Verification) error

	// ListExpired returns active records whose hard TTL passed before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*verification.Verification, error)

	// ListSince returns records started at or after the cutoff, for the
	// analytics aggregator. A zero cutoff returns everything.
	ListSince(ctx context.Context, cutoff time.Time) ([]*verification.Verification, error)
}
