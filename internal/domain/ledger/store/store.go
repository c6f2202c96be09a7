package store

import (
	"context"
	"errors"

	"wifi-reward-gateway/internal/domain/ledger/model"
)

// ErrWriteConflict signals that a debit raced with another writer: the bundle
// versions in the snapshot no longer match the store. Callers retry against a
// fresh snapshot.
var ErrWriteConflict = errors.New("ledger write conflict")

// ErrBundleNotFound signals a lookup for an unknown bundle id.
var ErrBundleNotFound = errors.New("bundle not found")

// DebitChange applies one bundle's share of a debit. ExpectedVersion carries
// the version observed in the snapshot the split was computed from.
type DebitChange struct {
	BundleID        string
	NewUsedBytes    int64
	ExpectedVersion int64
}

// Store is the narrow persistence interface the ledger service runs against.
// Implementations must make ApplyDebit atomic across all changes of one call.
type Store interface {
	BundlesFor(ctx context.Context, identifier string) ([]model.Bundle, error)
	Put(ctx context.Context, bundle model.Bundle) error
	ApplyDebit(ctx context.Context, identifier string, changes []DebitChange) error
	Close(ctx context.Context) error
}

// Config selects and tunes a ledger store backend.
type Config struct {
	Driver  string
	DataDir string
}
