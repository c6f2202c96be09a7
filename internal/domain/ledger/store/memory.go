package store

import (
	"context"
	"fmt"
	"sync"

	"wifi-reward-gateway/internal/domain/ledger/model"
)

type memoryStore struct {
	mutex   sync.RWMutex
	bundles map[string]map[string]model.Bundle // identifier -> bundle id -> bundle
}

// NewMemory builds an in-memory ledger store. Used by tests and single-node
// deployments that accept losing the ledger on restart.
func NewMemory() Store {
	return &memoryStore{
		bundles: make(map[string]map[string]model.Bundle),
	}
}

func (s *memoryStore) BundlesFor(_ context.Context, identifier string) ([]model.Bundle, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	owned := s.bundles[identifier]
	out := make([]model.Bundle, 0, len(owned))
	for _, b := range owned {
		out = append(out, cloneBundle(b))
	}
	return out, nil
}

func (s *memoryStore) Put(_ context.Context, bundle model.Bundle) error {
	if bundle.ID == "" {
		return fmt.Errorf("bundle id required")
	}
	if bundle.Identifier == "" {
		return fmt.Errorf("bundle identifier required")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	owned, ok := s.bundles[bundle.Identifier]
	if !ok {
		owned = make(map[string]model.Bundle)
		s.bundles[bundle.Identifier] = owned
	}
	owned[bundle.ID] = cloneBundle(bundle)
	return nil
}

func (s *memoryStore) ApplyDebit(_ context.Context, identifier string, changes []DebitChange) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	owned := s.bundles[identifier]

	// Validate every change before mutating anything so the whole call stays
	// atomic.
	for _, change := range changes {
		bundle, ok := owned[change.BundleID]
		if !ok {
			return ErrBundleNotFound
		}
		if bundle.Version != change.ExpectedVersion {
			return ErrWriteConflict
		}
		if change.NewUsedBytes < bundle.UsedBytes || change.NewUsedBytes > bundle.TotalBytes {
			return fmt.Errorf("debit out of bounds for bundle %s", change.BundleID)
		}
	}

	for _, change := range changes {
		bundle := owned[change.BundleID]
		bundle.UsedBytes = change.NewUsedBytes
		bundle.Version++
		owned[change.BundleID] = bundle
	}
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func cloneBundle(b model.Bundle) model.Bundle {
	c := b
	if b.ExpiresAt != nil {
		exp := *b.ExpiresAt
		c.ExpiresAt = &exp
	}
	if b.Metadata != nil {
		meta := make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			meta[k] = v
		}
		c.Metadata = meta
	}
	return c
}
