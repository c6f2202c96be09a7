package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"wifi-reward-gateway/internal/domain/ledger/model"
	"wifi-reward-gateway/internal/platform/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&storage.BundleRecord{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s, err := NewSQLite(db)
	if err != nil {
		t.Fatalf("NewSQLite error: %v", err)
	}

	bundle := model.Bundle{
		ID:          "bundle-1",
		Identifier:  "user@example.com",
		DeviceScope: model.ScopeAll,
		TotalBytes:  100 * model.MB,
		Source:      model.SourcePurchase,
		GrantedAt:   time.Now(),
		Metadata:    map[string]any{"order": "A-100"},
	}
	if err := s.Put(ctx, bundle); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	bundles, err := s.BundlesFor(ctx, bundle.Identifier)
	if err != nil {
		t.Fatalf("BundlesFor error: %v", err)
	}
	if len(bundles) != 1 || bundles[0].ID != bundle.ID {
		t.Fatalf("unexpected bundles: %+v", bundles)
	}
	if bundles[0].Metadata["order"] != "A-100" {
		t.Fatalf("metadata lost: %+v", bundles[0].Metadata)
	}
}

func TestSQLiteStoreApplyDebit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s, _ := NewSQLite(db)

	bundle := model.Bundle{
		ID:          "bundle-1",
		Identifier:  "u",
		DeviceScope: model.ScopeAll,
		TotalBytes:  10 * model.MB,
		GrantedAt:   time.Now(),
	}
	if err := s.Put(ctx, bundle); err != nil {
		t.Fatal(err)
	}

	err := s.ApplyDebit(ctx, "u", []DebitChange{
		{BundleID: "bundle-1", NewUsedBytes: 4 * model.MB, ExpectedVersion: 0},
	})
	if err != nil {
		t.Fatalf("ApplyDebit error: %v", err)
	}

	bundles, _ := s.BundlesFor(ctx, "u")
	if bundles[0].UsedBytes != 4*model.MB {
		t.Fatalf("used = %d, want %d", bundles[0].UsedBytes, 4*model.MB)
	}
	if bundles[0].Version != 1 {
		t.Fatalf("version = %d, want 1", bundles[0].Version)
	}
}

func TestSQLiteStoreDetectsWriteConflict(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s, _ := NewSQLite(db)

	_ = s.Put(ctx, model.Bundle{
		ID: "bundle-1", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 10 * model.MB, GrantedAt: time.Now(),
	})

	// Stale version: another writer has already bumped it.
	if err := s.ApplyDebit(ctx, "u", []DebitChange{
		{BundleID: "bundle-1", NewUsedBytes: model.MB, ExpectedVersion: 0},
	}); err != nil {
		t.Fatalf("first debit: %v", err)
	}

	err := s.ApplyDebit(ctx, "u", []DebitChange{
		{BundleID: "bundle-1", NewUsedBytes: 2 * model.MB, ExpectedVersion: 0},
	})
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}
}

func TestSQLiteStoreMissingBundle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s, _ := NewSQLite(db)

	err := s.ApplyDebit(ctx, "u", []DebitChange{
		{BundleID: "nope", NewUsedBytes: 1, ExpectedVersion: 0},
	})
	if !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("expected ErrBundleNotFound, got %v", err)
	}
}
