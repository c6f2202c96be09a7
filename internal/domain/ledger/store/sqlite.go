package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"wifi-reward-gateway/internal/domain/ledger/model"
	"wifi-reward-gateway/internal/platform/storage"
)

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLite builds a SQLite-backed ledger store on an initialised handle.
func NewSQLite(db *gorm.DB) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite ledger store requires database handle")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) BundlesFor(ctx context.Context, identifier string) ([]model.Bundle, error) {
	var records []storage.BundleRecord
	err := s.db.WithContext(ctx).
		Where("identifier = ?", identifier).
		Order("granted_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	bundles := make([]model.Bundle, 0, len(records))
	for _, record := range records {
		bundles = append(bundles, recordToBundle(record))
	}
	return bundles, nil
}

func (s *sqliteStore) Put(ctx context.Context, bundle model.Bundle) error {
	if bundle.ID == "" {
		return fmt.Errorf("bundle id required")
	}
	meta, _ := json.Marshal(bundle.Metadata)

	record := storage.BundleRecord{
		ID:          bundle.ID,
		Identifier:  bundle.Identifier,
		DeviceScope: bundle.DeviceScope,
		TotalBytes:  bundle.TotalBytes,
		UsedBytes:   bundle.UsedBytes,
		Source:      string(bundle.Source),
		GrantedAt:   bundle.GrantedAt,
		ExpiresAt:   bundle.ExpiresAt,
		StrictMode:  bundle.StrictMode,
		Version:     bundle.Version,
		Metadata:    meta,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// ApplyDebit commits all changes in one transaction. Each UPDATE carries the
// expected version in its WHERE clause; zero affected rows means another
// writer got there first and the whole transaction rolls back with
// ErrWriteConflict.
func (s *sqliteStore) ApplyDebit(ctx context.Context, identifier string, changes []DebitChange) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range changes {
			result := tx.Model(&storage.BundleRecord{}).
				Where("id = ? AND identifier = ? AND version = ? AND ? <= total_bytes",
					change.BundleID, identifier, change.ExpectedVersion, change.NewUsedBytes).
				Updates(map[string]any{
					"used_bytes": change.NewUsedBytes,
					"version":    gorm.Expr("version + 1"),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				if err := s.explainMiss(tx, change.BundleID); err != nil {
					return err
				}
				return ErrWriteConflict
			}
		}
		return nil
	})
}

// explainMiss distinguishes a vanished bundle from a version race.
func (s *sqliteStore) explainMiss(tx *gorm.DB, bundleID string) error {
	var count int64
	if err := tx.Model(&storage.BundleRecord{}).Where("id = ?", bundleID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrBundleNotFound
	}
	return nil
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}

func recordToBundle(record storage.BundleRecord) model.Bundle {
	bundle := model.Bundle{
		ID:          record.ID,
		Identifier:  record.Identifier,
		DeviceScope: record.DeviceScope,
		TotalBytes:  record.TotalBytes,
		UsedBytes:   record.UsedBytes,
		Source:      model.Source(record.Source),
		GrantedAt:   record.GrantedAt,
		ExpiresAt:   record.ExpiresAt,
		StrictMode:  record.StrictMode,
		Version:     record.Version,
	}
	if len(record.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(record.Metadata, &meta); err == nil {
			bundle.Metadata = meta
		}
	}
	return bundle
}

// IsNotFound reports whether the error wraps a missing-record condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBundleNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
