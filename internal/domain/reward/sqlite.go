package reward

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"wifi-reward-gateway/internal/platform/storage"
)

type sqliteEventStore struct {
	db *gorm.DB
}

// NewSQLiteEventStore builds the gorm-backed event store. The unique indexes
// on video_events.dedupe_key and milestone_grants(identifier, threshold)
// carry the idempotency guarantees.
func NewSQLiteEventStore(db *gorm.DB) (EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite event store requires database handle")
	}
	return &sqliteEventStore{db: db}, nil
}

func (s *sqliteEventStore) Append(ctx context.Context, event VideoEvent) error {
	record := storage.VideoEventRecord{
		Identifier:   event.Identifier,
		DeviceID:     event.DeviceID,
		VideoRef:     event.VideoRef,
		CompletedAt:  event.CompletedAt,
		WatchSeconds: event.WatchSeconds,
		DedupeKey:    event.DedupeKey,
	}
	err := s.db.WithContext(ctx).Create(&record).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateVideoEvent
	}
	return err
}

func (s *sqliteEventStore) CountFor(ctx context.Context, identifier string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&storage.VideoEventRecord{}).
		Where("identifier = ?", identifier).
		Count(&count).Error
	return int(count), err
}

func (s *sqliteEventStore) TryMarkMilestone(ctx context.Context, identifier string, threshold int, bundleID string) (bool, error) {
	record := storage.MilestoneGrantRecord{
		Identifier: identifier,
		Threshold:  threshold,
		BundleID:   bundleID,
		GrantedAt:  time.Now(),
	}
	err := s.db.WithContext(ctx).Create(&record).Error
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if err == gorm.ErrDuplicatedKey {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
