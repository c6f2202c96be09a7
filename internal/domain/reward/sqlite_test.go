package reward

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"wifi-reward-gateway/internal/platform/storage"
)

func newRewardTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:reward-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&storage.VideoEventRecord{}, &storage.MilestoneGrantRecord{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestSQLiteEventStoreDedupe(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteEventStore(newRewardTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteEventStore error: %v", err)
	}

	event := VideoEvent{
		Identifier:   "user-1",
		DeviceID:     "dev-1",
		VideoRef:     "vid-001",
		CompletedAt:  time.Now(),
		WatchSeconds: 30,
		DedupeKey:    "user-1|vid-001|100",
	}
	if err := s.Append(ctx, event); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.Append(ctx, event); !errors.Is(err, ErrDuplicateVideoEvent) {
		t.Fatalf("expected ErrDuplicateVideoEvent, got %v", err)
	}

	// A different time bucket is a fresh event.
	event.DedupeKey = "user-1|vid-001|101"
	if err := s.Append(ctx, event); err != nil {
		t.Fatalf("append new bucket: %v", err)
	}

	count, err := s.CountFor(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountFor: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 events, got %d", count)
	}
}

func TestSQLiteEventStoreMilestoneOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteEventStore(newRewardTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteEventStore error: %v", err)
	}

	fresh, err := s.TryMarkMilestone(ctx, "user-1", 5, "bundle-a")
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !fresh {
		t.Fatal("expected first mark to be fresh")
	}

	fresh, err = s.TryMarkMilestone(ctx, "user-1", 5, "bundle-b")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if fresh {
		t.Fatal("expected second mark to report already granted")
	}

	// Other identifiers and thresholds are independent.
	fresh, err = s.TryMarkMilestone(ctx, "user-2", 5, "bundle-c")
	if err != nil || !fresh {
		t.Fatalf("expected fresh mark for user-2, got fresh=%v err=%v", fresh, err)
	}
	fresh, err = s.TryMarkMilestone(ctx, "user-1", 10, "bundle-d")
	if err != nil || !fresh {
		t.Fatalf("expected fresh mark for threshold 10, got fresh=%v err=%v", fresh, err)
	}
}
