package store

import (
	"context"
	"testing"
	"time"

	"wifi-reward-gateway/internal/domain/identity/model"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	store, err := NewRedis(Config{
		TTL: time.Second,
		Redis: &RedisConfig{
			Addr: mr.Addr(),
		},
	})
	if err != nil {
		t.Fatalf("NewRedis error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(ctx)
	})

	session := model.Session{
		SessionID:  "sess-redis",
		Identifier: "user-1",
		Active:     true,
	}
	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	got, err := store.Get(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Identifier != session.Identifier {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := store.Touch(ctx, session.SessionID, time.Now()); err != nil {
		t.Fatalf("Touch error: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 1 || list[0] != session.SessionID {
		t.Fatalf("unexpected list: %v", list)
	}

	if err := store.Remove(ctx, session.SessionID); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, err := store.Get(ctx, session.SessionID); err == nil {
		t.Fatalf("expected missing session after removal")
	}
}
