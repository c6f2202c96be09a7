package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wifi-reward-gateway/internal/domain/ledger/model"
	"wifi-reward-gateway/internal/domain/ledger/store"
)

const mb = model.MB

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Options{Store: store.NewMemory()})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return svc
}

func TestGrantAndRemaining(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	id, err := svc.Grant(ctx, GrantRequest{
		Identifier: "user@example.com",
		TotalBytes: 20 * mb,
		Source:     model.SourceVideo,
	})
	if err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	if id == "" {
		t.Fatal("expected bundle id")
	}

	summary, err := svc.Remaining(ctx, "user@example.com", "fp-a")
	if err != nil {
		t.Fatalf("Remaining error: %v", err)
	}
	if summary.RemainingBytes != 20*mb {
		t.Fatalf("remaining = %d, want %d", summary.RemainingBytes, 20*mb)
	}
	if len(summary.Bundles) != 1 {
		t.Fatalf("breakdown = %+v, want one bundle", summary.Bundles)
	}
}

func TestGrantValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Grant(ctx, GrantRequest{Identifier: "u", TotalBytes: 0}); err == nil {
		t.Error("expected error for zero-size grant")
	}
	if _, err := svc.Grant(ctx, GrantRequest{TotalBytes: mb}); err == nil {
		t.Error("expected error for missing identifier")
	}
	if _, err := svc.Grant(ctx, GrantRequest{
		Identifier: "u", TotalBytes: mb, StrictMode: true,
	}); err == nil {
		t.Error("expected error for strict grant without device scope")
	}
}

func TestDebitFIFO(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemory()
	svc, _ := NewService(Options{Store: memory})

	older := model.Bundle{
		ID: "older", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 10 * mb, Source: model.SourceVideo,
		GrantedAt: time.Now().Add(-time.Hour),
	}
	newer := model.Bundle{
		ID: "newer", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 10 * mb, Source: model.SourceVideo,
		GrantedAt: time.Now(),
	}
	if err := memory.Put(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if err := memory.Put(ctx, older); err != nil {
		t.Fatal(err)
	}

	outcome, err := svc.Debit(ctx, "u", "fp", 6*mb)
	if err != nil {
		t.Fatalf("Debit error: %v", err)
	}
	if outcome.DebitedBytes != 6*mb {
		t.Fatalf("debited = %d, want %d", outcome.DebitedBytes, 6*mb)
	}

	bundles, _ := memory.BundlesFor(ctx, "u")
	for _, b := range bundles {
		switch b.ID {
		case "older":
			if b.UsedBytes != 6*mb {
				t.Errorf("older bundle used = %d, want %d (FIFO drains oldest first)", b.UsedBytes, 6*mb)
			}
		case "newer":
			if b.UsedBytes != 0 {
				t.Errorf("newer bundle used = %d, want 0", b.UsedBytes)
			}
		}
	}
}

func TestDebitSplitsAcrossBundles(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemory()
	svc, _ := NewService(Options{Store: memory})

	first := model.Bundle{
		ID: "first", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 5 * mb, GrantedAt: time.Now().Add(-2 * time.Hour),
	}
	second := model.Bundle{
		ID: "second", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 10 * mb, GrantedAt: time.Now().Add(-time.Hour),
	}
	_ = memory.Put(ctx, first)
	_ = memory.Put(ctx, second)

	outcome, err := svc.Debit(ctx, "u", "fp", 8*mb)
	if err != nil {
		t.Fatalf("Debit error: %v", err)
	}
	if outcome.RemainingAfter != 7*mb {
		t.Fatalf("remaining after = %d, want %d", outcome.RemainingAfter, 7*mb)
	}

	bundles, _ := memory.BundlesFor(ctx, "u")
	for _, b := range bundles {
		switch b.ID {
		case "first":
			if b.UsedBytes != 5*mb {
				t.Errorf("first bundle should be drained, used = %d", b.UsedBytes)
			}
		case "second":
			if b.UsedBytes != 3*mb {
				t.Errorf("second bundle used = %d, want %d", b.UsedBytes, 3*mb)
			}
		}
	}
}

func TestDebitInsufficientQuota(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Grant(ctx, GrantRequest{
		Identifier: "u", TotalBytes: 5 * mb, Source: model.SourceVideo,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Debit(ctx, "u", "fp", 6*mb)
	if !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}

	// The failed debit must not have charged anything.
	summary, _ := svc.Remaining(ctx, "u", "fp")
	if summary.RemainingBytes != 5*mb {
		t.Fatalf("remaining = %d after failed debit, want %d", summary.RemainingBytes, 5*mb)
	}
}

func TestDebitUpToClamps(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, _ = svc.Grant(ctx, GrantRequest{Identifier: "u", TotalBytes: 5 * mb, Source: model.SourceVideo})

	outcome, err := svc.DebitUpTo(ctx, "u", "fp", 6*mb)
	if err != nil {
		t.Fatalf("DebitUpTo error: %v", err)
	}
	if outcome.DebitedBytes != 5*mb {
		t.Fatalf("debited = %d, want clamp to %d", outcome.DebitedBytes, 5*mb)
	}
	if outcome.RemainingAfter != 0 {
		t.Fatalf("remaining after = %d, want 0", outcome.RemainingAfter)
	}
}

func TestDeviceScopeIsolation(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemory()
	svc, _ := NewService(Options{Store: memory})

	scoped := model.Bundle{
		ID: "scoped", Identifier: "u", DeviceScope: "fp-a",
		TotalBytes: 100 * mb, GrantedAt: time.Now(),
	}
	_ = memory.Put(ctx, scoped)

	if _, err := svc.Debit(ctx, "u", "fp-a", 60*mb); err != nil {
		t.Fatalf("device A debit error: %v", err)
	}

	// Device B must not see or drain the device-scoped bundle.
	summaryB, _ := svc.Remaining(ctx, "u", "fp-b")
	if summaryB.RemainingBytes != 0 {
		t.Fatalf("device B remaining = %d, want 0", summaryB.RemainingBytes)
	}
	if _, err := svc.Debit(ctx, "u", "fp-b", mb); !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("device B debit should fail with ErrInsufficientQuota, got %v", err)
	}

	summaryA, _ := svc.Remaining(ctx, "u", "fp-a")
	if summaryA.RemainingBytes != 40*mb {
		t.Fatalf("device A remaining = %d, want %d", summaryA.RemainingBytes, 40*mb)
	}
}

func TestStrictModeForcesDeviceScope(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemory()
	svc, _ := NewService(Options{Store: memory})

	strict := model.Bundle{
		ID: "strict", Identifier: "u", DeviceScope: "fp-a", StrictMode: true,
		TotalBytes: 10 * mb, GrantedAt: time.Now(),
	}
	_ = memory.Put(ctx, strict)

	summary, _ := svc.Remaining(ctx, "u", "fp-b")
	if summary.RemainingBytes != 0 {
		t.Fatalf("strict bundle leaked to another device: remaining = %d", summary.RemainingBytes)
	}
}

func TestExpiredBundlesExcluded(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemory()
	svc, _ := NewService(Options{Store: memory})

	past := time.Now().Add(-time.Minute)
	expired := model.Bundle{
		ID: "expired", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 50 * mb, GrantedAt: time.Now().Add(-time.Hour), ExpiresAt: &past,
	}
	_ = memory.Put(ctx, expired)

	summary, _ := svc.Remaining(ctx, "u", "fp")
	if summary.RemainingBytes != 0 {
		t.Fatalf("expired bundle counted: remaining = %d", summary.RemainingBytes)
	}
	if _, err := svc.Debit(ctx, "u", "fp", mb); !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("debit against expired bundle should fail, got %v", err)
	}

	// Expired entries stay in the store for audit.
	bundles, _ := memory.BundlesFor(ctx, "u")
	if len(bundles) != 1 {
		t.Fatalf("expired bundle was deleted: %+v", bundles)
	}
}

func TestConcurrentDebitsNeverOvercharge(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemory()
	svc, _ := NewService(Options{Store: memory})

	bundle := model.Bundle{
		ID: "b", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 50 * mb, GrantedAt: time.Now(),
	}
	_ = memory.Put(ctx, bundle)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var debited int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := svc.Debit(ctx, "u", "fp", 30*mb)
			if err != nil {
				if !errors.Is(err, ErrInsufficientQuota) {
					t.Errorf("unexpected debit error: %v", err)
				}
				return
			}
			mu.Lock()
			debited += outcome.DebitedBytes
			mu.Unlock()
		}()
	}
	wg.Wait()

	if debited > 50*mb {
		t.Fatalf("combined debits %d exceed bundle capacity", debited)
	}

	bundles, _ := memory.BundlesFor(ctx, "u")
	if used := bundles[0].UsedBytes; used > 50*mb || used < 30*mb {
		t.Fatalf("bundle used = %d, want between 30MB and 50MB", used)
	}
}

// conflictStore wraps a memory store and forces write conflicts for the first
// few ApplyDebit calls to exercise the retry path.
type conflictStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) ApplyDebit(ctx context.Context, identifier string, changes []store.DebitChange) error {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return store.ErrWriteConflict
	}
	c.mu.Unlock()
	return c.Store.ApplyDebit(ctx, identifier, changes)
}

func TestDebitRetriesOnWriteConflict(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory()
	conflicted := &conflictStore{Store: inner, conflicts: 2}
	svc, _ := NewService(Options{Store: conflicted, DebitRetries: 3})

	_ = inner.Put(ctx, model.Bundle{
		ID: "b", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 10 * mb, GrantedAt: time.Now(),
	})

	outcome, err := svc.Debit(ctx, "u", "fp", 4*mb)
	if err != nil {
		t.Fatalf("Debit should succeed after retries: %v", err)
	}
	if outcome.DebitedBytes != 4*mb {
		t.Fatalf("debited = %d, want %d", outcome.DebitedBytes, 4*mb)
	}

	// Retried debits never double-charge.
	bundles, _ := inner.BundlesFor(ctx, "u")
	if bundles[0].UsedBytes != 4*mb {
		t.Fatalf("bundle used = %d after retries, want %d", bundles[0].UsedBytes, 4*mb)
	}
}

func TestDebitRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory()
	conflicted := &conflictStore{Store: inner, conflicts: 10}
	svc, _ := NewService(Options{Store: conflicted, DebitRetries: 3})

	_ = inner.Put(ctx, model.Bundle{
		ID: "b", Identifier: "u", DeviceScope: model.ScopeAll,
		TotalBytes: 10 * mb, GrantedAt: time.Now(),
	})

	if _, err := svc.Debit(ctx, "u", "fp", mb); err == nil {
		t.Fatal("expected error once retries are exhausted")
	}
}
