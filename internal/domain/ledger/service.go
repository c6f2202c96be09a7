package ledger

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wifi-reward-gateway/internal/domain/eventbus"
	"wifi-reward-gateway/internal/domain/ledger/model"
	"wifi-reward-gateway/internal/domain/ledger/store"
	platformerrors "wifi-reward-gateway/internal/platform/errors"
)

// ErrInsufficientQuota signals that the eligible remaining capacity cannot
// cover the requested debit. Callers clamp via DebitUpTo instead of
// over-debiting.
var ErrInsufficientQuota = errors.New("insufficient quota")

const (
	defaultDebitRetries = 3
	defaultLockShards   = 64
)

// Logger is the minimal logging surface the service needs.
type Logger interface {
	DebugTag(tag, msg string, args ...interface{})
	InfoTag(tag, msg string, args ...interface{})
	WarnTag(tag, msg string, args ...interface{})
	ErrorTag(tag, msg string, args ...interface{})
}

// Options wires a ledger Service.
type Options struct {
	Store        store.Store
	Logger       Logger
	DebitRetries int
	LockShards   int
}

// Service is the quota ledger: the single source of truth for remaining
// capacity. Grants and debits for one identifier are linearized through a
// sharded identifier lock; different identifiers proceed concurrently.
type Service struct {
	store   store.Store
	logger  Logger
	retries int
	locks   []sync.Mutex
}

// GrantRequest describes a new ledger entry.
type GrantRequest struct {
	Identifier  string
	DeviceScope string
	TotalBytes  int64
	Source      model.Source
	ExpiresAt   *time.Time
	StrictMode  bool
	Metadata    map[string]any
}

// NewService builds the ledger service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger service requires a store")
	}
	retries := opts.DebitRetries
	if retries <= 0 {
		retries = defaultDebitRetries
	}
	shards := opts.LockShards
	if shards <= 0 {
		shards = defaultLockShards
	}
	return &Service{
		store:   opts.Store,
		logger:  opts.Logger,
		retries: retries,
		locks:   make([]sync.Mutex, shards),
	}, nil
}

func (s *Service) lockFor(identifier string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identifier))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// Grant appends a new bundle. Entries are additive and never merged.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (string, error) {
	if req.Identifier == "" {
		return "", platformerrors.New(platformerrors.KindLedger, "grant", "identifier required")
	}
	if req.TotalBytes <= 0 {
		return "", platformerrors.New(platformerrors.KindLedger, "grant", "grant size must be positive")
	}
	if req.DeviceScope == "" {
		req.DeviceScope = model.ScopeAll
	}
	if req.StrictMode && req.DeviceScope == model.ScopeAll {
		return "", platformerrors.New(platformerrors.KindLedger, "grant",
			"strict mode requires a concrete device scope")
	}

	bundle := model.Bundle{
		ID:          uuid.NewString(),
		Identifier:  req.Identifier,
		DeviceScope: req.DeviceScope,
		TotalBytes:  req.TotalBytes,
		Source:      req.Source,
		GrantedAt:   time.Now(),
		ExpiresAt:   req.ExpiresAt,
		StrictMode:  req.StrictMode,
		Metadata:    req.Metadata,
	}

	lock := s.lockFor(req.Identifier)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.Put(ctx, bundle); err != nil {
		return "", platformerrors.Wrap(platformerrors.KindLedger, "grant", "failed to persist bundle", err)
	}

	if s.logger != nil {
		s.logger.InfoTag("LEDGER", "granted %d bytes to %s (source=%s scope=%s)",
			req.TotalBytes, req.Identifier, req.Source, req.DeviceScope)
	}
	eventbus.PublishAsync(eventbus.EventQuotaGranted, eventbus.QuotaEventData{
		Identifier:     req.Identifier,
		BundleID:       bundle.ID,
		Source:         string(req.Source),
		AmountBytes:    req.TotalBytes,
		RemainingBytes: req.TotalBytes,
	})
	return bundle.ID, nil
}

// Remaining aggregates all non-expired bundles eligible for the fingerprint.
// Always a fresh read: callers must not cache the summary across requests.
func (s *Service) Remaining(ctx context.Context, identifier, fingerprint string) (model.Summary, error) {
	bundles, err := s.store.BundlesFor(ctx, identifier)
	if err != nil {
		return model.Summary{}, platformerrors.Wrap(platformerrors.KindLedger, "remaining", "ledger store read failed", err)
	}

	now := time.Now()
	summary := model.Summary{Identifier: identifier, Fingerprint: fingerprint}
	for i := range bundles {
		b := &bundles[i]
		if !b.EligibleFor(fingerprint, now) {
			continue
		}
		summary.TotalBytes += b.TotalBytes
		summary.UsedBytes += b.UsedBytes
		summary.RemainingBytes += b.RemainingBytes()
		summary.Bundles = append(summary.Bundles, model.BundleBalance{
			BundleID:       b.ID,
			Source:         b.Source,
			DeviceScope:    b.DeviceScope,
			TotalBytes:     b.TotalBytes,
			RemainingBytes: b.RemainingBytes(),
			GrantedAt:      b.GrantedAt,
			ExpiresAt:      b.ExpiresAt,
		})
	}
	return summary, nil
}

// Debit charges exactly amountBytes or fails with ErrInsufficientQuota.
func (s *Service) Debit(ctx context.Context, identifier, fingerprint string, amountBytes int64) (model.Outcome, error) {
	return s.debit(ctx, identifier, fingerprint, amountBytes, false)
}

// DebitUpTo charges min(amountBytes, remaining). The metering layer uses it to
// truncate a transfer at the exhaustion boundary instead of over-debiting.
func (s *Service) DebitUpTo(ctx context.Context, identifier, fingerprint string, amountBytes int64) (model.Outcome, error) {
	return s.debit(ctx, identifier, fingerprint, amountBytes, true)
}

func (s *Service) debit(ctx context.Context, identifier, fingerprint string, amountBytes int64, clamp bool) (model.Outcome, error) {
	if amountBytes <= 0 {
		return model.Outcome{}, platformerrors.New(platformerrors.KindLedger, "debit", "debit amount must be positive")
	}

	lock := s.lockFor(identifier)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		outcome, err := s.debitOnce(ctx, identifier, fingerprint, amountBytes, clamp)
		if err == nil {
			s.publishDebit(identifier, fingerprint, outcome)
			return outcome, nil
		}
		if !errors.Is(err, store.ErrWriteConflict) {
			return model.Outcome{}, err
		}
		lastErr = err
		if s.logger != nil {
			s.logger.DebugTag("LEDGER", "debit conflict for %s, retrying (%d/%d)",
				identifier, attempt+1, s.retries)
		}
	}
	return model.Outcome{}, platformerrors.Wrap(platformerrors.KindLedger, "debit",
		"debit retries exhausted", lastErr)
}

// debitOnce computes a FIFO split against a fresh snapshot and applies it
// atomically. Selection order: device-scoped before "all"-scoped, then oldest
// GrantedAt first, so older bundles are never starved.
func (s *Service) debitOnce(ctx context.Context, identifier, fingerprint string, amountBytes int64, clamp bool) (model.Outcome, error) {
	bundles, err := s.store.BundlesFor(ctx, identifier)
	if err != nil {
		return model.Outcome{}, platformerrors.Wrap(platformerrors.KindLedger, "debit", "ledger store read failed", err)
	}

	now := time.Now()
	eligible := bundles[:0]
	for _, b := range bundles {
		if b.EligibleFor(fingerprint, now) && !b.Exhausted() {
			eligible = append(eligible, b)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].DeviceScoped() != eligible[j].DeviceScoped() {
			return eligible[i].DeviceScoped()
		}
		if !eligible[i].GrantedAt.Equal(eligible[j].GrantedAt) {
			return eligible[i].GrantedAt.Before(eligible[j].GrantedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	var available int64
	for i := range eligible {
		available += eligible[i].RemainingBytes()
	}

	toDebit := amountBytes
	if available < amountBytes {
		if !clamp {
			return model.Outcome{}, ErrInsufficientQuota
		}
		toDebit = available
	}
	if toDebit == 0 {
		return model.Outcome{DebitedBytes: 0, RemainingAfter: 0}, nil
	}

	var changes []store.DebitChange
	left := toDebit
	for i := range eligible {
		if left == 0 {
			break
		}
		take := eligible[i].RemainingBytes()
		if take > left {
			take = left
		}
		changes = append(changes, store.DebitChange{
			BundleID:        eligible[i].ID,
			NewUsedBytes:    eligible[i].UsedBytes + take,
			ExpectedVersion: eligible[i].Version,
		})
		left -= take
	}

	if err := s.store.ApplyDebit(ctx, identifier, changes); err != nil {
		if errors.Is(err, store.ErrWriteConflict) {
			return model.Outcome{}, err
		}
		return model.Outcome{}, platformerrors.Wrap(platformerrors.KindLedger, "debit", "ledger store write failed", err)
	}

	return model.Outcome{
		DebitedBytes:   toDebit,
		RemainingAfter: available - toDebit,
	}, nil
}

func (s *Service) publishDebit(identifier, fingerprint string, outcome model.Outcome) {
	if outcome.DebitedBytes == 0 && outcome.RemainingAfter > 0 {
		return
	}
	eventbus.PublishAsync(eventbus.EventQuotaDebited, eventbus.QuotaEventData{
		Identifier:     identifier,
		Fingerprint:    fingerprint,
		AmountBytes:    outcome.DebitedBytes,
		RemainingBytes: outcome.RemainingAfter,
	})
	if outcome.RemainingAfter == 0 {
		eventbus.PublishAsync(eventbus.EventQuotaExhausted, eventbus.QuotaEventData{
			Identifier:     identifier,
			Fingerprint:    fingerprint,
			RemainingBytes: 0,
		})
	}
}

// Close releases the backing store.
func (s *Service) Close(ctx context.Context) error {
	return s.store.Close(ctx)
}
