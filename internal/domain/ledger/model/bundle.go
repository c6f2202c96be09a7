package model

import (
	"time"
)

// MB is the byte size of one megabyte as exposed at API edges. The ledger
// itself accounts in bytes.
const MB int64 = 1 << 20

// ScopeAll marks a bundle usable by any device of its identifier.
const ScopeAll = "all"

// Source identifies how a bundle came to exist.
type Source string

const (
	SourcePurchase   Source = "purchase"
	SourceVideo      Source = "video"
	SourceMilestone  Source = "milestone"
	SourceAdminGrant Source = "admin-grant"
)

// Bundle is a single quota ledger entry. Bundles are additive: grants never
// merge entries, debits never delete them.
type Bundle struct {
	ID          string
	Identifier  string
	DeviceScope string
	TotalBytes  int64
	UsedBytes   int64
	Source      Source
	GrantedAt   time.Time
	ExpiresAt   *time.Time
	StrictMode  bool
	Version     int64
	Metadata    map[string]any
}

// RemainingBytes reports the undepleted capacity.
func (b *Bundle) RemainingBytes() int64 {
	return b.TotalBytes - b.UsedBytes
}

// Exhausted reports whether every byte has been debited.
func (b *Bundle) Exhausted() bool {
	return b.RemainingBytes() <= 0
}

// Expired reports whether the bundle has passed its expiry. Expired bundles
// stay in the ledger for audit but never take part in remaining or debit.
func (b *Bundle) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// EligibleFor reports whether the bundle may serve the given fingerprint at
// the given instant. Device-scoped and strict bundles bind to exactly one
// fingerprint; "all"-scoped bundles serve any device of the identifier.
func (b *Bundle) EligibleFor(fingerprint string, now time.Time) bool {
	if b.Expired(now) {
		return false
	}
	if b.DeviceScope == ScopeAll && !b.StrictMode {
		return true
	}
	return b.DeviceScope == fingerprint
}

// DeviceScoped reports whether the bundle binds to a single fingerprint.
func (b *Bundle) DeviceScoped() bool {
	return b.DeviceScope != ScopeAll || b.StrictMode
}

// Summary aggregates the eligible bundles of one identifier+device pair.
type Summary struct {
	Identifier     string          `json:"identifier"`
	Fingerprint    string          `json:"fingerprint"`
	TotalBytes     int64           `json:"total_bytes"`
	UsedBytes      int64           `json:"used_bytes"`
	RemainingBytes int64           `json:"remaining_bytes"`
	Bundles        []BundleBalance `json:"bundles"`
}

// RemainingMB reports the remaining capacity in megabytes.
func (s *Summary) RemainingMB() float64 {
	return float64(s.RemainingBytes) / float64(MB)
}

// BundleBalance is the per-bundle breakdown inside a Summary.
type BundleBalance struct {
	BundleID       string     `json:"bundle_id"`
	Source         Source     `json:"source"`
	DeviceScope    string     `json:"device_scope"`
	TotalBytes     int64      `json:"total_bytes"`
	RemainingBytes int64      `json:"remaining_bytes"`
	GrantedAt      time.Time  `json:"granted_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Outcome reports the result of a debit.
type Outcome struct {
	DebitedBytes   int64
	RemainingAfter int64
}
