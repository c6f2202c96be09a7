// Package access decides whether a request may reach the network and
// whether it is metered against the quota ledger.
package access

import (
	"context"
	"net"
	"strings"

	"wifi-reward-gateway/internal/domain/ledger"
)

// Verdict classifies a request.
type Verdict string

const (
	// VerdictAllowedUnmetered passes traffic without charging the ledger.
	VerdictAllowedUnmetered Verdict = "ALLOWED_UNMETERED"
	// VerdictMeteredActive passes traffic and meters it.
	VerdictMeteredActive Verdict = "METERED_ACTIVE"
	// VerdictBlockedNoQuota refuses traffic.
	VerdictBlockedNoQuota Verdict = "BLOCKED_NO_QUOTA"
)

// Reason codes accompanying a verdict.
const (
	ReasonOK               = "ok"
	ReasonAllowlisted      = "allowlisted"
	ReasonNoQuota          = "no_quota"
	ReasonNotAuthenticated = "not_authenticated"
	ReasonStoreUnavailable = "store_unavailable"
)

// Decision is the outcome of an access check.
type Decision struct {
	Verdict        Verdict `json:"verdict"`
	ReasonCode     string  `json:"reason_code"`
	RemainingBytes int64   `json:"remaining_bytes"`
}

// Allowed reports whether traffic may flow at all.
func (d Decision) Allowed() bool {
	return d.Verdict != VerdictBlockedNoQuota
}

// Metered reports whether the traffic must be charged.
func (d Decision) Metered() bool {
	return d.Verdict == VerdictMeteredActive
}

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	DebugTag(tag, msg string, args ...interface{})
	WarnTag(tag, msg string, args ...interface{})
}

// Engine evaluates access decisions. Every decision reads a fresh ledger
// snapshot so exhaustion mid-session blocks the very next request.
type Engine struct {
	ledger    *ledger.Service
	logger    Logger
	allowlist []string
}

// NewEngine builds an access engine. Allowlist entries are host suffixes,
// lowercased at construction time.
func NewEngine(ledgerSvc *ledger.Service, logger Logger, allowlist []string) *Engine {
	normalized := make([]string, 0, len(allowlist))
	for _, h := range allowlist {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			normalized = append(normalized, h)
		}
	}
	return &Engine{ledger: ledgerSvc, logger: logger, allowlist: normalized}
}

// Decide classifies one request. An empty identifier means the caller is not
// authenticated; allowlisted hosts still pass so the portal and video CDN
// stay reachable for onboarding.
func (e *Engine) Decide(ctx context.Context, identifier, fingerprint, targetHost string) Decision {
	if e.Allowlisted(targetHost) {
		return Decision{Verdict: VerdictAllowedUnmetered, ReasonCode: ReasonAllowlisted}
	}

	if identifier == "" {
		return Decision{Verdict: VerdictBlockedNoQuota, ReasonCode: ReasonNotAuthenticated}
	}

	summary, err := e.ledger.Remaining(ctx, identifier, fingerprint)
	if err != nil {
		// Fail closed: without a readable ledger nobody gets free traffic.
		if e.logger != nil {
			e.logger.WarnTag("ACCESS", "ledger unavailable, blocking %s: %v", identifier, err)
		}
		return Decision{Verdict: VerdictBlockedNoQuota, ReasonCode: ReasonStoreUnavailable}
	}

	if summary.RemainingBytes <= 0 {
		return Decision{Verdict: VerdictBlockedNoQuota, ReasonCode: ReasonNoQuota}
	}
	return Decision{
		Verdict:        VerdictMeteredActive,
		ReasonCode:     ReasonOK,
		RemainingBytes: summary.RemainingBytes,
	}
}

// Allowlisted reports whether the host matches an allowlist suffix. A port,
// if present, is ignored.
func (e *Engine) Allowlisted(host string) bool {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, suffix := range e.allowlist {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
