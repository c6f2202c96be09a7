package model

import "time"

// Session is a portal login persisted by the session store.
type Session struct {
	SessionID   string         `json:"session_id"`
	Identifier  string         `json:"identifier"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	ClientIP    string         `json:"client_ip,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Active      bool           `json:"active"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Logger provides the minimal logging contract required by the identity domain.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}
