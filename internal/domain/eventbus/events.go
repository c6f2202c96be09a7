package eventbus

import "time"

// Topic names.
const (
	// Ledger events.
	EventQuotaGranted   = "quota:granted"
	EventQuotaDebited   = "quota:debited"
	EventQuotaExhausted = "quota:exhausted"

	// Reward events.
	EventRewardAccepted  = "reward:accepted"
	EventRewardRejected  = "reward:rejected"
	EventRewardMilestone = "reward:milestone"

	// Session events.
	EventSessionStarted = "session:started"
	EventSessionClosed  = "session:closed"
)

// QuotaEventData accompanies the quota:* topics.
type QuotaEventData struct {
	Identifier     string `json:"identifier"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	BundleID       string `json:"bundle_id,omitempty"`
	Source         string `json:"source,omitempty"`
	AmountBytes    int64  `json:"amount_bytes,omitempty"`
	RemainingBytes int64  `json:"remaining_bytes"`
}

// RewardEventData accompanies the reward:* topics.
type RewardEventData struct {
	Identifier  string `json:"identifier"`
	DeviceID    string `json:"device_id,omitempty"`
	VideoRef    string `json:"video_ref"`
	EarnedBytes int64  `json:"earned_bytes,omitempty"`
	Milestone   int    `json:"milestone,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SessionEventData accompanies the session:* topics.
type SessionEventData struct {
	SessionID   string    `json:"session_id"`
	Identifier  string    `json:"identifier"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	At          time.Time `json:"at"`
}
