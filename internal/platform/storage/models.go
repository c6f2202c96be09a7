package storage

import (
	"time"

	"gorm.io/datatypes"
)

// UserRecord is a portal account. Identifier is a normalized email or phone.
type UserRecord struct {
	ID           uint      `gorm:"primaryKey"`
	Identifier   string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Salt         string    `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UserRecord) TableName() string {
	return "users"
}

// DeviceRecord registers a device fingerprint the first time it is seen.
// Fingerprints are only meaningful per identifier, never globally.
type DeviceRecord struct {
	ID          uint      `gorm:"primaryKey"`
	Identifier  string    `gorm:"index:idx_device_owner,unique;not null"`
	Fingerprint string    `gorm:"index:idx_device_owner,unique;not null"`
	RouterID    string
	UserAgent   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

func (DeviceRecord) TableName() string {
	return "devices"
}

// BundleRecord is a quota ledger entry. Never deleted: exhausted and expired
// bundles stay for audit. Version supports optimistic debits.
type BundleRecord struct {
	ID          string     `gorm:"primaryKey"`
	Identifier  string     `gorm:"index;not null"`
	DeviceScope string     `gorm:"not null;default:'all'"`
	TotalBytes  int64      `gorm:"not null"`
	UsedBytes   int64      `gorm:"not null;default:0"`
	Source      string     `gorm:"index;not null"`
	GrantedAt   time.Time  `gorm:"index;not null"`
	ExpiresAt   *time.Time
	StrictMode  bool           `gorm:"not null;default:false"`
	Version     int64          `gorm:"not null;default:0"`
	Metadata    datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (BundleRecord) TableName() string {
	return "bundles"
}

// VideoEventRecord is an immutable completion event. DedupeKey enforces the
// identifier+videoRef+time-bucket replay guard at the storage level.
type VideoEventRecord struct {
	ID           uint      `gorm:"primaryKey"`
	Identifier   string    `gorm:"index;not null"`
	DeviceID     string
	VideoRef     string    `gorm:"not null"`
	CompletedAt  time.Time `gorm:"not null"`
	WatchSeconds int       `gorm:"not null"`
	DedupeKey    string    `gorm:"uniqueIndex;not null"`
}

func (VideoEventRecord) TableName() string {
	return "video_events"
}

// MilestoneGrantRecord marks a milestone threshold as paid out for an
// identifier. The unique index makes milestone grants exactly-once even under
// concurrent completions.
type MilestoneGrantRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Identifier string    `gorm:"index:idx_milestone_once,unique;not null"`
	Threshold  int       `gorm:"index:idx_milestone_once,unique;not null"`
	BundleID   string    `gorm:"not null"`
	GrantedAt  time.Time `gorm:"not null"`
}

func (MilestoneGrantRecord) TableName() string {
	return "milestone_grants"
}

// SessionRecord backs the sqlite session store.
type SessionRecord struct {
	ID          uint      `gorm:"primaryKey"`
	SessionID   string    `gorm:"uniqueIndex;not null"`
	Identifier  string    `gorm:"index;not null"`
	Fingerprint string
	StartedAt   time.Time
	LastSeenAt  time.Time
	ExpiresAt   *time.Time
	Active      bool           `gorm:"not null;default:true"`
	Metadata    datatypes.JSON `gorm:"type:json"`
}

func (SessionRecord) TableName() string {
	return "sessions"
}

// AdminAuditRecord captures every out-of-band grant or adjustment. Manual
// corrections go through the same audited path as normal grants.
type AdminAuditRecord struct {
	ID          uint      `gorm:"primaryKey"`
	Actor       string    `gorm:"not null"`
	Action      string    `gorm:"not null"`
	Identifier  string    `gorm:"index;not null"`
	DeviceScope string
	AmountBytes int64
	Reason      string `gorm:"type:text"`
	BundleID    string
	CreatedAt   time.Time
}

func (AdminAuditRecord) TableName() string {
	return "admin_audits"
}
