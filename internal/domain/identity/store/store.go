package store

import (
	"context"
	"time"

	"wifi-reward-gateway/internal/domain/identity/model"
)

// Store defines the behaviour required by the identity resolver.
type Store interface {
	Put(ctx context.Context, session model.Session) error
	Get(ctx context.Context, sessionID string) (model.Session, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Remove(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
	CleanupExpired(ctx context.Context) error
	Stats(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
}

// Config describes the high level store selection parameters.
type Config struct {
	Driver          string
	TTL             time.Duration
	Redis           *RedisConfig
	SQLite          *SQLiteConfig
	Memory          *MemoryConfig
	BackgroundClean bool
}

// MemoryConfig holds in-memory tuning knobs.
type MemoryConfig struct {
	GCInterval time.Duration
}

// SQLiteConfig provides the database dependency.
type SQLiteConfig struct {
	DSN string
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}
