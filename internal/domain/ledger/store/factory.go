package store

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// New selects a ledger store backend from configuration.
func New(cfg Config, db *gorm.DB) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(db)
	default:
		return nil, fmt.Errorf("unsupported ledger store driver: %s", cfg.Driver)
	}
}
