package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wifi-reward-gateway/internal/platform/storage/migrations"
)

// Global database instance shared by the stores.
var db *gorm.DB

// InitDatabase opens the SQLite database under dataDir and runs migrations.
func InitDatabase(dataDir string) error {
	if db != nil {
		return nil
	}
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "gateway.db")

	opened, err := Open(dbPath)
	if err != nil {
		return err
	}
	db = opened
	return nil
}

// Open opens a gorm SQLite handle for the given DSN and prepares the schema.
// Used directly by tests with in-memory DSNs.
func Open(dsn string) (*gorm.DB, error) {
	handle, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Prepare(handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// Prepare migrates the schema on an already opened handle.
func Prepare(handle *gorm.DB) error {
	if err := handle.AutoMigrate(
		&UserRecord{},
		&DeviceRecord{},
		&BundleRecord{},
		&VideoEventRecord{},
		&MilestoneGrantRecord{},
		&SessionRecord{},
		&AdminAuditRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	manager := NewMigrationManager(handle)
	manager.AddMigration(&migrations.Migration001Initial{})

	if err := manager.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// GetDB returns the global database instance.
func GetDB() *gorm.DB {
	if db == nil {
		panic("database not initialized, call InitDatabase() first")
	}
	return db
}
