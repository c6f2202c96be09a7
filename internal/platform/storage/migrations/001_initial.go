package migrations

import (
	"gorm.io/gorm"
)

// Migration001Initial creates the ledger-adjacent indexes AutoMigrate does not
// cover and backfills nothing.
type Migration001Initial struct{}

func (m *Migration001Initial) Version() string {
	return "001_initial"
}

func (m *Migration001Initial) Description() string {
	return "Create covering indexes for ledger debit selection and abuse lookups"
}

func (m *Migration001Initial) Up(db *gorm.DB) error {
	// Debit selection always filters by identifier and orders by granted_at, so
	// a composite index keeps the FIFO scan off a full table walk.
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_bundles_fifo ON bundles(identifier, granted_at)`).Error; err != nil {
		return err
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_video_events_count ON video_events(identifier, completed_at)`).Error; err != nil {
		return err
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_admin_audits_created_at ON admin_audits(created_at)`).Error; err != nil {
		return err
	}
	return nil
}

func (m *Migration001Initial) Down(db *gorm.DB) error {
	if err := db.Exec(`DROP INDEX IF EXISTS idx_bundles_fifo`).Error; err != nil {
		return err
	}
	if err := db.Exec(`DROP INDEX IF EXISTS idx_video_events_count`).Error; err != nil {
		return err
	}
	if err := db.Exec(`DROP INDEX IF EXISTS idx_admin_audits_created_at`).Error; err != nil {
		return err
	}
	return nil
}
