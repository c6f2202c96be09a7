package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wifi-reward-gateway/internal/domain/identity/model"
	"wifi-reward-gateway/internal/platform/storage"

	"gorm.io/gorm"
)

type sqliteStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewSQLite builds a SQLite-backed session store.
func NewSQLite(db *gorm.DB, cfg Config) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	return &sqliteStore{
		db:  db,
		ttl: cfg.TTL,
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, session model.Session) error {
	if session.SessionID == "" {
		return fmt.Errorf("session id required")
	}
	now := time.Now()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	if session.LastSeenAt.IsZero() {
		session.LastSeenAt = session.StartedAt
	}
	if session.ExpiresAt == nil && s.ttl > 0 {
		exp := session.StartedAt.Add(s.ttl)
		session.ExpiresAt = &exp
	}
	meta, _ := json.Marshal(session.Metadata)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", session.SessionID).
			Delete(&storage.SessionRecord{}).Error; err != nil {
			return err
		}
		record := &storage.SessionRecord{
			SessionID:   session.SessionID,
			Identifier:  session.Identifier,
			Fingerprint: session.Fingerprint,
			StartedAt:   session.StartedAt,
			LastSeenAt:  session.LastSeenAt,
			ExpiresAt:   session.ExpiresAt,
			Active:      session.Active,
			Metadata:    meta,
		}
		return tx.Create(record).Error
	})
}

func (s *sqliteStore) Get(ctx context.Context, sessionID string) (model.Session, error) {
	session, err := s.fetch(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if session.Expired(time.Now()) {
		return model.Session{}, fmt.Errorf("session expired: %s", sessionID)
	}
	return session, nil
}

func (s *sqliteStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	updates := map[string]any{"last_seen_at": at}
	if s.ttl > 0 {
		updates["expires_at"] = at.Add(s.ttl)
	}
	res := s.db.WithContext(ctx).
		Model(&storage.SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

func (s *sqliteStore) Remove(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&storage.SessionRecord{}).Error
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	var records []storage.SessionRecord
	if err := s.db.WithContext(ctx).
		Select("session_id", "expires_at").
		Find(&records).Error; err != nil {
		return nil, err
	}
	now := time.Now()
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.ExpiresAt == nil || now.Before(*r.ExpiresAt) {
			ids = append(ids, r.SessionID)
		}
	}
	return ids, nil
}

func (s *sqliteStore) CleanupExpired(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).
		Delete(&storage.SessionRecord{}).
		Error
}

func (s *sqliteStore) Stats(ctx context.Context) (map[string]any, error) {
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&storage.SessionRecord{}).
		Count(&total).Error; err != nil {
		return nil, err
	}
	return map[string]any{
		"type":  "sqlite",
		"total": total,
		"ttl":   int(s.ttl.Seconds()),
	}, nil
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}

func (s *sqliteStore) fetch(ctx context.Context, sessionID string) (model.Session, error) {
	var record storage.SessionRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Session{}, fmt.Errorf("session not found: %s", sessionID)
		}
		return model.Session{}, err
	}
	session := model.Session{
		SessionID:   record.SessionID,
		Identifier:  record.Identifier,
		Fingerprint: record.Fingerprint,
		StartedAt:   record.StartedAt,
		LastSeenAt:  record.LastSeenAt,
		ExpiresAt:   record.ExpiresAt,
		Active:      record.Active,
	}
	if len(record.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(record.Metadata, &meta); err == nil {
			session.Metadata = meta
		}
	}
	return session, nil
}
