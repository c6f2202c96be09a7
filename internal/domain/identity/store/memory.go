package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wifi-reward-gateway/internal/domain/identity/model"
)

type memoryStore struct {
	items       map[string]model.Session
	mutex       sync.RWMutex
	ttl         time.Duration
	cleanupFreq time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewMemory builds an in-memory session store.
func NewMemory(cfg Config) Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cleanup := 5 * time.Minute
	if cfg.Memory != nil && cfg.Memory.GCInterval > 0 {
		cleanup = cfg.Memory.GCInterval
	}
	s := &memoryStore{
		items:       make(map[string]model.Session),
		ttl:         ttl,
		cleanupFreq: cleanup,
		stop:        make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

func (s *memoryStore) gcLoop() {
	ticker := time.NewTicker(s.cleanupFreq)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.CleanupExpired(context.Background())
		case <-s.stop:
			return
		}
	}
}

func (s *memoryStore) Put(_ context.Context, session model.Session) error {
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
		exp := now.Add(s.ttl)
		session.ExpiresAt = &exp
	}

	s.mutex.Lock()
	s.items[session.SessionID] = session
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Get(_ context.Context, sessionID string) (model.Session, error) {
	s.mutex.RLock()
	session, ok := s.items[sessionID]
	s.mutex.RUnlock()
	if !ok {
		return model.Session{}, fmt.Errorf("session not found: %s", sessionID)
	}
	if session.Expired(time.Now()) {
		return model.Session{}, fmt.Errorf("session expired: %s", sessionID)
	}
	return session, nil
}

func (s *memoryStore) Touch(_ context.Context, sessionID string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	session, ok := s.items[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.LastSeenAt = at
	if s.ttl > 0 {
		exp := at.Add(s.ttl)
		session.ExpiresAt = &exp
	}
	s.items[sessionID] = session
	return nil
}

func (s *memoryStore) Remove(_ context.Context, sessionID string) error {
	s.mutex.Lock()
	delete(s.items, sessionID)
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]string, error) {
	now := time.Now()
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := make([]string, 0, len(s.items))
	for id, session := range s.items {
		if !session.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memoryStore) CleanupExpired(_ context.Context) error {
	now := time.Now()
	s.mutex.Lock()
	for id, session := range s.items {
		if session.Expired(now) {
			delete(s.items, id)
		}
	}
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Stats(_ context.Context) (map[string]any, error) {
	now := time.Now()
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	total := len(s.items)
	active := 0
	for _, session := range s.items {
		if !session.Expired(now) {
			active++
		}
	}
	return map[string]any{
		"type":        "memory",
		"total":       total,
		"active":      active,
		"ttl_seconds": int(s.ttl.Seconds()),
	}, nil
}

func (s *memoryStore) Close(_ context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return nil
}
