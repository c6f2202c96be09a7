package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wifi-reward-gateway/internal/domain/identity/model"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis constructs a redis-backed session store.
func NewRedis(cfg Config) (Store, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	opts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "identity:session:"
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisStore{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}, nil
}

func (s *redisStore) key(id string) string {
	return s.prefix + id
}

func (s *redisStore) Put(ctx context.Context, session model.Session) error {
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

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	expiry := s.ttl
	if session.ExpiresAt != nil {
		expiry = time.Until(*session.ExpiresAt)
	}
	return s.client.Set(ctx, s.key(session.SessionID), data, expiry).Err()
}

func (s *redisStore) Get(ctx context.Context, sessionID string) (model.Session, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return model.Session{}, fmt.Errorf("session not found: %s", sessionID)
		}
		return model.Session{}, err
	}
	var session model.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return model.Session{}, err
	}
	if session.Expired(time.Now()) {
		_ = s.Remove(ctx, sessionID)
		return model.Session{}, fmt.Errorf("session expired: %s", sessionID)
	}
	return session, nil
}

func (s *redisStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.LastSeenAt = at
	if s.ttl > 0 {
		exp := at.Add(s.ttl)
		session.ExpiresAt = &exp
	}
	return s.Put(ctx, session)
}

func (s *redisStore) Remove(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

func (s *redisStore) List(ctx context.Context) ([]string, error) {
	var cursor uint64
	ids := make([]string, 0)
	pattern := s.prefix + "*"
	for {
		res, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range res {
			ids = append(ids, strings.TrimPrefix(key, s.prefix))
		}
		if nextCursor == 0 {
			break
		}
		cursor = nextCursor
	}
	return ids, nil
}

func (s *redisStore) CleanupExpired(context.Context) error {
	// Redis handles expiration via TTL.
	return nil
}

func (s *redisStore) Stats(ctx context.Context) (map[string]any, error) {
	size, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":  "redis",
		"total": size,
		"ttl":   int(s.ttl.Seconds()),
	}, nil
}

func (s *redisStore) Close(ctx context.Context) error {
	return s.client.Close()
}
