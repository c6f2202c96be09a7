// Package identity resolves requests to a stable user identifier and device
// fingerprint, and owns portal accounts and sessions.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wifi-reward-gateway/internal/domain/eventbus"
	"wifi-reward-gateway/internal/domain/identity/model"
	"wifi-reward-gateway/internal/domain/identity/store"
	platformerrors "wifi-reward-gateway/internal/platform/errors"
	"wifi-reward-gateway/internal/platform/storage"
)

type (
	// Session re-exports the shared identity entity for callers.
	Session = model.Session
	// Logger re-exports the logging interface used across the domain.
	Logger = model.Logger
)

// ErrUnauthenticated is returned when no identity can be resolved for a
// request. Callers map it to a portal redirect.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrInvalidCredentials is returned by Login for a wrong identifier or
// password pair.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrIdentifierTaken is returned by Register when the identifier already has
// an account.
var ErrIdentifierTaken = errors.New("identifier already registered")

// ErrInvalidRegistration is returned by Register for malformed input, such as
// an empty identifier or a too-short password.
var ErrInvalidRegistration = errors.New("invalid registration")

const (
	defaultCleanupInterval = 10 * time.Minute
	minCleanupInterval     = 30 * time.Second
)

// RequestContext carries the request attributes the resolver works from.
type RequestContext struct {
	ClientIP     string
	RouterID     string
	UserAgent    string
	SessionToken string
	ClientToken  string
}

// Identity is the resolved subject of a request.
type Identity struct {
	Identifier        string
	DeviceFingerprint string
}

// Options encapsulates the dependencies required to construct a Resolver.
type Options struct {
	Store           store.Store
	Logger          Logger
	DB              *gorm.DB
	Token           *SessionToken
	RouterID        string
	SessionTTL      time.Duration
	CleanupInterval time.Duration
}

// Resolver coordinates accounts, sessions and the device registry.
type Resolver struct {
	store      store.Store
	logger     Logger
	db         *gorm.DB
	token      *SessionToken
	routerID   string
	sessionTTL time.Duration

	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupOnce     sync.Once
}

// NewResolver wires a Resolver using the supplied options.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, errors.New("identity resolver requires a session store")
	}
	if opts.Logger == nil {
		return nil, errors.New("identity resolver requires a logger")
	}
	if opts.Token == nil {
		return nil, errors.New("identity resolver requires a session token helper")
	}
	if opts.DB == nil {
		return nil, errors.New("identity resolver requires the database handle")
	}
	sessionTTL := opts.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	cleanupInterval := opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	} else if cleanupInterval < minCleanupInterval {
		opts.Logger.Warn("cleanup interval too small, adjusting to minimum %v", minCleanupInterval)
		cleanupInterval = minCleanupInterval
	}

	r := &Resolver{
		store:           opts.Store,
		logger:          opts.Logger,
		db:              opts.DB,
		token:           opts.Token,
		routerID:        opts.RouterID,
		sessionTTL:      sessionTTL,
		cleanupInterval: cleanupInterval,
		cleanupStop:     make(chan struct{}),
	}
	go r.cleanupLoop()
	return r, nil
}

func (r *Resolver) cleanupLoop() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.store.CleanupExpired(context.Background()); err != nil {
				r.logger.Warn("session cleanup failed: %v", err)
			}
		case <-r.cleanupStop:
			return
		}
	}
}

// Register creates a portal account. Identifier is a normalized email or
// phone number.
func (r *Resolver) Register(ctx context.Context, identifier, password string) error {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return platformerrors.Wrap(platformerrors.KindIdentity, "register",
			"identifier required", ErrInvalidRegistration)
	}
	if len(password) < 6 {
		return platformerrors.Wrap(platformerrors.KindIdentity, "register",
			"password must be at least 6 characters", ErrInvalidRegistration)
	}

	salt, err := randomHex(16)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindIdentity, "register",
			"failed to generate salt", err)
	}
	record := storage.UserRecord{
		Identifier:   identifier,
		PasswordHash: hashPassword(salt, password),
		Salt:         salt,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return platformerrors.Wrap(platformerrors.KindIdentity, "register",
				"duplicate account", ErrIdentifierTaken)
		}
		return platformerrors.Wrap(platformerrors.KindIdentity, "register",
			"failed to create user", err)
	}
	r.logger.Info("registered account %s", identifier)
	return nil
}

// Login validates credentials and opens a session. It returns the signed JWT
// alongside the stored session.
func (r *Resolver) Login(ctx context.Context, identifier, password string, rc RequestContext) (string, Session, error) {
	identifier = normalizeIdentifier(identifier)

	var user storage.UserRecord
	err := r.db.WithContext(ctx).Where("identifier = ?", identifier).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", Session{}, ErrInvalidCredentials
		}
		return "", Session{}, platformerrors.Wrap(platformerrors.KindIdentity, "login",
			"failed to load user", err)
	}
	if hashPassword(user.Salt, password) != user.PasswordHash {
		return "", Session{}, ErrInvalidCredentials
	}

	fingerprint := r.fingerprintFor(rc)
	now := time.Now()
	session := Session{
		SessionID:   uuid.NewString(),
		Identifier:  identifier,
		Fingerprint: fingerprint,
		ClientIP:    rc.ClientIP,
		StartedAt:   now,
		LastSeenAt:  now,
		Active:      true,
	}
	if err := r.store.Put(ctx, session); err != nil {
		return "", Session{}, platformerrors.Wrap(platformerrors.KindIdentity, "login",
			"failed to persist session", err)
	}
	r.upsertDevice(ctx, identifier, fingerprint, rc)

	signed, err := r.token.Generate(identifier, session.SessionID)
	if err != nil {
		return "", Session{}, platformerrors.Wrap(platformerrors.KindIdentity, "login",
			"failed to issue token", err)
	}

	r.logger.Info("session %s opened for %s", session.SessionID, identifier)
	eventbus.PublishAsync(eventbus.EventSessionStarted, eventbus.SessionEventData{
		SessionID:   session.SessionID,
		Identifier:  identifier,
		Fingerprint: fingerprint,
		At:          now,
	})
	return signed, session, nil
}

// Logout tears the session down.
func (r *Resolver) Logout(ctx context.Context, tokenString string) error {
	identifier, sessionID, err := r.token.Verify(tokenString)
	if err != nil {
		return ErrUnauthenticated
	}
	if err := r.store.Remove(ctx, sessionID); err != nil {
		return platformerrors.Wrap(platformerrors.KindIdentity, "logout",
			"failed to remove session", err)
	}
	r.logger.Info("session %s closed for %s", sessionID, identifier)
	eventbus.PublishAsync(eventbus.EventSessionClosed, eventbus.SessionEventData{
		SessionID:  sessionID,
		Identifier: identifier,
		At:         time.Now(),
	})
	return nil
}

// Resolve maps a request onto an identity. A valid session token resolves to
// its identifier; anything else is ErrUnauthenticated. First-seen device
// fingerprints are registered as a side effect.
func (r *Resolver) Resolve(ctx context.Context, rc RequestContext) (Identity, error) {
	if rc.SessionToken == "" {
		return Identity{}, ErrUnauthenticated
	}
	identifier, sessionID, err := r.token.Verify(rc.SessionToken)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	session, err := r.store.Get(ctx, sessionID)
	if err != nil || !session.Active || session.Identifier != identifier {
		return Identity{}, ErrUnauthenticated
	}

	fingerprint := r.fingerprintFor(rc)
	r.upsertDevice(ctx, identifier, fingerprint, rc)
	return Identity{Identifier: identifier, DeviceFingerprint: fingerprint}, nil
}

// Ping refreshes the session's LastSeenAt and returns the stored session.
func (r *Resolver) Ping(ctx context.Context, tokenString string) (Session, error) {
	_, sessionID, err := r.token.Verify(tokenString)
	if err != nil {
		return Session{}, ErrUnauthenticated
	}
	if err := r.store.Touch(ctx, sessionID, time.Now()); err != nil {
		return Session{}, ErrUnauthenticated
	}
	return r.store.Get(ctx, sessionID)
}

// Sessions lists active session ids, for the admin surface.
func (r *Resolver) Sessions(ctx context.Context) ([]string, error) {
	return r.store.List(ctx)
}

// Stats exposes session store statistics.
func (r *Resolver) Stats(ctx context.Context) (map[string]any, error) {
	return r.store.Stats(ctx)
}

// Close stops the cleanup loop and releases the store.
func (r *Resolver) Close(ctx context.Context) error {
	r.cleanupOnce.Do(func() {
		close(r.cleanupStop)
	})
	return r.store.Close(ctx)
}

func (r *Resolver) fingerprintFor(rc RequestContext) string {
	routerID := rc.RouterID
	if routerID == "" {
		routerID = r.routerID
	}
	return Fingerprint(rc.UserAgent, routerID, rc.ClientToken)
}

// upsertDevice records a fingerprint the first time it is seen and bumps
// LastSeenAt afterwards. Failures are logged, never fatal.
func (r *Resolver) upsertDevice(ctx context.Context, identifier, fingerprint string, rc RequestContext) {
	now := time.Now()
	record := storage.DeviceRecord{
		Identifier:  identifier,
		Fingerprint: fingerprint,
		RouterID:    rc.RouterID,
		UserAgent:   rc.UserAgent,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}, {Name: "fingerprint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at": now}),
	}).Create(&record).Error
	if err != nil {
		r.logger.Warn("device upsert failed for %s: %v", identifier, err)
	}
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func hashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

func randomHex(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(strings.ToLower(err.Error()), "duplicate")
}
