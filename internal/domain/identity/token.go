package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionToken signs and verifies the JWT handed to portal clients. Claims
// carry the identifier and the session id so the resolver can cross-check the
// session store.
type SessionToken struct {
	secretKey []byte
	ttl       time.Duration
}

// NewSessionToken builds a token helper using the provided secret.
func NewSessionToken(secretKey string) *SessionToken {
	return &SessionToken{
		secretKey: []byte(secretKey),
		ttl:       24 * time.Hour,
	}
}

// WithTTL allows customising the expiration duration.
func (st *SessionToken) WithTTL(ttl time.Duration) *SessionToken {
	if ttl > 0 {
		st.ttl = ttl
	}
	return st
}

// Generate issues a JWT for the identifier and session pair.
func (st *SessionToken) Generate(identifier, sessionID string) (string, error) {
	if st == nil || len(st.secretKey) == 0 {
		return "", errors.New("session token secret is empty")
	}
	if identifier == "" || sessionID == "" {
		return "", errors.New("identifier and session id required")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": identifier,
		"sid": sessionID,
		"exp": now.Add(st.ttl).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(st.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the JWT and extracts the identifier and session id.
func (st *SessionToken) Verify(tokenString string) (identifier, sessionID string, err error) {
	if st == nil || len(st.secretKey) == 0 {
		return "", "", errors.New("session token secret is empty")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return st.secretKey, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid claims")
	}
	identifier, ok = claims["sub"].(string)
	if !ok || identifier == "" {
		return "", "", errors.New("invalid sub claim")
	}
	sessionID, ok = claims["sid"].(string)
	if !ok || sessionID == "" {
		return "", "", errors.New("invalid sid claim")
	}
	return identifier, sessionID, nil
}
