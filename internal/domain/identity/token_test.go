package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	tok := NewSessionToken("secret-key")

	raw, err := tok.Generate("user@example.com", "session-1")
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	identifier, sessionID, err := tok.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", identifier)
	assert.Equal(t, "session-1", sessionID)
}

func TestSessionTokenRejectsWrongSecret(t *testing.T) {
	raw, err := NewSessionToken("secret-a").Generate("user@example.com", "session-1")
	require.NoError(t, err)

	_, _, err = NewSessionToken("secret-b").Verify(raw)
	assert.Error(t, err)
}

func TestSessionTokenRejectsExpired(t *testing.T) {
	tok := NewSessionToken("secret-key").WithTTL(time.Millisecond)

	raw, err := tok.Generate("user@example.com", "session-1")
	require.NoError(t, err)

	// exp has one second granularity, so wait past the boundary.
	time.Sleep(1100 * time.Millisecond)

	_, _, err = NewSessionToken("secret-key").Verify(raw)
	assert.Error(t, err)
}

func TestSessionTokenRejectsGarbage(t *testing.T) {
	_, _, err := NewSessionToken("secret-key").Verify("not-a-token")
	assert.Error(t, err)
}
