package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)

	token, expiresAt, err := tokens.Issue("alice")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	username, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	token, _, err := NewTokens("other", time.Hour).Issue("alice")
	require.NoError(t, err)

	_, err = NewTokens("secret", time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := tokens.Issue("alice")
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyRejectsMissingAndMalformed(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)

	_, err := tokens.Verify("")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = tokens.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc", ""))
	assert.Equal(t, "abc", BearerToken("bearer abc", "zzz"))
	assert.Equal(t, "", BearerToken("Basic abc", ""))
	assert.Equal(t, "q", BearerToken("", "q"))
	assert.Equal(t, "", BearerToken("", ""))
}
