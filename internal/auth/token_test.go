// ABOUTME: Tests for JWT bearer token minting and verification.
// ABOUTME: Covers round-trip, expiry, tampering, and algorithm pinning.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-bytes-long!"

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier([]byte(testSecret))

	token, err := v.Mint("cli-user", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "cli-user", sub)
}

func TestVerifier_ExpiredToken(t *testing.T) {
	v := NewVerifier([]byte(testSecret))

	token, err := v.Mint("cli-user", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifier_WrongSecret(t *testing.T) {
	v := NewVerifier([]byte(testSecret))
	other := NewVerifier([]byte("completely-different-secret-value"))

	token, err := other.Mint("cli-user", time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_GarbageToken(t *testing.T) {
	v := NewVerifier([]byte(testSecret))
	_, err := v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsNoneAlgorithm(t *testing.T) {
	v := NewVerifier([]byte(testSecret))

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "attacker"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_MissingSubjectAllowed(t *testing.T) {
	v := NewVerifier([]byte(testSecret))

	bare := jwt.New(jwt.SigningMethodHS256)
	token, err := bare.SignedString([]byte(testSecret))
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Empty(t, sub)
}

func TestVerifier_Enabled(t *testing.T) {
	assert.False(t, NewVerifier(nil).Enabled())
	assert.True(t, NewVerifier([]byte("x")).Enabled())
}
