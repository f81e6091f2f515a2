package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestVerifyToken(t *testing.T) {
	auth := NewAuthenticator(testSecret)

	token, err := IssueToken(testSecret, 42, time.Minute)
	require.NoError(t, err)

	userID, err := auth.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), userID)
}

func TestVerifyToken_Rejections(t *testing.T) {
	auth := NewAuthenticator(testSecret)

	wrongSecret, err := IssueToken([]byte("other-secret"), 42, time.Minute)
	require.NoError(t, err)

	expired, err := IssueToken(testSecret, 42, -time.Minute)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{Subject: "42"}).SignedString(testSecret)
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   "alice",
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.StandardClaims{
		Subject:   "42",
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"wrong secret": wrongSecret,
		"expired":      expired,
		"no expiry":    noExpiry,
		"bad subject":  badSubject,
		"unsigned":     unsigned,
	} {
		_, err := auth.VerifyToken(token)
		assert.ErrorIs(t, err, ErrAuthenticationFailure, name)
	}
}

func TestAuthenticate_ReadsSubprotocol(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	token, err := IssueToken(testSecret, 7, time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", token)
	userID, echoed, err := auth.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), userID)
	assert.Equal(t, token, echoed)

	_, _, err = auth.Authenticate(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}
