package streamurl

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, b *TokenBackend, expiry time.Duration) string {
	t.Helper()

	direct, validUntil, err := b.Sign(context.Background(), testRecord, testNow.Add(expiry))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(expiry), validUntil)

	u, err := url.Parse(direct)
	require.NoError(t, err)
	assert.Equal(t, "/stream/abcdefghijklmnop", u.Path)
	return u.Query().Get("token")
}

func TestTokenBackend_Verify(t *testing.T) {
	clock := &fixedClock{now: testNow}
	b, err := NewTokenBackend([]byte("secret"), "https://relay.example.com", WithTokenTimeProvider(clock))
	require.NoError(t, err)

	token := signedToken(t, b, time.Hour)

	clock.now = testNow.Add(30 * time.Minute)
	assert.NoError(t, b.Verify(token, testRecord.ID))

	assert.ErrorIs(t, b.Verify(token, "zzzzzzzzzzzzzzzz"), ErrInvalidToken)
	assert.ErrorIs(t, b.Verify("", testRecord.ID), ErrInvalidToken)
	assert.ErrorIs(t, b.Verify("not.a.token", testRecord.ID), ErrInvalidToken)
	assert.ErrorIs(t, b.Verify(token[:len(token)-2], testRecord.ID), ErrInvalidToken)

	clock.now = testNow.Add(2 * time.Hour)
	assert.ErrorIs(t, b.Verify(token, testRecord.ID), ErrURLExpired)
}

func TestTokenBackend_RejectsOtherSecretsAndMethods(t *testing.T) {
	clock := &fixedClock{now: testNow}
	b, err := NewTokenBackend([]byte("secret"), "https://relay.example.com", WithTokenTimeProvider(clock))
	require.NoError(t, err)
	other, err := NewTokenBackend([]byte("other"), "https://relay.example.com", WithTokenTimeProvider(clock))
	require.NoError(t, err)

	assert.ErrorIs(t, b.Verify(signedToken(t, other, time.Hour), testRecord.ID), ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   testRecord.ID,
		ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Verify(unsigned, testRecord.ID), ErrInvalidToken)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: testRecord.ID}).SignedString([]byte("secret"))
	require.NoError(t, err)
	assert.ErrorIs(t, b.Verify(noExpiry, testRecord.ID), ErrInvalidToken)
}

func TestNewTokenBackend(t *testing.T) {
	_, err := NewTokenBackend(nil, "https://relay.example.com")
	assert.Error(t, err)

	_, err = NewTokenBackend([]byte("secret"), "not a url")
	assert.Error(t, err)

	b, err := NewTokenBackend([]byte("secret"), "http://localhost:8080")
	require.NoError(t, err)
	direct, _, err := b.Sign(context.Background(), testRecord, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(direct, "http://localhost:8080/stream/abcdefghijklmnop?token="))
}
