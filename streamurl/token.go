package streamurl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/relaybox/relay/identity"
)

// TokenBackend points URLs at the range server and signs them with an HS256
// token carrying the file id and the expiry.
type TokenBackend struct {
	secret  []byte
	baseURL string
	clock   identity.TimeProvider
}

// TokenOption ...
type TokenOption func(b *TokenBackend)

// WithTokenTimeProvider ...
func WithTokenTimeProvider(tp identity.TimeProvider) TokenOption {
	return func(b *TokenBackend) { b.clock = tp }
}

// NewTokenBackend ...
func NewTokenBackend(secret []byte, baseURL string, opts ...TokenOption) (*TokenBackend, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret must not be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	b := &TokenBackend{
		secret:  secret,
		baseURL: baseURL,
		clock:   identity.DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name ...
func (b *TokenBackend) Name() string {
	return "server"
}

// Sign ...
func (b *TokenBackend) Sign(_ context.Context, rec identity.FileRecord, expiresAt time.Time) (string, time.Time, error) {
	exp := jwt.NewNumericDate(expiresAt)
	claims := jwt.RegisteredClaims{
		Subject:   rec.ID,
		IssuedAt:  jwt.NewNumericDate(b.clock.Now()),
		ExpiresAt: exp,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	direct := fmt.Sprintf("%s/stream/%s?token=%s", b.baseURL, url.PathEscape(rec.ID), url.QueryEscape(token))
	return direct, exp.Time, nil
}

// Verify checks that token was issued for id and has not expired.
func (b *TokenBackend) Verify(token, id string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return b.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.clock.Now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrURLExpired
	case err != nil:
		return fmt.Errorf("%w: %s", ErrInvalidToken, err)
	case claims.Subject != id:
		return fmt.Errorf("%w: issued for another file", ErrInvalidToken)
	}
	return nil
}
