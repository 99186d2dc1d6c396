// Package streamurl builds time bounded, range capable URLs for stored files
// and wraps them in player deep links.
package streamurl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/relaybox/relay/identity"
)

const mxPlayerPackage = "com.mxtech.videoplayer.ad"

var (
	// ErrURLExpired is returned for a URL whose expiry has passed.
	ErrURLExpired = errors.New("url expired")
	// ErrInvalidToken ...
	ErrInvalidToken = errors.New("invalid url token")
)

// URLs are the links handed out for one stored file.
type URLs struct {
	Direct    string    `json:"direct"`
	MXPlayer  string    `json:"mxplayer"`
	VLC       string    `json:"vlc"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Backend signs the direct URL of a record. It returns the moment the URL
// stops being valid, which may be earlier than the requested expiry.
type Backend interface {
	Name() string
	Sign(ctx context.Context, rec identity.FileRecord, expiresAt time.Time) (string, time.Time, error)
}

// Generator ...
type Generator struct {
	backend Backend
	expiry  time.Duration
	clock   identity.TimeProvider
}

// Option ...
type Option func(g *Generator)

// WithTimeProvider ...
func WithTimeProvider(tp identity.TimeProvider) Option {
	return func(g *Generator) { g.clock = tp }
}

// NewGenerator ...
func NewGenerator(backend Backend, expiry time.Duration, opts ...Option) *Generator {
	g := &Generator{
		backend: backend,
		expiry:  expiry,
		clock:   identity.DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Build signs the direct URL of rec and derives the player links from it.
func (g *Generator) Build(ctx context.Context, rec identity.FileRecord) (URLs, error) {
	expiresAt := g.clock.Now().Add(g.expiry)
	direct, validUntil, err := g.backend.Sign(ctx, rec, expiresAt)
	if err != nil {
		return URLs{}, fmt.Errorf("sign %s url for %s: %w", g.backend.Name(), rec.ID, err)
	}
	if validUntil.Before(expiresAt) {
		expiresAt = validUntil
	}

	return URLs{
		Direct:    direct,
		MXPlayer:  MXPlayerURL(direct, rec.MimeType, rec.Filename),
		VLC:       VLCURL(direct),
		ExpiresAt: expiresAt,
	}, nil
}

// MXPlayerURL wraps direct in an Android intent that opens MX Player.
func MXPlayerURL(direct, mimeType, title string) string {
	scheme, rest, ok := strings.Cut(direct, "://")
	if !ok {
		scheme, rest = "https", direct
	}

	var b strings.Builder
	b.WriteString("intent://")
	b.WriteString(rest)
	b.WriteString("#Intent;scheme=")
	b.WriteString(scheme)
	b.WriteString(";package=")
	b.WriteString(mxPlayerPackage)
	b.WriteString(";type=")
	b.WriteString(identity.PlayerType(mimeType))
	if title != "" {
		b.WriteString(";S.title=")
		b.WriteString(url.PathEscape(title))
	}
	b.WriteString(";end")
	return b.String()
}

// VLCURL ...
func VLCURL(direct string) string {
	return "vlc://" + direct
}
