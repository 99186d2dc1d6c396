package streamurl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaybox/relay/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

var testRecord = identity.FileRecord{
	ID:         "abcdefghijklmnop",
	StorageKey: identity.StorageKey("abcdefghijklmnop"),
	Filename:   "Big Buck Bunny.mp4",
	MimeType:   "video/mp4",
	Size:       1000,
}

type stubBackend struct {
	validFor time.Duration
	err      error
}

func (b stubBackend) Name() string { return "stub" }

func (b stubBackend) Sign(_ context.Context, rec identity.FileRecord, expiresAt time.Time) (string, time.Time, error) {
	if b.err != nil {
		return "", time.Time{}, b.err
	}
	validUntil := expiresAt
	if b.validFor > 0 {
		validUntil = testNow.Add(b.validFor)
	}
	return "https://cdn.example.com/stream/" + rec.ID + "?sig=x", validUntil, nil
}

func TestGenerator_Build(t *testing.T) {
	g := NewGenerator(stubBackend{}, 24*time.Hour, WithTimeProvider(&fixedClock{now: testNow}))

	urls, err := g.Build(context.Background(), testRecord)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/stream/abcdefghijklmnop?sig=x", urls.Direct)
	assert.Equal(t, "vlc://https://cdn.example.com/stream/abcdefghijklmnop?sig=x", urls.VLC)
	assert.Equal(t,
		"intent://cdn.example.com/stream/abcdefghijklmnop?sig=x#Intent;scheme=https;package=com.mxtech.videoplayer.ad;type=video/*;S.title=Big%20Buck%20Bunny.mp4;end",
		urls.MXPlayer)
	assert.Equal(t, testNow.Add(24*time.Hour), urls.ExpiresAt)
}

func TestGenerator_ShorterBackendExpiryWins(t *testing.T) {
	g := NewGenerator(stubBackend{validFor: time.Hour}, 24*time.Hour, WithTimeProvider(&fixedClock{now: testNow}))

	urls, err := g.Build(context.Background(), testRecord)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour), urls.ExpiresAt)
}

func TestGenerator_BackendError(t *testing.T) {
	g := NewGenerator(stubBackend{err: errors.New("no credentials")}, time.Hour)

	_, err := g.Build(context.Background(), testRecord)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sign stub url for abcdefghijklmnop")
}

func TestPlayerURLs(t *testing.T) {
	tests := []struct {
		name     string
		direct   string
		mimeType string
		title    string
		wantMX   string
	}{
		{
			name:     "audio",
			direct:   "http://localhost:8080/stream/id?token=t",
			mimeType: "audio/mpeg",
			title:    "song.mp3",
			wantMX:   "intent://localhost:8080/stream/id?token=t#Intent;scheme=http;package=com.mxtech.videoplayer.ad;type=audio/*;S.title=song.mp3;end",
		},
		{
			name:     "no title",
			direct:   "https://h/p",
			mimeType: "application/octet-stream",
			wantMX:   "intent://h/p#Intent;scheme=https;package=com.mxtech.videoplayer.ad;type=video/*;end",
		},
		{
			name:     "no scheme",
			direct:   "h/p",
			mimeType: "video/mp4",
			wantMX:   "intent://h/p#Intent;scheme=https;package=com.mxtech.videoplayer.ad;type=video/*;end",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMX, MXPlayerURL(tt.direct, tt.mimeType, tt.title))
			assert.Equal(t, "vlc://"+tt.direct, VLCURL(tt.direct))
		})
	}
}
