package identity

import (
	"testing"
	"time"

	"github.com/relaybox/relay/storage"
	"github.com/stretchr/testify/assert"
)

func TestRecordFromObject(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	meta := Metadata("abcdefghijklmnop", "Películas/ep 1.mkv", created)

	rec := RecordFromObject("abcdefghijklmnop", storage.ObjectInfo{
		Key:      StorageKey("abcdefghijklmnop"),
		Size:     42,
		Digest:   "0123-2",
		Metadata: meta,
	})

	assert.Equal(t, "Películas/ep 1.mkv", rec.Filename)
	assert.Equal(t, "video/x-matroska", rec.MimeType)
	assert.Equal(t, "files/ab/cd/abcdefghijklmnop", rec.StorageKey)
	assert.Equal(t, int64(42), rec.Size)
	assert.Equal(t, created, rec.CreatedAt)
	for _, v := range meta {
		for _, r := range v {
			assert.Less(t, r, rune(128), "metadata must be ASCII: %q", v)
		}
	}
}

func TestRecordFromObject_MissingMetadata(t *testing.T) {
	rec := RecordFromObject("abcdefghijklmnop", storage.ObjectInfo{Key: "k", ContentType: "audio/mpeg"})

	assert.Equal(t, "abcdefghijklmnop", rec.Filename)
	assert.Equal(t, "audio/mpeg", rec.MimeType)
	assert.True(t, rec.CreatedAt.IsZero())
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, "inline", ContentDisposition(""))
	assert.Equal(t, `inline; filename=movie.mp4`, ContentDisposition("movie.mp4"))
	assert.Equal(t, `inline; filename="my movie.mp4"`, ContentDisposition("my movie.mp4"))
	assert.Equal(t, `inline; filename*=utf-8''%C3%A9t%C3%A9.mp3`, ContentDisposition("été.mp3"))
}
