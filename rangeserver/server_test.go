package rangeserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/melbahja/got"
	"github.com/relaybox/relay/identity"
	"github.com/relaybox/relay/storage"
	"github.com/relaybox/relay/streamurl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "abcdefghijklmnop"

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

type fixture struct {
	store   *storage.MemoryStore
	tokens  *streamurl.TokenBackend
	clock   *fixedClock
	router  *gin.Engine
	payload []byte
}

func newFixture(t *testing.T, store ObjectReader) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &fixedClock{now: time.Now()}
	tokens, err := streamurl.NewTokenBackend([]byte("secret"), "http://relay.test", streamurl.WithTokenTimeProvider(clock))
	require.NoError(t, err)

	mem := storage.NewMemoryStore(0)
	payload := testPayload(1000)
	mem.PutObject(identity.StorageKey(testID), payload, storage.PutOptions{
		ContentType: "video/mp4",
		Metadata:    identity.Metadata(testID, "clip.mp4", clock.now),
	})
	if store == nil {
		store = mem
	}

	router := gin.New()
	NewServer(store, tokens, log.NewLogger()).Register(router)

	return &fixture{store: mem, tokens: tokens, clock: clock, router: router, payload: payload}
}

func (f *fixture) token(t *testing.T, id string, expiry time.Duration) string {
	t.Helper()
	u, _, err := f.tokens.Sign(context.Background(), identity.FileRecord{ID: id}, f.clock.now.Add(expiry))
	require.NoError(t, err)
	return u[len("http://relay.test"):]
}

func (f *fixture) do(method, target, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestStream_PartialContent(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, f.token(t, testID, time.Hour), "bytes=0-99")

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 0-99/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, "inline; filename=clip.mp4", w.Header().Get("Content-Disposition"))
	assert.Equal(t, `"`+storage.PartTag(f.payload)+`"`, w.Header().Get("ETag"))
	assert.Equal(t, f.payload[:100], w.Body.Bytes())
}

func TestStream_Suffix(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, f.token(t, testID, time.Hour), "bytes=-10")

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 990-999/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, f.payload[990:], w.Body.Bytes())
}

func TestStream_FullObject(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, f.token(t, testID, time.Hour), "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Empty(t, w.Header().Get("Content-Range"))
	assert.Equal(t, f.payload, w.Body.Bytes())
}

func TestStream_InvertedRangeServesWholeObject(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, f.token(t, testID, time.Hour), "bytes=500-400")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Get("Content-Range"))
	assert.Equal(t, f.payload, w.Body.Bytes())
}

func TestStream_Head(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodHead, f.token(t, testID, time.Hour), "bytes=100-")

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 100-999/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "900", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.Bytes())
}

func TestStream_RangeErrors(t *testing.T) {
	tests := []struct {
		name string
		rng  string
	}{
		{name: "unsatisfiable", rng: "bytes=2000-"},
		{name: "multiple ranges", rng: "bytes=0-1,4-5"},
		{name: "malformed", rng: "bytes=9-x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			w := f.do(http.MethodGet, f.token(t, testID, time.Hour), tt.rng)

			assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
			assert.Equal(t, "bytes */1000", w.Header().Get("Content-Range"))
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestStream_EmptyObject(t *testing.T) {
	f := newFixture(t, nil)
	const emptyID = "zzzzzzzzzzzzzzzz"
	f.store.PutObject(identity.StorageKey(emptyID), nil, storage.PutOptions{})

	w := f.do(http.MethodGet, f.token(t, emptyID, time.Hour), "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("Content-Length"))
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Body.Bytes())
}

func TestStream_TokenErrors(t *testing.T) {
	f := newFixture(t, nil)

	expired := f.token(t, testID, time.Minute)
	f.clock.now = f.clock.now.Add(time.Hour)
	w := f.do(http.MethodGet, expired, "")
	assert.Equal(t, http.StatusGone, w.Code)

	w = f.do(http.MethodGet, "/stream/"+testID, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	other := f.token(t, "zzzzzzzzzzzzzzzz", time.Hour)
	w = f.do(http.MethodGet, "/stream/"+testID+other[len("/stream/zzzzzzzzzzzzzzzz"):], "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

type countingStore struct {
	ObjectReader
	heads int
	err   error
}

func (s *countingStore) HeadObject(ctx context.Context, key string) (storage.ObjectInfo, error) {
	s.heads++
	if s.err != nil {
		return storage.ObjectInfo{}, s.err
	}
	return s.ObjectReader.HeadObject(ctx, key)
}

func TestStream_ExpiredURLDoesNotTouchTheStore(t *testing.T) {
	store := &countingStore{ObjectReader: storage.NewMemoryStore(0)}
	f := newFixture(t, store)

	expired := f.token(t, testID, time.Minute)
	f.clock.now = f.clock.now.Add(time.Hour)
	w := f.do(http.MethodGet, expired, "")

	assert.Equal(t, http.StatusGone, w.Code)
	assert.Zero(t, store.heads)
}

func TestStream_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, f.token(t, "zzzzzzzzzzzzzzzz", time.Hour), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, f.token(t, "../../etc/passwd", time.Hour), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream_StoreFailure(t *testing.T) {
	store := &countingStore{
		ObjectReader: storage.NewMemoryStore(0),
		err:          &storage.StoreError{Kind: storage.KindThrottled, Op: "head object", Err: errors.New("slow down")},
	}
	f := newFixture(t, store)

	w := f.do(http.MethodGet, f.token(t, testID, time.Hour), "bytes=0-99")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "slow down")
	assert.Equal(t, 1, store.heads)
}

func TestStream_WithoutVerifier(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := storage.NewMemoryStore(0)
	store.PutObject(identity.StorageKey(testID), []byte("hello"), storage.PutOptions{})
	router := gin.New()
	NewServer(store, nil, log.NewLogger()).Register(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/"+testID, nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}

func TestStream_RangeDownloadClient(t *testing.T) {
	f := newFixture(t, nil)
	payload := testPayload(64 * 1024)
	f.store.PutObject(identity.StorageKey(testID), payload, storage.PutOptions{ContentType: "video/mp4"})

	server := httptest.NewServer(f.router)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "clip.mp4")
	dl := got.NewDownload(context.Background(), server.URL+f.token(t, testID, time.Hour), dest)
	dl.Client = server.Client()
	dl.ChunkSize = 4096
	dl.Concurrency = 4

	require.NoError(t, got.New().Do(dl))
	assert.True(t, dl.IsRangeable())

	downloaded, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, downloaded))
}

func TestStream_ClientReadsThroughRanges(t *testing.T) {
	f := newFixture(t, nil)
	server := httptest.NewServer(f.router)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+f.token(t, testID, time.Hour), nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=500-")

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, int64(500), resp.ContentLength)
	assert.Equal(t, f.payload[500:], body)
}
