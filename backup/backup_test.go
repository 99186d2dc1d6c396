package backup

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
	"github.com/relaybox/relay/identity"
	"github.com/relaybox/relay/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bucketServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

func (b *bucketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.objects[r.URL.Path] = body
	b.headers[r.URL.Path] = r.Header.Clone()
	b.mu.Unlock()

	w.Header().Set("ETag", `"etag"`)
	w.WriteHeader(http.StatusOK)
}

func newCopier(t *testing.T, source Source) (*Copier, *bucketServer) {
	t.Helper()

	bucket := &bucketServer{objects: map[string][]byte{}, headers: map[string]http.Header{}}
	server := httptest.NewServer(bucket)
	t.Cleanup(server.Close)

	client := storage.NewS3Client(aws.Config{
		Region:           "us-east-1",
		Credentials:      credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		RetryMaxAttempts: 1,
	}, storage.S3Params{Endpoint: server.URL, PathStyle: true})

	c := NewCopier(client, "backup", source, log.NewLogger())
	c.readSize = 4096
	return c, bucket
}

func decompress(t *testing.T, data []byte) []byte {
	t.Helper()
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	require.NoError(t, err)
	return out
}

func TestCopy(t *testing.T) {
	for _, size := range []int{0, 1, 4096, 20000} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7 % 13)
		}

		source := storage.NewMemoryStore(0)
		rec := identity.FileRecord{
			ID:         "abcdefghijklmnop",
			StorageKey: identity.StorageKey("abcdefghijklmnop"),
			Size:       int64(size),
			SHA256:     "cafe",
		}
		source.PutObject(rec.StorageKey, payload, storage.PutOptions{})

		c, bucket := newCopier(t, source)
		ref, err := c.Copy(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, "s3://backup/files/ab/cd/abcdefghijklmnop.zst", ref)

		stored, ok := bucket.objects["/backup/files/ab/cd/abcdefghijklmnop.zst"]
		require.True(t, ok)
		assert.Equal(t, payload, decompress(t, stored))

		header := bucket.headers["/backup/files/ab/cd/abcdefghijklmnop.zst"]
		assert.Equal(t, "application/zstd", header.Get("Content-Type"))
		assert.Equal(t, "cafe", header.Get("X-Amz-Meta-Sha256"))
	}
}

func TestCopy_SourceFailure(t *testing.T) {
	c, bucket := newCopier(t, storage.NewMemoryStore(0))

	_, err := c.Copy(context.Background(), identity.FileRecord{
		ID:         "abcdefghijklmnop",
		StorageKey: identity.StorageKey("abcdefghijklmnop"),
		Size:       100,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, bucket.objects)
}
