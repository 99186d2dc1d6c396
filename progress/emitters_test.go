package progress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestClient() *retryablehttp.Client {
	client := retryhttp.NewClient(log.NewLogger())
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 5 * time.Millisecond
	client.RetryMax = 2
	return client
}

func TestWebhookEmitter(t *testing.T) {
	var calls atomic.Int32
	var received Update
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	emitter := NewWebhookEmitter(newTestClient(), server.URL, log.NewLogger())
	err := emitter.Emit(context.Background(), Update{SessionID: "s1", Moved: 10, Total: 20})

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "s1", received.SessionID)
	assert.Equal(t, int64(10), received.Moved)
	assert.Equal(t, int64(20), received.Total)
}

func TestWebhookEmitter_ClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad payload"))
	}))
	defer server.Close()

	emitter := NewWebhookEmitter(newTestClient(), server.URL, log.NewLogger())
	err := emitter.Emit(context.Background(), Update{SessionID: "s1"})

	require.Error(t, err)
	assert.Equal(t, "HTTP 400: bad payload", err.Error())
}

func TestLogEmitter(t *testing.T) {
	mockLogger := new(mocks.Logger)
	mockLogger.On("Printf", mock.Anything, mock.Anything, mock.Anything).Return()
	mockLogger.On("Donef", mock.Anything, mock.Anything, mock.Anything).Return()

	emitter := LogEmitter{Logger: mockLogger}
	require.NoError(t, emitter.Emit(context.Background(), Update{SessionID: "s1", Label: "Uploading", Moved: 1, Total: 2}))
	require.NoError(t, emitter.Emit(context.Background(), Update{SessionID: "s1", Moved: 2, Total: 2, Done: true}))

	mockLogger.AssertNumberOfCalls(t, "Printf", 1)
	mockLogger.AssertNumberOfCalls(t, "Donef", 1)
	mockLogger.AssertCalled(t, "Printf", "[%s] %s", "s1", mock.MatchedBy(func(text string) bool {
		return !strings.Contains(text, "\n")
	}))
}

func TestMultiEmitter(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	failing := EmitterFunc(func(context.Context, Update) error { return errors.New("boom") })

	err := MultiEmitter{first, failing, second}.Emit(context.Background(), Update{SessionID: "s1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, first.all(), 1)
	assert.Len(t, second.all(), 1)
}
