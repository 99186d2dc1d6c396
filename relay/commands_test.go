package relay

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text   string
		want   Request
		wantOK bool
	}{
		{text: "/start", want: Request{Name: "start", Args: []string{}}, wantOK: true},
		{text: "  /Stream   abc  ", want: Request{Name: "stream", Args: []string{"abc"}}, wantOK: true},
		{text: "/stream@relaybot abc def", want: Request{Name: "stream", Args: []string{"abc", "def"}}, wantOK: true},
		{text: "stream abc"},
		{text: "/"},
		{text: ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ParseCommand(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var got Request
	require.NoError(t, r.Register(Command{Name: "Echo"}, HandlerFunc(func(_ context.Context, req Request) (Response, error) {
		got = req
		return Response{Text: strings.Join(req.Args, " ")}, nil
	})))

	resp, err := r.Dispatch(context.Background(), "chat-1", "/echo hello there")
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, "chat-1", got.ChatID)

	assert.ErrorIs(t, r.Register(Command{Name: "echo"}, HandlerFunc(nil)), ErrDuplicateCommand)
	assert.Error(t, r.Register(Command{}, HandlerFunc(nil)))

	_, err = r.Dispatch(context.Background(), "chat-1", "/nope")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = r.Dispatch(context.Background(), "chat-1", "just text")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func newDefaultRegistry(t *testing.T) (*Registry, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := NewRegistry()
	require.NoError(t, RegisterDefaults(r, f.svc))
	return r, f
}

func TestDefaultCommands(t *testing.T) {
	r, f := newDefaultRegistry(t)
	ctx := context.Background()

	names := []string{}
	for _, cmd := range r.Commands() {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"cancel", "download", "help", "start", "stream", "test"}, names)

	resp, err := r.Dispatch(ctx, "c", "/start")
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "4GB")

	resp, err = r.Dispatch(ctx, "c", "/help")
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "/stream <file id> - Get streaming links for a file")
	assert.Contains(t, resp.Text, "/test - Check the storage connection")

	resp, err = r.Dispatch(ctx, "c", "/test")
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Storage connection OK")

	resp, err = r.Dispatch(ctx, "c", "/cancel 123")
	require.NoError(t, err)
	assert.Equal(t, "No running transfer with that id.", resp.Text)

	video, err := f.svc.Ingest(ctx, Inbound{Filename: "clip.mp4", Size: 10, Body: bytes.NewReader(binaryPayload(10))})
	require.NoError(t, err)
	resp, err = r.Dispatch(ctx, "c", "/stream "+video.Record.ID)
	require.NoError(t, err)
	require.Len(t, resp.Buttons, 3)
	assert.Equal(t, "MX Player", resp.Buttons[1].Text)
	assert.True(t, strings.HasPrefix(resp.Buttons[1].URL, "intent://"))
	assert.True(t, strings.HasPrefix(resp.Text, "clip.mp4\n"))

	archive, err := f.svc.Ingest(ctx, Inbound{Filename: "backup.tar", Size: 10, Body: bytes.NewReader(binaryPayload(10))})
	require.NoError(t, err)
	resp, err = r.Dispatch(ctx, "c", "/stream "+archive.Record.ID)
	require.NoError(t, err)
	assert.Len(t, resp.Buttons, 1)
	assert.Contains(t, resp.Text, "not a media file")

	resp, err = r.Dispatch(ctx, "c", "/download "+video.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, video.Record.ID, resp.Deliver)

	_, err = r.Dispatch(ctx, "c", "/download zzzzzzzzzzzzzzzz")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDefaultCommands_Usage(t *testing.T) {
	r, _ := newDefaultRegistry(t)

	for _, text := range []string{"/stream", "/download a b", "/cancel"} {
		_, err := r.Dispatch(context.Background(), "c", text)
		var usageErr *UsageError
		require.ErrorAs(t, err, &usageErr, text)
		assert.True(t, strings.HasPrefix(usageErr.Error(), "usage: /"))
	}
}
