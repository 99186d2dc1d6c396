package files

import (
	"time"

	"github.com/relaybox/relay/identity"
	"github.com/relaybox/relay/relay"
	"github.com/relaybox/relay/streamurl"
	"github.com/relaybox/relay/transfer"
)

// HTTPError ...
type HTTPError struct {
	Error string `json:"error" example:"error message"`
}

// TransferView is the JSON form of a transfer session.
type TransferView struct {
	ID         string    `json:"id"`
	Direction  string    `json:"direction"`
	State      string    `json:"state"`
	Key        string    `json:"key"`
	TotalBytes int64     `json:"total_bytes"`
	BytesMoved int64     `json:"bytes_moved"`
	ChunkSize  int64     `json:"chunk_size"`
	StartedAt  time.Time `json:"started_at"`
}

// UploadResponse ...
type UploadResponse struct {
	File      identity.FileRecord `json:"file"`
	URLs      streamurl.URLs      `json:"urls"`
	Streaming bool                `json:"streaming"`
	Transfer  TransferView        `json:"transfer"`
}

// LinksResponse ...
type LinksResponse struct {
	File      identity.FileRecord `json:"file"`
	URLs      streamurl.URLs      `json:"urls"`
	Streaming bool                `json:"streaming"`
}

// CommandRequest is a chat message forwarded by the messaging side.
type CommandRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text" binding:"required"`
}

// CommandResponse ...
type CommandResponse = relay.Response

func viewOf(s transfer.Snapshot) TransferView {
	return TransferView{
		ID:         s.ID,
		Direction:  s.Direction.String(),
		State:      s.State.String(),
		Key:        s.Key,
		TotalBytes: s.TotalBytes,
		BytesMoved: s.BytesMoved,
		ChunkSize:  s.ChunkSize,
		StartedAt:  s.StartedAt,
	}
}
