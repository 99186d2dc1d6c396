package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State of a transfer session.
type State int

const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in progress"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Direction ...
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// Snapshot is a point in time copy of a session.
type Snapshot struct {
	ID          string
	Direction   Direction
	Key         string
	TotalBytes  int64
	BytesMoved  int64
	ChunkSize   int64
	State       State
	UploadToken string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Session is the state of one in-flight transfer. Only the goroutine running
// the transfer mutates it; other goroutines read snapshots or request cancellation.
type Session struct {
	cancelled atomic.Bool

	mu   sync.Mutex
	snap Snapshot
	stop context.CancelFunc
}

// NewSessionID ...
func NewSessionID() string {
	return uuid.NewString()
}

func newSession(id string, direction Direction, key string, total, chunkSize int64) *Session {
	if id == "" {
		id = NewSessionID()
	}
	return &Session{snap: Snapshot{
		ID:         id,
		Direction:  direction,
		Key:        key,
		TotalBytes: total,
		ChunkSize:  chunkSize,
		State:      StatePending,
	}}
}

// ID ...
func (s *Session) ID() string {
	return s.snap.ID
}

// Snapshot ...
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) start(uploadToken string, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.State = StateInProgress
	s.snap.UploadToken = uploadToken
	s.snap.TotalBytes = total
	s.snap.StartedAt = time.Now()
}

func (s *Session) advance(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.BytesMoved += n
	return s.snap.BytesMoved
}

func (s *Session) finish(state State) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.State.Terminal() {
		s.snap.State = state
		s.snap.FinishedAt = time.Now()
	}
	return s.snap
}

// watch derives the context the session runs under. Cancelling the session
// cancels it, interrupting reads and store calls in flight.
func (s *Session) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := context.WithCancel(ctx)

	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	if s.isCancelled() {
		stop()
	}
	return ctx, stop
}

func (s *Session) cancel() {
	s.cancelled.Store(true)

	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (s *Session) isCancelled() bool {
	return s.cancelled.Load()
}
