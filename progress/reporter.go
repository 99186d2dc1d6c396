// Package progress turns chunk level byte counts into throttled, human readable updates.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	defaultEmitTimeout = 10 * time.Second
	speedSmoothing     = 0.3
)

// TimeProvider allows injecting time for testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now ...
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since ...
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Emitter publishes updates, for example by editing the status message of a chat.
type Emitter interface {
	Emit(ctx context.Context, u Update) error
}

// EmitterFunc ...
type EmitterFunc func(ctx context.Context, u Update) error

// Emit ...
func (f EmitterFunc) Emit(ctx context.Context, u Update) error {
	return f(ctx, u)
}

type sessionState struct {
	label     string
	startedAt time.Time
	lastEmit  time.Time
	lastSeen  time.Time
	lastMoved int64
	speed     float64
	done      bool
}

// Reporter throttles progress per session: it emits at most one update per
// interval plus exactly one final update.
type Reporter struct {
	interval    time.Duration
	emitter     Emitter
	logger      log.Logger
	clock       TimeProvider
	emitTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// Option ...
type Option func(r *Reporter)

// WithTimeProvider ...
func WithTimeProvider(tp TimeProvider) Option {
	return func(r *Reporter) { r.clock = tp }
}

// NewReporter ...
func NewReporter(interval time.Duration, emitter Emitter, logger log.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		interval:    interval,
		emitter:     emitter,
		logger:      logger,
		clock:       DefaultTimeProvider{},
		emitTimeout: defaultEmitTimeout,
		sessions:    map[string]*sessionState{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track names a session in its updates, for example "Uploading movie.mkv".
func (r *Reporter) Track(sessionID, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(sessionID)
	st.label = label
}

// OnBytes records the bytes moved by a session. The transfer is complete
// once total is known and moved reaches it.
func (r *Reporter) OnBytes(sessionID string, moved, total int64) {
	u, ok := r.observe(sessionID, moved, total)
	if ok {
		r.emit(u)
	}
}

// Fail emits the final update of a session that ended with err, unless the
// session already emitted its final update.
func (r *Reporter) Fail(sessionID string, moved, total int64, err error) {
	r.mu.Lock()
	st := r.state(sessionID)
	if st.done {
		r.mu.Unlock()
		return
	}
	st.done = true
	u := r.update(sessionID, st, moved, total)
	u.Done = true
	u.Err = err.Error()
	r.mu.Unlock()

	r.emit(u)
}

// Forget drops the state of a finished session.
func (r *Reporter) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Reporter) observe(sessionID string, moved, total int64) (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(sessionID)
	if st.done {
		return Update{}, false
	}

	now := r.clock.Now()
	if elapsed := now.Sub(st.lastSeen).Seconds(); elapsed > 0 && moved > st.lastMoved {
		instant := float64(moved-st.lastMoved) / elapsed
		if st.speed == 0 {
			st.speed = instant
		} else {
			st.speed = (1-speedSmoothing)*st.speed + speedSmoothing*instant
		}
	}
	st.lastSeen = now
	st.lastMoved = moved

	complete := total >= 0 && moved >= total
	if !complete && now.Sub(st.lastEmit) < r.interval {
		return Update{}, false
	}

	st.lastEmit = now
	st.done = complete
	u := r.update(sessionID, st, moved, total)
	u.Done = complete
	return u, true
}

func (r *Reporter) state(sessionID string) *sessionState {
	st, ok := r.sessions[sessionID]
	if !ok {
		now := r.clock.Now()
		st = &sessionState{startedAt: now, lastEmit: now, lastSeen: now}
		r.sessions[sessionID] = st
	}
	return st
}

func (r *Reporter) update(sessionID string, st *sessionState, moved, total int64) Update {
	u := Update{
		SessionID: sessionID,
		Label:     st.label,
		Moved:     moved,
		Total:     total,
		Speed:     st.speed,
		Elapsed:   r.clock.Since(st.startedAt),
	}
	if total > 0 && st.speed > 0 && moved < total {
		u.ETA = time.Duration(float64(total-moved) / st.speed * float64(time.Second))
	}
	return u
}

func (r *Reporter) emit(u Update) {
	ctx, cancel := context.WithTimeout(context.Background(), r.emitTimeout)
	defer cancel()

	if err := r.emitter.Emit(ctx, u); err != nil {
		r.logger.Warnf("Failed to publish progress of %s: %s", u.SessionID, err)
	}
}
