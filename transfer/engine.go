package transfer

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/relaybox/relay/storage"
	"github.com/relaybox/relay/transport"
)

// UploadRequest describes an inbound file to store under Key.
type UploadRequest struct {
	// SessionID is generated when empty.
	SessionID   string
	Key         string
	Source      transport.Source
	ContentType string
	Metadata    map[string]string
}

// Result describes a finished transfer.
type Result struct {
	Session Snapshot
	Key     string
	Size    int64
	// Digest is the store reported digest of the object.
	Digest string
	// SHA256 is the hex SHA-256 of the transferred content.
	SHA256 string
}

// Engine moves files between the messaging transport and the object store in
// bounded memory chunks. It is safe for concurrent use; each call to Upload or
// Download owns its own session.
type Engine struct {
	store  storage.Store
	cfg    Config
	logger log.Logger
	stats  *Stats

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewEngine ...
func NewEngine(store storage.Store, cfg Config, logger log.Logger) *Engine {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = def.ChunkTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = def.CleanupTimeout
	}
	if cfg.SlowChunkThreshold <= 0 {
		cfg.SlowChunkThreshold = def.SlowChunkThreshold
	}

	return &Engine{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		stats:    newStats(),
		sessions: map[string]*Session{},
	}
}

// ChunkTimeout bounds every chunk operation of the engine.
func (e *Engine) ChunkTimeout() time.Duration {
	return e.cfg.ChunkTimeout
}

// Stats returns the chunk statistics of all sessions.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// Upload streams req.Source into a multipart upload. The object becomes
// visible under req.Key only when every part is stored and the store reported
// digest matches the transferred bytes. Any failure leaves no open upload and
// no object behind.
func (e *Engine) Upload(ctx context.Context, req UploadRequest, observer ProgressObserver) (Result, error) {
	if observer == nil {
		observer = NopObserver
	}

	total := req.Source.Size()
	partSize := PartSize(e.cfg.ChunkSize, e.store.MinPartSize(), total)

	sess, err := e.register(req.SessionID, Upload, req.Key, total, partSize)
	if err != nil {
		return Result{}, err
	}
	defer e.unregister(sess)
	ctx, release := sess.watch(ctx)
	defer release()

	if e.tooLarge(total) {
		return Result{}, e.fail(sess, fmt.Errorf("%w: %s", ErrTooLarge, units.BytesSize(float64(total))))
	}

	e.logger.TDebugf("Starting upload %s to %s (%s parts)", sess.ID(), req.Key, units.BytesSize(float64(partSize)))

	var upload storage.MultipartUpload
	if err := e.retry(ctx, "initiate multipart", func(ctx context.Context) error {
		var err error
		upload, err = e.store.InitiateMultipart(ctx, req.Key, storage.PutOptions{
			ContentType: req.ContentType,
			Metadata:    req.Metadata,
		})
		return err
	}); err != nil {
		return Result{}, e.stop(ctx, sess, err)
	}
	sess.start(upload.UploadID, total)

	bufSize := partSize
	if total >= 0 && total < partSize {
		bufSize = total
	}

	var (
		buf     = make([]byte, bufSize)
		parts   []storage.CompletedPart
		sums    [][]byte
		content = sha256.New()
		offset  int64
	)
	for index := int32(1); ; index++ {
		if sess.isCancelled() {
			return Result{}, e.abortUpload(ctx, sess, upload, ErrTransferAborted)
		}

		started := time.Now()
		n, eof, err := e.readFull(ctx, req.Source, offset, buf)
		if err != nil {
			return Result{}, e.abortUpload(ctx, sess, upload, err)
		}
		if n == 0 && eof && index > 1 {
			break
		}
		chunk := buf[:n]
		if e.tooLarge(offset + int64(n)) {
			return Result{}, e.abortUpload(ctx, sess, upload, ErrTooLarge)
		}

		var part storage.CompletedPart
		if err := e.retry(ctx, "upload part", func(ctx context.Context) error {
			var err error
			part, err = e.store.UploadPart(ctx, upload, index, chunk)
			return err
		}); err != nil {
			return Result{}, e.abortUpload(ctx, sess, upload, err)
		}

		sum := md5.Sum(chunk)
		sums = append(sums, sum[:])
		parts = append(parts, part)
		content.Write(chunk)
		offset += int64(n)

		e.recordChunk(sess, index, time.Since(started), int64(n))
		observer.OnBytes(sess.ID(), sess.advance(int64(n)), total)

		if eof || (total >= 0 && offset >= total) {
			break
		}
	}

	if total >= 0 && offset != total {
		return Result{}, e.abortUpload(ctx, sess, upload, &TransportError{Op: "read", Err: ErrShortRead})
	}
	if sess.isCancelled() {
		return Result{}, e.abortUpload(ctx, sess, upload, ErrTransferAborted)
	}

	if err := e.retry(ctx, "complete multipart", func(ctx context.Context) error {
		_, err := e.store.CompleteMultipart(ctx, upload, parts)
		return err
	}); err != nil {
		return Result{}, e.abortUpload(ctx, sess, upload, err)
	}

	expected := storage.MultipartDigest(sums)
	info, err := e.head(ctx, req.Key)
	if err != nil {
		return Result{}, e.deleteObject(ctx, sess, req.Key, err)
	}
	if storage.NormalizeDigest(info.Digest) != expected || info.Size != offset {
		e.logger.Warnf("Digest mismatch for %s: expected %s (%d bytes), store reported %s (%d bytes)",
			req.Key, expected, offset, info.Digest, info.Size)
		return Result{}, e.deleteObject(ctx, sess, req.Key, ErrDigestMismatch)
	}

	if total < 0 {
		observer.OnBytes(sess.ID(), offset, offset)
	}
	snap := sess.finish(StateCompleted)
	e.logger.TDonef("Uploaded %s (%s, %d parts)", req.Key, units.HumanSizeWithPrecision(float64(offset), 3), len(parts))

	return Result{
		Session: snap,
		Key:     req.Key,
		Size:    offset,
		Digest:  expected,
		SHA256:  hex.EncodeToString(content.Sum(nil)),
	}, nil
}

// Download writes the object stored under key to sink, one chunk at a time.
// Sink write errors are terminal.
func (e *Engine) Download(ctx context.Context, sessionID, key string, sink transport.Sink, observer ProgressObserver) (Result, error) {
	if observer == nil {
		observer = NopObserver
	}

	sess, err := e.register(sessionID, Download, key, transport.UnknownSize, e.cfg.ChunkSize)
	if err != nil {
		return Result{}, err
	}
	defer e.unregister(sess)
	ctx, release := sess.watch(ctx)
	defer release()

	info, err := e.head(ctx, key)
	if err != nil {
		return Result{}, e.stop(ctx, sess, err)
	}
	total := info.Size
	sess.start("", total)

	var (
		buf     = make([]byte, min(e.cfg.ChunkSize, total))
		content = sha256.New()
		offset  int64
		index   int32
	)
	for offset < total {
		index++
		if sess.isCancelled() {
			return Result{}, e.stop(ctx, sess, ErrTransferAborted)
		}

		started := time.Now()
		chunk := buf[:min(e.cfg.ChunkSize, total-offset)]
		if err := e.retry(ctx, "get object range", func(ctx context.Context) error {
			return e.readRange(ctx, key, offset, chunk)
		}); err != nil {
			return Result{}, e.stop(ctx, sess, err)
		}

		writeCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		err := sink.WriteChunk(writeCtx, chunk)
		cancel()
		if err != nil {
			return Result{}, e.stop(ctx, sess, &TransportError{Op: "write", Err: err})
		}

		content.Write(chunk)
		offset += int64(len(chunk))

		e.recordChunk(sess, index, time.Since(started), int64(len(chunk)))
		observer.OnBytes(sess.ID(), sess.advance(int64(len(chunk))), total)
	}

	if total == 0 {
		observer.OnBytes(sess.ID(), 0, 0)
	}
	snap := sess.finish(StateCompleted)
	e.logger.TDonef("Downloaded %s (%s)", key, units.HumanSizeWithPrecision(float64(total), 3))

	return Result{
		Session: snap,
		Key:     key,
		Size:    total,
		Digest:  info.Digest,
		SHA256:  hex.EncodeToString(content.Sum(nil)),
	}, nil
}

// Cancel requests cancellation of a running session. A chunk in flight is
// interrupted and the session ends as aborted.
func (e *Engine) Cancel(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.cancel()
	return nil
}

// Session returns a snapshot of a running session.
func (e *Engine) Session(sessionID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// Active returns snapshots of all running sessions.
func (e *Engine) Active() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snaps := make([]Snapshot, 0, len(e.sessions))
	for _, sess := range e.sessions {
		snaps = append(snaps, sess.Snapshot())
	}
	return snaps
}

// Shutdown stops accepting sessions and waits for the running ones. When ctx
// ends first, the remaining sessions are cancelled and Shutdown waits for them
// to clean up.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	e.logger.Warnf("Cancelling %d running transfer(s)", len(e.sessions))
	for _, sess := range e.sessions {
		sess.cancel()
	}
	e.mu.Unlock()

	<-done
	return ctx.Err()
}

func (e *Engine) register(id string, direction Direction, key string, total, chunkSize int64) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	sess := newSession(id, direction, key, total, chunkSize)
	if _, ok := e.sessions[sess.ID()]; ok {
		return nil, fmt.Errorf("transfer session %s is already running", sess.ID())
	}
	e.sessions[sess.ID()] = sess
	e.wg.Add(1)
	return sess, nil
}

func (e *Engine) unregister(sess *Session) {
	e.mu.Lock()
	delete(e.sessions, sess.ID())
	e.mu.Unlock()
	e.wg.Done()
}

func (e *Engine) tooLarge(size int64) bool {
	return e.cfg.MaxFileSize > 0 && size > e.cfg.MaxFileSize
}

func (e *Engine) recordChunk(sess *Session, index int32, d time.Duration, n int64) {
	if slow, avg := e.stats.slow(d, e.cfg.SlowChunkThreshold); slow {
		e.logger.Warnf("Chunk %d of %s took %s (average %s)", index, sess.ID(), d.Round(time.Millisecond), avg.Round(time.Millisecond))
	}
	e.stats.record(d, n)
}

// readFull fills buf from src starting at offset. It returns eof when the
// source ended, possibly with a partially filled buf.
func (e *Engine) readFull(ctx context.Context, src transport.Source, offset int64, buf []byte) (int, bool, error) {
	filled := 0
	for filled < len(buf) {
		eof := false
		err := e.retry(ctx, "read chunk", func(ctx context.Context) error {
			n, err := src.ReadChunk(ctx, offset+int64(filled), buf[filled:])
			filled += n
			switch {
			case errors.Is(err, io.EOF):
				eof = true
				return nil
			case err != nil:
				return &TransportError{Op: "read", Err: err}
			case n == 0:
				return &TransportError{Op: "read", Err: io.ErrNoProgress}
			}
			return nil
		})
		if err != nil {
			return filled, false, err
		}
		if eof {
			return filled, true, nil
		}
	}
	return filled, false, nil
}

func (e *Engine) readRange(ctx context.Context, key string, offset int64, chunk []byte) error {
	body, err := e.store.GetObjectRange(ctx, key, offset, offset+int64(len(chunk))-1)
	if err != nil {
		return err
	}
	defer func() {
		if err := body.Close(); err != nil {
			e.logger.Debugf("Failed to close range body of %s: %s", key, err)
		}
	}()

	if _, err := io.ReadFull(body, chunk); err != nil {
		return &TransportError{Op: "read range", Err: err}
	}
	return nil
}

func (e *Engine) head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	var info storage.ObjectInfo
	err := e.retry(ctx, "head object", func(ctx context.Context) error {
		var err error
		info, err = e.store.HeadObject(ctx, key)
		return err
	})
	return info, err
}

// stop ends a session that holds no store resources.
func (e *Engine) stop(ctx context.Context, sess *Session, cause error) error {
	if aborted(ctx, cause) {
		return e.finish(sess, StateAborted, ErrTransferAborted)
	}
	return e.fail(sess, cause)
}

func (e *Engine) abortUpload(ctx context.Context, sess *Session, upload storage.MultipartUpload, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
	defer cancel()

	if err := e.store.AbortMultipart(cleanupCtx, upload); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Errorf("Failed to abort multipart upload %s of %s: %s", upload.UploadID, upload.Key, err)
	}
	return e.stop(ctx, sess, cause)
}

func (e *Engine) deleteObject(ctx context.Context, sess *Session, key string, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
	defer cancel()

	if err := e.store.DeleteObject(cleanupCtx, key); err != nil {
		e.logger.Errorf("Failed to delete %s: %s", key, err)
	}
	return e.fail(sess, cause)
}

func (e *Engine) fail(sess *Session, cause error) error {
	return e.finish(sess, StateFailed, cause)
}

func (e *Engine) finish(sess *Session, state State, cause error) error {
	snap := sess.finish(state)
	e.logger.Debugf("%s %s %s: %s", snap.Direction, snap.ID, snap.State, cause)
	return &TransferError{Session: snap, Err: cause}
}

func aborted(ctx context.Context, err error) bool {
	return errors.Is(err, ErrTransferAborted) || errors.Is(ctx.Err(), context.Canceled)
}
