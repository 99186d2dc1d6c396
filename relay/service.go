// Package relay composes the transfer engine, file identities and streaming
// URLs into the operations the messaging side calls.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/relaybox/relay/identity"
	"github.com/relaybox/relay/notify"
	"github.com/relaybox/relay/progress"
	"github.com/relaybox/relay/storage"
	"github.com/relaybox/relay/streamurl"
	"github.com/relaybox/relay/transfer"
	"github.com/relaybox/relay/transport"
)

// sniffLen is the amount of content mimetype inspects.
const sniffLen = 3072

var (
	// ErrFileNotFound is returned for ids without a stored object.
	ErrFileNotFound = errors.New("file not found")
)

// Backuper keeps a redundant copy of a stored file.
type Backuper interface {
	Copy(ctx context.Context, rec identity.FileRecord) (string, error)
}

// Inbound is a file delivered by the messaging transport.
type Inbound struct {
	// SessionID is generated when empty.
	SessionID string
	Filename  string
	// Size is transport.UnknownSize when the transport doesn't announce it.
	Size int64
	// MimeType is the type declared by the transport, if any.
	MimeType string
	// Seed identifies the file on the transport side.
	Seed string
	Body io.Reader
}

// Stored is the outcome of a successful ingest.
type Stored struct {
	Record  identity.FileRecord `json:"file"`
	URLs    streamurl.URLs      `json:"urls"`
	Session transfer.Snapshot   `json:"-"`
}

// Deps ...
type Deps struct {
	Engine     *transfer.Engine
	Store      storage.Store
	Deriver    *identity.Deriver
	URLs       *streamurl.Generator
	Reporter   *progress.Reporter
	Classifier identity.Classifier
	// Backup and Publisher are optional.
	Backup    Backuper
	Publisher notify.Publisher
	Clock     identity.TimeProvider
	Logger    log.Logger
}

// Service ...
type Service struct {
	engine     *transfer.Engine
	store      storage.Store
	deriver    *identity.Deriver
	urls       *streamurl.Generator
	reporter   *progress.Reporter
	classifier identity.Classifier
	backup     Backuper
	publisher  notify.Publisher
	clock      identity.TimeProvider
	logger     log.Logger
}

// NewService ...
func NewService(deps Deps) *Service {
	s := &Service{
		engine:     deps.Engine,
		store:      deps.Store,
		deriver:    deps.Deriver,
		urls:       deps.URLs,
		reporter:   deps.Reporter,
		classifier: deps.Classifier,
		backup:     deps.Backup,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
	if s.publisher == nil {
		s.publisher = notify.NopPublisher{}
	}
	if s.clock == nil {
		s.clock = identity.DefaultTimeProvider{}
	}
	return s
}

// Ingest stores an inbound file and returns its record and links. The record
// exists only if the upload completed and its digest was verified.
func (s *Service) Ingest(ctx context.Context, in Inbound) (Stored, error) {
	if in.Body == nil {
		return Stored{}, errors.New("inbound file has no body")
	}
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = transfer.NewSessionID()
	}
	filename := cleanFilename(in.Filename)
	s.reporter.Track(sessionID, "Uploading "+filename)

	body := transport.NewStreamSource(in.Body, in.Size)
	sniffCtx, cancel := context.WithTimeout(ctx, s.engine.ChunkTimeout())
	head, err := body.Peek(sniffCtx, sniffLen)
	cancel()
	if err != nil && ctx.Err() == nil {
		err = &transfer.TransportError{Op: "read", Err: err}
		s.failedEarly(sessionID, in.Size, err)
		return Stored{}, err
	}
	mimeType := in.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = identity.DetectMimeType(filename, head)
	}

	id, err := s.deriver.Derive(ctx, identity.Input{
		Filename: filename,
		MimeType: mimeType,
		Size:     in.Size,
		Seed:     in.Seed,
	})
	if err != nil {
		s.failedEarly(sessionID, in.Size, err)
		return Stored{}, err
	}

	createdAt := s.clock.Now()
	observer := newFinalGate(s.reporter)
	res, err := s.engine.Upload(ctx, transfer.UploadRequest{
		SessionID:   sessionID,
		Key:         id.StorageKey,
		Source:      body,
		ContentType: mimeType,
		Metadata:    identity.Metadata(id.ID, filename, createdAt),
	}, observer)
	if err != nil {
		s.failed(sessionID, observer, in.Size, err)
		return Stored{}, err
	}
	s.reporter.OnBytes(sessionID, res.Size, res.Size)
	s.reporter.Forget(sessionID)

	rec := identity.FileRecord{
		ID:         id.ID,
		StorageKey: id.StorageKey,
		Filename:   filename,
		MimeType:   mimeType,
		Size:       res.Size,
		Digest:     res.Digest,
		SHA256:     res.SHA256,
		CreatedAt:  createdAt,
	}
	s.logger.Infof("Stored %s as %s (%s, %s)", filename, rec.ID, units.HumanSize(float64(rec.Size)), mimeType)

	if s.backup != nil {
		if ref, err := s.backup.Copy(ctx, rec); err != nil {
			s.logger.Warnf("Backup of %s failed: %s", rec.ID, err)
		} else {
			rec.BackupRef = ref
		}
	}
	if err := s.publisher.Publish(ctx, notify.UploadCompleted(rec, s.clock.Now())); err != nil {
		s.logger.Warnf("Failed to publish upload of %s: %s", rec.ID, err)
	}

	urls, err := s.urls.Build(ctx, rec)
	if err != nil {
		return Stored{Record: rec, Session: res.Session}, err
	}
	return Stored{Record: rec, URLs: urls, Session: res.Session}, nil
}

// Record returns the record of a stored file.
func (s *Service) Record(ctx context.Context, id string) (identity.FileRecord, error) {
	key, err := identity.KeyForID(id)
	if err != nil {
		return identity.FileRecord{}, fmt.Errorf("%w: %s", ErrFileNotFound, err)
	}
	info, err := s.store.HeadObject(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return identity.FileRecord{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	if err != nil {
		return identity.FileRecord{}, err
	}
	return identity.RecordFromObject(id, info), nil
}

// Links issues fresh streaming URLs for a stored file.
func (s *Service) Links(ctx context.Context, id string) (identity.FileRecord, streamurl.URLs, error) {
	rec, err := s.Record(ctx, id)
	if err != nil {
		return identity.FileRecord{}, streamurl.URLs{}, err
	}
	urls, err := s.urls.Build(ctx, rec)
	if err != nil {
		return rec, streamurl.URLs{}, err
	}
	return rec, urls, nil
}

// Streamable reports whether players can seek in rec.
func (s *Service) Streamable(rec identity.FileRecord) bool {
	return s.classifier.Streamable(rec.MimeType)
}

// Deliver sends a stored file to the transport through sink.
func (s *Service) Deliver(ctx context.Context, sessionID, id string, sink transport.Sink) (transfer.Result, error) {
	if sessionID == "" {
		sessionID = transfer.NewSessionID()
	}
	rec, err := s.Record(ctx, id)
	if err != nil {
		s.reporter.Track(sessionID, "Sending "+id)
		s.failedEarly(sessionID, transport.UnknownSize, err)
		return transfer.Result{}, err
	}

	s.reporter.Track(sessionID, "Sending "+rec.Filename)
	observer := newFinalGate(s.reporter)
	res, err := s.engine.Download(ctx, sessionID, rec.StorageKey, sink, observer)
	if err != nil {
		s.failed(sessionID, observer, rec.Size, err)
		if errors.Is(err, storage.ErrNotFound) {
			return res, fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		return res, err
	}
	s.reporter.OnBytes(sessionID, res.Size, res.Size)
	s.reporter.Forget(sessionID)
	return res, nil
}

// Cancel stops a running transfer at its next chunk boundary.
func (s *Service) Cancel(sessionID string) error {
	return s.engine.Cancel(sessionID)
}

// Active lists the running transfers.
func (s *Service) Active() []transfer.Snapshot {
	return s.engine.Active()
}

// Ping checks the store connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.IsReady(ctx)
}

func (s *Service) failed(sessionID string, observer *finalGate, total int64, err error) {
	moved := observer.moved()
	var transferErr *transfer.TransferError
	if errors.As(err, &transferErr) {
		moved, total = transferErr.Session.BytesMoved, transferErr.Session.TotalBytes
	}
	s.reporter.Fail(sessionID, moved, total, userError(err))
	s.reporter.Forget(sessionID)
}

// failedEarly ends a session that failed before the engine took it over.
func (s *Service) failedEarly(sessionID string, total int64, err error) {
	s.reporter.Fail(sessionID, 0, total, userError(err))
	s.reporter.Forget(sessionID)
}

// userError shortens err to the message shown in the final status update.
func userError(err error) error {
	switch {
	case errors.Is(err, transfer.ErrTransferAborted), errors.Is(err, context.Canceled):
		return errors.New("cancelled")
	case errors.Is(err, transfer.ErrTooLarge):
		return transfer.ErrTooLarge
	case errors.Is(err, transfer.ErrDigestMismatch):
		return errors.New("integrity check failed")
	case errors.Is(err, identity.ErrIdentityExhausted):
		return errors.New("could not allocate a file id")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrFileNotFound):
		return ErrFileNotFound
	}
	return errors.New("transfer failed")
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}
