package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrTransferAborted is the cause of every session that ended by cancellation.
	ErrTransferAborted = errors.New("transfer aborted")
	// ErrDigestMismatch is returned when the stored object doesn't match the transferred bytes.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrTooLarge is returned for files above the configured maximum size.
	ErrTooLarge = errors.New("file is too large")
	// ErrEngineClosed is returned for transfers started after shutdown began.
	ErrEngineClosed = errors.New("transfer engine is shutting down")
	// ErrSessionNotFound ...
	ErrSessionNotFound = errors.New("transfer session not found")
	// ErrShortRead is returned when the source ends before its announced size.
	ErrShortRead = errors.New("source ended before the announced size")
)

// TransportError is a read or write failure on the messaging side.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TransferError is the terminal error of a session. It carries the last
// state of the session for diagnostics.
type TransferError struct {
	Session Snapshot
	Err     error
}

func (e *TransferError) Error() string {
	s := e.Session
	return fmt.Sprintf("%s %s %s after %d/%d bytes: %s", s.Direction, s.ID, s.State, s.BytesMoved, s.TotalBytes, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
