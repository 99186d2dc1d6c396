// Package transport adapts the messaging side of a transfer to chunk reads and writes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// UnknownSize is reported by sources that don't know their total length upfront.
const UnknownSize int64 = -1

// ErrNotSeekable is returned when a stream source is asked to re-read an
// offset it already consumed.
var ErrNotSeekable = errors.New("source can't rewind to the requested offset")

// Source delivers an inbound file.
type Source interface {
	// ReadChunk fills p with the bytes starting at offset. It returns io.EOF,
	// possibly together with n > 0, once the end of the file is reached.
	// A failed call may be repeated with the same offset.
	ReadChunk(ctx context.Context, offset int64, p []byte) (int, error)
	// Size is the total length or UnknownSize.
	Size() int64
}

// Sink accepts an outbound file.
type Sink interface {
	WriteChunk(ctx context.Context, p []byte) error
}

// readBufferSize bounds a single read from a stream source.
const readBufferSize = 32 * 1024

type readResult struct {
	n   int
	err error
}

// StreamSource is a Source over a forward-only reader. Reads run in the
// background so a stalled reader can't outlive the ctx of a ReadChunk call; a
// read that is still pending when ctx ends is picked up by the next call.
type StreamSource struct {
	r      io.Reader
	size   int64
	offset int64

	// buf[head:tail] was read from r but not handed out yet.
	buf        []byte
	head, tail int
	inflight   chan readResult
	err        error
}

// NewStreamSource wraps a forward-only reader. A failed read can only be
// retried at the offset the source stopped at.
func NewStreamSource(r io.Reader, size int64) *StreamSource {
	return &StreamSource{r: r, size: size}
}

// Size ...
func (s *StreamSource) Size() int64 {
	return s.size
}

// ReadChunk ...
func (s *StreamSource) ReadChunk(ctx context.Context, offset int64, p []byte) (int, error) {
	if offset != s.offset {
		return 0, fmt.Errorf("%w: at %d, requested %d", ErrNotSeekable, s.offset, offset)
	}

	n := 0
	for n < len(p) {
		if err := ctx.Err(); err != nil {
			s.offset += int64(n)
			return n, err
		}
		if s.head < s.tail {
			m := copy(p[n:], s.buf[s.head:s.tail])
			s.head += m
			n += m
			continue
		}
		if err := s.takeErr(); err != nil {
			s.offset += int64(n)
			return n, err
		}
		if err := s.fill(ctx); err != nil {
			s.offset += int64(n)
			return n, err
		}
	}
	s.offset += int64(n)
	return n, nil
}

// Peek returns up to n of the upcoming bytes without consuming them. Fewer
// bytes come back when the stream ends first. The slice is only valid until
// the next call on s.
func (s *StreamSource) Peek(ctx context.Context, n int) ([]byte, error) {
	n = min(n, readBufferSize)
	for s.tail-s.head < n && s.err == nil {
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
	}
	head := s.buf[s.head:s.tail]
	if len(head) > n {
		head = head[:n]
	}
	if s.err != nil && !errors.Is(s.err, io.EOF) {
		return head, s.err
	}
	return head, nil
}

// takeErr returns the error of the last read. Only io.EOF is kept, so a
// failed read can be repeated.
func (s *StreamSource) takeErr() error {
	err := s.err
	if !errors.Is(err, io.EOF) {
		s.err = nil
	}
	return err
}

// fill waits for one read from r to land in buf.
func (s *StreamSource) fill(ctx context.Context) error {
	if s.inflight == nil {
		if s.buf == nil {
			s.buf = make([]byte, readBufferSize)
		}
		if s.head > 0 {
			s.tail = copy(s.buf, s.buf[s.head:s.tail])
			s.head = 0
		}
		if s.tail == len(s.buf) {
			return nil
		}

		done := make(chan readResult, 1)
		target := s.buf[s.tail:]
		go func() {
			n, err := s.r.Read(target)
			done <- readResult{n: n, err: err}
		}()
		s.inflight = done
	}

	select {
	case res := <-s.inflight:
		s.inflight = nil
		s.tail += res.n
		s.err = res.err
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type readerAtSource struct {
	r    io.ReaderAt
	size int64
}

// NewReaderAtSource wraps a random access reader. Any chunk can be re-read.
func NewReaderAtSource(r io.ReaderAt, size int64) Source {
	return readerAtSource{r: r, size: size}
}

func (s readerAtSource) Size() int64 {
	return s.size
}

func (s readerAtSource) ReadChunk(ctx context.Context, offset int64, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.size >= 0 && offset+int64(len(p)) > s.size {
		p = p[:max(s.size-offset, 0)]
		n, err := s.r.ReadAt(p, offset)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.r.ReadAt(p, offset)
}

type writerSink struct {
	w io.Writer
}

// NewWriterSink wraps w. Writes to an http.ResponseWriter are flushed after every chunk.
func NewWriterSink(w io.Writer) Sink {
	return writerSink{w: w}
}

func (s writerSink) WriteChunk(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
