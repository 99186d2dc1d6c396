package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Kind classifies store failures by how callers should react to them.
type Kind int

const (
	// KindOther is any failure that is neither throttling nor a missing object.
	KindOther Kind = iota
	// KindThrottled is a rate limit or temporary unavailability; safe to retry.
	KindThrottled
	// KindNotFound is a missing object, bucket entry or multipart upload.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindNotFound:
		return "not found"
	default:
		return "other"
	}
}

// StoreError is returned by every Store operation that fails.
type StoreError struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s (%s): %s", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store %s %s (%s): %s", e.Op, e.Key, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

var (
	// ErrNotFound matches every StoreError of KindNotFound via errors.Is.
	ErrNotFound = errors.New("object not found")
	// ErrThrottled matches every StoreError of KindThrottled via errors.Is.
	ErrThrottled = errors.New("store throttled")
)

// Is makes errors.Is(err, ErrNotFound) and errors.Is(err, ErrThrottled) work
// without exposing the concrete type.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrThrottled:
		return e.Kind == KindThrottled
	}
	return false
}

// KindOf returns the Kind of a StoreError in err's chain and false if there is none.
func KindOf(err error) (Kind, bool) {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Kind, true
	}
	return KindOther, false
}

// ObjectInfo is the metadata reported for a finished object.
type ObjectInfo struct {
	Key         string
	Size        int64
	Digest      string
	ContentType string
	Metadata    map[string]string
}

// PutOptions are applied when a multipart upload is initiated.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// MultipartUpload is the handle of an open multipart upload.
type MultipartUpload struct {
	Key      string
	UploadID string
}

// CompletedPart identifies an uploaded part. Index is 1-based.
type CompletedPart struct {
	Index int32
	Tag   string
}

// Store is the object-store boundary. Implementations must be safe for
// concurrent use by multiple transfer sessions.
type Store interface {
	Name() string
	// MinPartSize is the smallest size accepted for every part except the last one.
	MinPartSize() int64
	InitiateMultipart(ctx context.Context, key string, opts PutOptions) (MultipartUpload, error)
	UploadPart(ctx context.Context, upload MultipartUpload, index int32, body []byte) (CompletedPart, error)
	// CompleteMultipart assembles the parts in order and returns the store reported digest.
	CompleteMultipart(ctx context.Context, upload MultipartUpload, parts []CompletedPart) (string, error)
	AbortMultipart(ctx context.Context, upload MultipartUpload) error
	// GetObjectRange reads the inclusive byte range [start, end] of an object.
	GetObjectRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	HeadObject(ctx context.Context, key string) (ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
	// IsReady reports whether the bucket is reachable.
	IsReady(ctx context.Context) error
}

// Header reports the metadata of stored objects.
type Header interface {
	HeadObject(ctx context.Context, key string) (ObjectInfo, error)
}

// Exists reports whether an object is stored under key.
func Exists(ctx context.Context, store Header, key string) (bool, error) {
	_, err := store.HeadObject(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
