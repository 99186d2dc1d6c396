package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryObject struct {
	data        []byte
	digest      string
	contentType string
	metadata    map[string]string
}

type pendingUpload struct {
	key   string
	opts  PutOptions
	parts map[int32][]byte
}

// MemoryStore keeps objects in process memory. It enforces the multipart rules
// of S3 (part ordering, minimum part size, matching tags) so it can stand in
// for a real bucket in development and tests.
type MemoryStore struct {
	minPartSize int64

	mu      sync.Mutex
	objects map[string]memoryObject
	uploads map[string]*pendingUpload
}

// NewMemoryStore creates an empty store. A minPartSize of 0 disables the
// part size check.
func NewMemoryStore(minPartSize int64) *MemoryStore {
	return &MemoryStore{
		minPartSize: minPartSize,
		objects:     map[string]memoryObject{},
		uploads:     map[string]*pendingUpload{},
	}
}

// Name ...
func (m *MemoryStore) Name() string {
	return "memory"
}

// MinPartSize ...
func (m *MemoryStore) MinPartSize() int64 {
	return m.minPartSize
}

// InitiateMultipart ...
func (m *MemoryStore) InitiateMultipart(_ context.Context, key string, opts PutOptions) (MultipartUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.uploads[id] = &pendingUpload{key: key, opts: opts, parts: map[int32][]byte{}}
	return MultipartUpload{Key: key, UploadID: id}, nil
}

// UploadPart ...
func (m *MemoryStore) UploadPart(_ context.Context, upload MultipartUpload, index int32, body []byte) (CompletedPart, error) {
	if index < 1 {
		return CompletedPart{}, &StoreError{Kind: KindOther, Op: "upload part", Key: upload.Key, Err: fmt.Errorf("invalid part number %d", index)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.uploads[upload.UploadID]
	if !ok {
		return CompletedPart{}, &StoreError{Kind: KindNotFound, Op: "upload part", Key: upload.Key, Err: errors.New("no such upload")}
	}
	pending.parts[index] = bytes.Clone(body)
	return CompletedPart{Index: index, Tag: `"` + PartTag(body) + `"`}, nil
}

// CompleteMultipart ...
func (m *MemoryStore) CompleteMultipart(_ context.Context, upload MultipartUpload, parts []CompletedPart) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fail := func(kind Kind, err error) (string, error) {
		return "", &StoreError{Kind: kind, Op: "complete multipart", Key: upload.Key, Err: err}
	}

	pending, ok := m.uploads[upload.UploadID]
	if !ok {
		return fail(KindNotFound, errors.New("no such upload"))
	}
	if len(parts) == 0 {
		return fail(KindOther, errors.New("at least one part is required"))
	}

	data := []byte{}
	var sums [][]byte
	for i, part := range parts {
		if i > 0 && part.Index <= parts[i-1].Index {
			return fail(KindOther, errors.New("parts must be in ascending order"))
		}
		body, ok := pending.parts[part.Index]
		if !ok {
			return fail(KindOther, fmt.Errorf("part %d was not uploaded", part.Index))
		}
		if NormalizeDigest(part.Tag) != PartTag(body) {
			return fail(KindOther, fmt.Errorf("part %d tag mismatch", part.Index))
		}
		if i < len(parts)-1 && int64(len(body)) < m.minPartSize {
			return fail(KindOther, fmt.Errorf("part %d is smaller than the minimum allowed size", part.Index))
		}
		sum := md5.Sum(body)
		sums = append(sums, sum[:])
		data = append(data, body...)
	}

	digest := MultipartDigest(sums)
	m.objects[upload.Key] = memoryObject{
		data:        data,
		digest:      digest,
		contentType: pending.opts.ContentType,
		metadata:    pending.opts.Metadata,
	}
	delete(m.uploads, upload.UploadID)
	return digest, nil
}

// AbortMultipart ...
func (m *MemoryStore) AbortMultipart(_ context.Context, upload MultipartUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.uploads[upload.UploadID]; !ok {
		return &StoreError{Kind: KindNotFound, Op: "abort multipart", Key: upload.Key, Err: errors.New("no such upload")}
	}
	delete(m.uploads, upload.UploadID)
	return nil
}

// GetObjectRange ...
func (m *MemoryStore) GetObjectRange(_ context.Context, key string, start, end int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, &StoreError{Kind: KindNotFound, Op: "get object", Key: key, Err: errors.New("no such key")}
	}
	size := int64(len(obj.data))
	if start < 0 || start > end || start >= size {
		return nil, &StoreError{Kind: KindOther, Op: "get object", Key: key, Err: fmt.Errorf("invalid range %d-%d for size %d", start, end, size)}
	}
	if end >= size {
		end = size - 1
	}
	return io.NopCloser(bytes.NewReader(obj.data[start : end+1])), nil
}

// HeadObject ...
func (m *MemoryStore) HeadObject(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, &StoreError{Kind: KindNotFound, Op: "head object", Key: key, Err: errors.New("no such key")}
	}
	return ObjectInfo{
		Key:         key,
		Size:        int64(len(obj.data)),
		Digest:      obj.digest,
		ContentType: obj.contentType,
		Metadata:    obj.metadata,
	}, nil
}

// DeleteObject ...
func (m *MemoryStore) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

// IsReady ...
func (m *MemoryStore) IsReady(context.Context) error {
	return nil
}

// PutObject stores data directly, bypassing the multipart protocol.
func (m *MemoryStore) PutObject(key string, data []byte, opts PutOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = memoryObject{
		data:        bytes.Clone(data),
		digest:      PartTag(data),
		contentType: opts.ContentType,
		metadata:    opts.Metadata,
	}
}

// Object returns a copy of the stored data.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// PendingUploads lists the multipart uploads that were neither completed nor aborted.
func (m *MemoryStore) PendingUploads() []MultipartUpload {
	m.mu.Lock()
	defer m.mu.Unlock()

	uploads := make([]MultipartUpload, 0, len(m.uploads))
	for id, pending := range m.uploads {
		uploads = append(uploads, MultipartUpload{Key: pending.key, UploadID: id})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].UploadID < uploads[j].UploadID })
	return uploads
}
