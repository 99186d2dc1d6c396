package identity

import (
	"mime"
	"net/url"
	"time"

	"github.com/relaybox/relay/storage"
)

// Object metadata keys written on upload.
const (
	MetaFilename = "filename"
	MetaID       = "file-id"
	MetaCreated  = "created"
)

// FileRecord describes one stored object. Records are only built for objects
// whose upload completed and passed digest verification.
type FileRecord struct {
	ID         string    `json:"id"`
	StorageKey string    `json:"storage_key"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Digest     string    `json:"etag"`
	SHA256     string    `json:"sha256,omitempty"`
	BackupRef  string    `json:"backup_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Metadata returns the object metadata stored alongside the content.
// Values are escaped since S3 only accepts ASCII metadata.
func Metadata(id, filename string, createdAt time.Time) map[string]string {
	return map[string]string{
		MetaID:       id,
		MetaFilename: url.QueryEscape(filename),
		MetaCreated:  createdAt.UTC().Format(time.RFC3339),
	}
}

// RecordFromObject rebuilds the record of id from the stored object.
func RecordFromObject(id string, info storage.ObjectInfo) FileRecord {
	rec := FileRecord{
		ID:         id,
		StorageKey: info.Key,
		MimeType:   info.ContentType,
		Size:       info.Size,
		Digest:     info.Digest,
		Filename:   id,
	}
	if name, err := url.QueryUnescape(info.Metadata[MetaFilename]); err == nil && name != "" {
		rec.Filename = name
	}
	if created, err := time.Parse(time.RFC3339, info.Metadata[MetaCreated]); err == nil {
		rec.CreatedAt = created
	}
	if rec.MimeType == "" {
		rec.MimeType = DetectMimeType(rec.Filename, nil)
	}
	return rec
}

// ContentDisposition renders an inline Content-Disposition for filename.
func ContentDisposition(filename string) string {
	if filename == "" {
		return "inline"
	}
	if v := mime.FormatMediaType("inline", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "inline"
}
