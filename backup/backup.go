// Package backup keeps a compressed, best-effort copy of stored files in a
// second bucket.
package backup

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"github.com/relaybox/relay/identity"
)

const (
	// Extension is appended to the storage key of every backup copy.
	Extension = ".zst"

	defaultReadSize = 8 * 1024 * 1024
)

// Source reads the original object.
type Source interface {
	GetObjectRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
}

// Copier streams objects from the primary store through a zstd encoder into
// the backup bucket. It reads the source in ranges so memory stays bounded.
type Copier struct {
	uploader *manager.Uploader
	source   Source
	bucket   string
	readSize int64
	logger   log.Logger
}

// NewCopier ...
func NewCopier(client *s3.Client, bucket string, source Source, logger log.Logger) *Copier {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		u.Concurrency = 2
	})
	return &Copier{
		uploader: uploader,
		source:   source,
		bucket:   bucket,
		readSize: defaultReadSize,
		logger:   logger,
	}
}

// Copy writes the backup of rec and returns its reference.
func (c *Copier) Copy(ctx context.Context, rec identity.FileRecord) (string, error) {
	key := rec.StorageKey + Extension
	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(c.compress(ctx, rec, pw))
	}()

	c.logger.Debugf("Backing up %s (%s) to s3://%s/%s", rec.ID, units.HumanSize(float64(rec.Size)), c.bucket, key)
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String("application/zstd"),
		Metadata: map[string]string{
			identity.MetaID: rec.ID,
			"original-size": strconv.FormatInt(rec.Size, 10),
			"sha256":        rec.SHA256,
		},
	})
	if err != nil {
		_ = pr.CloseWithError(err)
		return "", fmt.Errorf("backup %s: %w", rec.ID, err)
	}
	return Ref(c.bucket, key), nil
}

func (c *Copier) compress(ctx context.Context, rec identity.FileRecord, w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return err
	}

	for offset := int64(0); offset < rec.Size; offset += c.readSize {
		end := min(offset+c.readSize, rec.Size) - 1
		if err := c.copyRange(ctx, enc, rec.StorageKey, offset, end); err != nil {
			enc.Close()
			return err
		}
	}
	return enc.Close()
}

func (c *Copier) copyRange(ctx context.Context, w io.Writer, key string, start, end int64) error {
	body, err := c.source.GetObjectRange(ctx, key, start, end)
	if err != nil {
		return err
	}
	defer func() {
		if err := body.Close(); err != nil {
			c.logger.Debugf("Failed to close %s: %s", key, err)
		}
	}()

	n, err := io.Copy(w, body)
	if err != nil {
		return err
	}
	if want := end - start + 1; n != want {
		return fmt.Errorf("read %d bytes of range %d-%d, expected %d", n, start, end, want)
	}
	return nil
}

// Ref formats the reference of a backup copy.
func Ref(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}
