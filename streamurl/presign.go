package streamurl

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/relaybox/relay/identity"
)

// MaxPresignExpiry is the longest validity S3 accepts for a presigned URL.
const MaxPresignExpiry = 7 * 24 * time.Hour

// PresignBackend hands out store-native presigned GET URLs. S3 serves range
// requests on them directly.
type PresignBackend struct {
	client *s3.PresignClient
	bucket string
	clock  identity.TimeProvider
}

// NewPresignBackend ...
func NewPresignBackend(client *s3.Client, bucket string) *PresignBackend {
	return &PresignBackend{
		client: s3.NewPresignClient(client),
		bucket: bucket,
		clock:  identity.DefaultTimeProvider{},
	}
}

// Name ...
func (b *PresignBackend) Name() string {
	return "presign"
}

// Sign ...
func (b *PresignBackend) Sign(ctx context.Context, rec identity.FileRecord, expiresAt time.Time) (string, time.Time, error) {
	now := b.clock.Now()
	expires := min(expiresAt.Sub(now), MaxPresignExpiry)

	input := &s3.GetObjectInput{
		Bucket:                     aws.String(b.bucket),
		Key:                        aws.String(rec.StorageKey),
		ResponseContentDisposition: aws.String(identity.ContentDisposition(rec.Filename)),
	}
	if rec.MimeType != "" {
		input.ResponseContentType = aws.String(rec.MimeType)
	}

	req, err := b.client.PresignGetObject(ctx, input, s3.WithPresignExpires(expires))
	if err != nil {
		return "", time.Time{}, err
	}
	return req.URL, now.Add(expires), nil
}
