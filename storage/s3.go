package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numHeadRetries = 3
	// MinS3PartSize is the smallest non-final part S3 accepts.
	MinS3PartSize = 5 * 1024 * 1024
	defaultRegion = "us-east-1"
)

// S3Params ...
type S3Params struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// S3Store is a Store backed by an S3-compatible bucket.
type S3Store struct {
	client    *s3.Client
	bucket    string
	headRetry time.Duration
	logger    log.Logger
}

// NewS3Store creates the S3 client for params. The client's connection pool is
// shared by all callers.
func NewS3Store(ctx context.Context, params S3Params, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := LoadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3StoreFromClient(NewS3Client(*cfg, params), params.Bucket, logger), nil
}

// NewS3StoreFromClient ...
func NewS3StoreFromClient(client *s3.Client, bucket string, logger log.Logger) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    bucket,
		headRetry: time.Second,
		logger:    logger,
	}
}

// NewS3Client builds an S3 client that also works with S3-compatible stores:
// a custom endpoint, optional path style addressing and checksums only where
// the API requires them.
func NewS3Client(cfg aws.Config, params S3Params) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
}

// LoadAWSConfig ...
func LoadAWSConfig(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		region = defaultRegion
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// Client exposes the underlying client for presigning and the backup uploader.
func (s *S3Store) Client() *s3.Client {
	return s.client
}

// Bucket ...
func (s *S3Store) Bucket() string {
	return s.bucket
}

// Name ...
func (s *S3Store) Name() string {
	return "s3"
}

// MinPartSize ...
func (s *S3Store) MinPartSize() int64 {
	return MinS3PartSize
}

// InitiateMultipart ...
func (s *S3Store) InitiateMultipart(ctx context.Context, key string, opts PutOptions) (MultipartUpload, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return MultipartUpload{}, classify("initiate multipart", key, err)
	}
	return MultipartUpload{Key: key, UploadID: aws.ToString(out.UploadId)}, nil
}

// UploadPart ...
func (s *S3Store) UploadPart(ctx context.Context, upload MultipartUpload, index int32, body []byte) (CompletedPart, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(upload.Key),
		UploadId:      aws.String(upload.UploadID),
		PartNumber:    aws.Int32(index),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return CompletedPart{}, classify("upload part", upload.Key, err)
	}
	return CompletedPart{Index: index, Tag: aws.ToString(out.ETag)}, nil
}

// CompleteMultipart ...
func (s *S3Store) CompleteMultipart(ctx context.Context, upload MultipartUpload, parts []CompletedPart) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.Tag),
			PartNumber: aws.Int32(p.Index),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(upload.Key),
		UploadId:        aws.String(upload.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", classify("complete multipart", upload.Key, err)
	}
	return NormalizeDigest(aws.ToString(out.ETag)), nil
}

// AbortMultipart ...
func (s *S3Store) AbortMultipart(ctx context.Context, upload MultipartUpload) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(upload.Key),
		UploadId: aws.String(upload.UploadID),
	})
	if err != nil {
		return classify("abort multipart", upload.Key, err)
	}
	return nil
}

// GetObjectRange ...
func (s *S3Store) GetObjectRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return nil, classify("get object", key, err)
	}
	return out.Body, nil
}

// HeadObject retries transient failures. A missing object aborts the retry loop.
func (s *S3Store) HeadObject(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := retry.Times(numHeadRetries).Wait(s.headRetry).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			s.logger.Debugf("Retrying head object %s (attempt %d)", key, attempt)
		}

		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			storeErr := classify("head object", key, err)
			kind, _ := KindOf(storeErr)
			return storeErr, kind == KindNotFound || ctx.Err() != nil
		}

		info = ObjectInfo{
			Key:         key,
			Size:        aws.ToInt64(out.ContentLength),
			Digest:      NormalizeDigest(aws.ToString(out.ETag)),
			ContentType: aws.ToString(out.ContentType),
			Metadata:    out.Metadata,
		}
		return nil, true
	})
	return info, err
}

// DeleteObject ...
func (s *S3Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("delete object", key, err)
	}
	return nil
}

// IsReady ...
func (s *S3Store) IsReady(ctx context.Context) error {
	return retry.Times(numHeadRetries).Wait(s.headRetry).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.bucket),
		})
		if err != nil {
			return classify("head bucket", s.bucket, err), ctx.Err() != nil
		}
		return nil, true
	})
}

var throttleCodes = map[string]bool{
	"SlowDown":                 true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"RequestThrottled":         true,
	"TooManyRequests":          true,
	"TooManyRequestsException": true,
	"ServiceUnavailable":       true,
}

func classify(op, key string, err error) error {
	return &StoreError{Kind: kindOf(err), Op: op, Key: key, Err: err}
}

func kindOf(err error) Kind {
	var (
		notFound     *types.NotFound
		noSuchKey    *types.NoSuchKey
		noSuchUpload *types.NoSuchUpload
	)
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchUpload) {
		return KindNotFound
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch code := apiError.ErrorCode(); {
		case code == "NotFound" || code == "NoSuchKey" || code == "NoSuchUpload":
			return KindNotFound
		case throttleCodes[code]:
			return KindThrottled
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return KindNotFound
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return KindThrottled
		}
	}

	return KindOther
}
