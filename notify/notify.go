// Package notify publishes file lifecycle events to a queue.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/relaybox/relay/identity"
)

// EventUploadCompleted is sent once a file is stored and verified.
const EventUploadCompleted = "upload.completed"

// Event ...
type Event struct {
	Type       string    `json:"type"`
	FileID     string    `json:"file_id"`
	StorageKey string    `json:"storage_key"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Digest     string    `json:"etag"`
	SHA256     string    `json:"sha256"`
	BackupRef  string    `json:"backup_ref,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// UploadCompleted builds the event of a stored record.
func UploadCompleted(rec identity.FileRecord, at time.Time) Event {
	return Event{
		Type:       EventUploadCompleted,
		FileID:     rec.ID,
		StorageKey: rec.StorageKey,
		Filename:   rec.Filename,
		MimeType:   rec.MimeType,
		Size:       rec.Size,
		Digest:     rec.Digest,
		SHA256:     rec.SHA256,
		BackupRef:  rec.BackupRef,
		OccurredAt: at.UTC(),
	}
}

// Publisher ...
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish ...
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// SQSAPI is the part of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends events to an SQS queue. FIFO queues are grouped and
// deduplicated by file id.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	logger   log.Logger
}

// NewSQSPublisher ...
func NewSQSPublisher(client SQSAPI, queueURL string, logger log.Logger) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish ...
func (p *SQSPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(event.Type)},
		},
	}
	if strings.HasSuffix(p.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(event.FileID)
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s-%s", event.Type, event.FileID))
	}

	res, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	p.logger.Debugf("Event %s of %s sent, message id: %s", event.Type, event.FileID, aws.ToString(res.MessageId))
	return nil
}
