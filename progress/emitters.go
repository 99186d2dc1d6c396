package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// LogEmitter writes updates to the logger.
type LogEmitter struct {
	Logger log.Logger
}

// Emit ...
func (e LogEmitter) Emit(_ context.Context, u Update) error {
	text := strings.ReplaceAll(u.Text(), "\n", " | ")
	if u.Done {
		e.Logger.Donef("[%s] %s", u.SessionID, text)
	} else {
		e.Logger.Printf("[%s] %s", u.SessionID, text)
	}
	return nil
}

// MultiEmitter publishes to every emitter and joins their errors.
type MultiEmitter []Emitter

// Emit ...
func (m MultiEmitter) Emit(ctx context.Context, u Update) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookEmitter posts updates as JSON to an HTTP endpoint.
type WebhookEmitter struct {
	client *retryablehttp.Client
	url    string
	logger log.Logger
}

// NewWebhookEmitter ...
func NewWebhookEmitter(client *retryablehttp.Client, url string, logger log.Logger) WebhookEmitter {
	return WebhookEmitter{client: client, url: url, logger: logger}
}

// Emit ...
func (e WebhookEmitter) Emit(ctx context.Context, u Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			e.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorResp, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
	}
	return nil
}
