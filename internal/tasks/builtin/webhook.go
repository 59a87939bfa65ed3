// ABOUTME: Queue.Webhook task: POSTs a JSON body with optional HMAC signing via a safeurl client.
// ABOUTME: The http.Client is injected (constructed once at worker startup).
package builtin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/Ansteorra/KMP-sub014/internal/task"
)

// Signature headers set on signed webhook requests.
const (
	HeaderTimestamp = "X-Queue-Timestamp"
	HeaderSignature = "X-Queue-Signature"
)

// WebhookPayload is the payload of Queue.Webhook.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body"`
	Secret  string            `json:"secret"`
	Headers map[string]string `json:"headers"`
}

// deniedHeaders are custom header keys that callers must not override.
var deniedHeaders = map[string]bool{
	"host":              true,
	"content-type":      true,
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
	"x-queue-timestamp": true,
	"x-queue-signature": true,
}

// NewSafeClient returns an SSRF-safe *http.Client for webhook delivery.
// Redirects are not followed; timeout is 10 seconds.
func NewSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// NewWebhook returns Queue.Webhook bound to client.
func NewWebhook(client *http.Client) *task.Definition[WebhookPayload] {
	if client == nil {
		client = NewSafeClient()
	}
	return task.NewDefinition("Webhook", func(ctx context.Context, p WebhookPayload, _ int64) error {
		return PostWebhook(ctx, client, p)
	})
}

// PostWebhook posts p.Body to p.URL and discards the response body. When
// p.Secret is set the request carries an HMAC-SHA256 signature over
// "timestamp.body".
func PostWebhook(ctx context.Context, client *http.Client, p WebhookPayload) error {
	if p.URL == "" {
		return errors.New("webhook: url is required")
	}
	body := []byte(p.Body)
	if len(body) == 0 {
		body = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	for k, v := range p.Headers {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	if p.Secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(p.Secret))
		mac.Write([]byte(ts + "." + string(body)))
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // G104: discard errors are irrelevant

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
