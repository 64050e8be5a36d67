// Package webhook posts job failure notifications.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FailurePayload is the JSON body sent when a job keeps failing
type FailurePayload struct {
	JobName      string    `json:"job_name"`
	Command      string    `json:"command"`
	Timestamp    time.Time `json:"timestamp"`
	FailureCount int       `json:"failure_count"`
	LastExitCode int       `json:"last_exit_code"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type Notifier struct {
	webhookURL string
	client     *http.Client
}

// NewNotifier returns a notifier; an empty URL disables it
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

// NotifyFailure posts payload to the webhook URL
func (n *Notifier) NotifyFailure(ctx context.Context, payload FailurePayload) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "procwatch/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
