package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// CallbackNotifier delivers the caller's webhook once a verification reaches a
// terminal status. Delivery retries a few times with backoff and then gives
// up; the status endpoint remains the source of truth either way.
type CallbackNotifier struct {
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
}

func NewCallbackNotifier(logger *slog.Logger) *CallbackNotifier {
	return &CallbackNotifier{
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		maxAttempts: 3,
		backoff:     2 * time.Second,
	}
}

// callbackPayload is the contract toward the original caller.
type callbackPayload struct {
	VerificationID string         `json:"verificationId"`
	DocumentID     string         `json:"documentId"`
	Status         string         `json:"status"`
	Results        map[string]any `json:"results,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// Notify posts the terminal event to url. Blocking; callers run it on a
// background goroutine.
func (n *CallbackNotifier) Notify(ctx context.Context, url string, event Event) error {
	payload, err := json.Marshal(callbackPayload{
		VerificationID: event.VerificationID,
		DocumentID:     event.DocumentID,
		Status:         string(event.Status),
		Results:        event.Results,
		CompletedAt:    event.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.backoff * time.Duration(attempt-1)):
			}
		}
		lastErr = n.post(ctx, url, payload)
		if lastErr == nil {
			return nil
		}
		n.logger.WarnContext(ctx, "callback delivery failed",
			"url", url,
			"verification_id", event.VerificationID,
			"attempt", attempt,
			"error", lastErr.Error(),
		)
	}
	return fmt.Errorf("callback to %s failed after %d attempts: %w", url, n.maxAttempts, lastErr)
}

func (n *CallbackNotifier) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}
