// Package adapters wraps the three external verification backends behind one
// submit/poll/webhook-parse contract. The orchestrator treats all backends
// identically through it; protocol details stay in here.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"veridoc/internal/verification"
	"veridoc/pkg/platform/circuit"
	"veridoc/pkg/platform/sentinel"
)

// JobState is a backend's view of a submitted job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job carries everything a backend needs to start work on a document.
type Job struct {
	VerificationID string `json:"verificationId"`
	DocumentID     string `json:"documentId"`
	DocumentHash   string `json:"documentHash"`
	FilePath       string `json:"filePath"`
	MimeType       string `json:"mimeType,omitempty"`
	Size           int64  `json:"size,omitempty"`
}

// JobUpdate is the normalized result of a poll or webhook.
type JobUpdate struct {
	ExternalJobID string
	State         JobState
	Result        map[string]any
	Err           string
}

// Adapter is the uniform contract over one external backend.
type Adapter interface {
	// Name returns the sub-system slot this backend fills in the results map.
	Name() verification.Subsystem

	// Submit starts a backend job and returns its opaque external handle.
	Submit(ctx context.Context, job Job) (string, error)

	// Poll reads the backend's current view of a submitted job.
	Poll(ctx context.Context, externalJobID string) (*JobUpdate, error)

	// ParseWebhook normalizes an inbound callback payload.
	ParseWebhook(payload []byte) (*JobUpdate, error)

	// PollInterval is the backend-specific cadence of the fallback poller.
	PollInterval() time.Duration

	// MaxPollAttempts bounds the fallback poller for this backend.
	MaxPollAttempts() int
}

// ErrBackendUnavailable is returned when the circuit for a backend is open or
// the backend cannot be reached. It wraps sentinel.ErrUnavailable so callers
// can match on the infrastructure sentinel without importing this package.
var ErrBackendUnavailable = fmt.Errorf("backend unavailable: %w", sentinel.ErrUnavailable)

// httpClient is the shared transport the three adapters build on: JSON over
// HTTP with a circuit breaker per backend.
type httpClient struct {
	baseURL string
	client  *http.Client
	breaker *circuit.Breaker
}

func newHTTPClient(name, baseURL string) httpClient {
	return httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: circuit.New(name),
	}
}

func (c *httpClient) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), out)
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *httpClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: circuit open for %s", ErrBackendUnavailable, c.breaker.Name())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s returned %d", ErrBackendUnavailable, c.breaker.Name(), resp.StatusCode)
	}
	c.breaker.RecordSuccess()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s rejected request (%d): %s", c.breaker.Name(), resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.breaker.Name(), err)
	}
	return nil
}

// normalizeState maps the statuses the backends use onto JobState.
func normalizeState(raw string) (JobState, error) {
	switch raw {
	case "pending", "processing", "queued", "confirming":
		return JobPending, nil
	case "completed", "confirmed", "pinned":
		return JobCompleted, nil
	case "failed", "rejected", "error":
		return JobFailed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}
