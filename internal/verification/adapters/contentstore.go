package adapters

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"veridoc/internal/verification"
)

// ContentStoreAdapter registers a document with the content-addressed storage
// backend. Small uploads pin synchronously; larger ones come back pending and
// resolve via poll or webhook. The external handle is the content address.
type ContentStoreAdapter struct {
	httpClient
	pollInterval time.Duration
	maxAttempts  int
}

func NewContentStoreAdapter(baseURL string, pollInterval time.Duration, maxAttempts int) *ContentStoreAdapter {
	return &ContentStoreAdapter{
		httpClient:   newHTTPClient("content-store", baseURL),
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

func (a *ContentStoreAdapter) Name() verification.Subsystem {
	return verification.SubsystemContentStore
}

func (a *ContentStoreAdapter) PollInterval() time.Duration { return a.pollInterval }

func (a *ContentStoreAdapter) MaxPollAttempts() int { return a.maxAttempts }

// ContentAddress derives the address a document should land at. The backend
// addresses content by the blake2b-256 of its sha256 document hash, so a
// mismatch in the response means the backend stored something else.
func ContentAddress(documentHash string) string {
	sum := blake2b.Sum256([]byte(documentHash))
	return hex.EncodeToString(sum[:])
}

type contentStoreResponse struct {
	Hash   string `json:"hash"`
	Status string `json:"status,omitempty"`
	Size   *int64 `json:"size,omitempty"`
	Pinned *bool  `json:"pinned,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (a *ContentStoreAdapter) Submit(ctx context.Context, job Job) (string, error) {
	var resp contentStoreResponse
	err := a.postJSON(ctx, "/v1/objects", map[string]any{
		"documentHash": job.DocumentHash,
		"filePath":     job.FilePath,
		"size":         job.Size,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Hash == "" {
		return "", fmt.Errorf("content-store submit returned empty hash")
	}
	if expected := ContentAddress(job.DocumentHash); resp.Hash != expected {
		return "", fmt.Errorf("content-store address mismatch: got %s, want %s", resp.Hash, expected)
	}
	return resp.Hash, nil
}

func (a *ContentStoreAdapter) Poll(ctx context.Context, externalJobID string) (*JobUpdate, error) {
	var payload contentStoreResponse
	if err := a.getJSON(ctx, "/v1/objects/"+externalJobID, &payload); err != nil {
		return nil, err
	}
	payload.Hash = externalJobID
	return payload.toUpdate()
}

func (a *ContentStoreAdapter) ParseWebhook(raw []byte) (*JobUpdate, error) {
	var payload contentStoreResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode content-store webhook: %w", err)
	}
	if payload.Hash == "" {
		return nil, fmt.Errorf("content-store webhook missing hash")
	}
	return payload.toUpdate()
}

func (p *contentStoreResponse) toUpdate() (*JobUpdate, error) {
	// Synchronous pins report pinned=true with no status field.
	status := p.Status
	if status == "" {
		if p.Pinned != nil && *p.Pinned {
			status = "pinned"
		} else {
			status = "pending"
		}
	}
	state, err := normalizeState(status)
	if err != nil {
		return nil, err
	}
	update := &JobUpdate{ExternalJobID: p.Hash, State: state, Err: p.Error}
	if state != JobCompleted {
		return update, nil
	}

	result := map[string]any{"hash": p.Hash, "pinned": true}
	if p.Size != nil {
		result["size"] = *p.Size
	}
	update.Result = result
	return update, nil
}
