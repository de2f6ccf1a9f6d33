package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"veridoc/internal/verification"
)

// LedgerAdapter anchors a document hash on the blockchain backend. The
// external handle is the transaction hash; a job completes once the backend
// reports enough confirmations.
type LedgerAdapter struct {
	httpClient
	pollInterval time.Duration
	maxAttempts  int
}

func NewLedgerAdapter(baseURL string, pollInterval time.Duration, maxAttempts int) *LedgerAdapter {
	return &LedgerAdapter{
		httpClient:   newHTTPClient("ledger", baseURL),
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

func (a *LedgerAdapter) Name() verification.Subsystem { return verification.SubsystemLedger }

func (a *LedgerAdapter) PollInterval() time.Duration { return a.pollInterval }

func (a *LedgerAdapter) MaxPollAttempts() int { return a.maxAttempts }

type ledgerSubmitResponse struct {
	TransactionHash string `json:"transactionHash"`
}

func (a *LedgerAdapter) Submit(ctx context.Context, job Job) (string, error) {
	var resp ledgerSubmitResponse
	err := a.postJSON(ctx, "/v1/anchors", map[string]any{
		"documentHash": job.DocumentHash,
		"reference":    job.VerificationID,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.TransactionHash == "" {
		return "", fmt.Errorf("ledger submit returned empty transactionHash")
	}
	return resp.TransactionHash, nil
}

type ledgerJobPayload struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
	BlockNumber     *int64 `json:"blockNumber,omitempty"`
	Confirmations   *int   `json:"confirmations,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (a *LedgerAdapter) Poll(ctx context.Context, externalJobID string) (*JobUpdate, error) {
	var payload ledgerJobPayload
	if err := a.getJSON(ctx, "/v1/anchors/"+externalJobID, &payload); err != nil {
		return nil, err
	}
	payload.TransactionHash = externalJobID
	return payload.toUpdate()
}

func (a *LedgerAdapter) ParseWebhook(raw []byte) (*JobUpdate, error) {
	var payload ledgerJobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode ledger webhook: %w", err)
	}
	if payload.TransactionHash == "" {
		return nil, fmt.Errorf("ledger webhook missing transactionHash")
	}
	return payload.toUpdate()
}

func (p *ledgerJobPayload) toUpdate() (*JobUpdate, error) {
	state, err := normalizeState(p.Status)
	if err != nil {
		return nil, err
	}
	update := &JobUpdate{ExternalJobID: p.TransactionHash, State: state, Err: p.Error}
	if state != JobCompleted {
		return update, nil
	}

	result := map[string]any{"transactionHash": p.TransactionHash}
	if p.BlockNumber != nil {
		result["blockNumber"] = *p.BlockNumber
	}
	if p.Confirmations != nil {
		result["confirmations"] = *p.Confirmations
	}
	update.Result = result
	return update, nil
}
