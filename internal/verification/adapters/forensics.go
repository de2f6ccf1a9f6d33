package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"veridoc/internal/verification"
)

// ForensicsAdapter drives the AI forensic analysis backend. Analysis is the
// slow path: jobs regularly run for minutes while the model processes the
// document, so completion usually arrives by webhook with the poller as
// fallback.
type ForensicsAdapter struct {
	httpClient
	pollInterval time.Duration
	maxAttempts  int
}

func NewForensicsAdapter(baseURL string, pollInterval time.Duration, maxAttempts int) *ForensicsAdapter {
	return &ForensicsAdapter{
		httpClient:   newHTTPClient("forensics", baseURL),
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

func (a *ForensicsAdapter) Name() verification.Subsystem { return verification.SubsystemForensics }

func (a *ForensicsAdapter) PollInterval() time.Duration { return a.pollInterval }

func (a *ForensicsAdapter) MaxPollAttempts() int { return a.maxAttempts }

type forensicsSubmitResponse struct {
	JobID string `json:"jobId"`
}

func (a *ForensicsAdapter) Submit(ctx context.Context, job Job) (string, error) {
	var resp forensicsSubmitResponse
	err := a.postJSON(ctx, "/v1/analyses", map[string]any{
		"documentId":   job.DocumentID,
		"documentHash": job.DocumentHash,
		"filePath":     job.FilePath,
		"mimeType":     job.MimeType,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("forensics submit returned empty jobId")
	}
	return resp.JobID, nil
}

// forensicsJobPayload is shared between poll responses and webhook bodies.
type forensicsJobPayload struct {
	JobID           string         `json:"jobId"`
	Status          string         `json:"status"`
	Confidence      *float64       `json:"confidence,omitempty"`
	IsAuthentic     *bool          `json:"isAuthentic,omitempty"`
	Flags           []string       `json:"flags,omitempty"`
	RiskScore       *float64       `json:"riskScore,omitempty"`
	AnalysisDetails map[string]any `json:"analysisDetails,omitempty"`
	Error           string         `json:"error,omitempty"`
}

func (a *ForensicsAdapter) Poll(ctx context.Context, externalJobID string) (*JobUpdate, error) {
	var payload forensicsJobPayload
	if err := a.getJSON(ctx, "/v1/analyses/"+externalJobID, &payload); err != nil {
		return nil, err
	}
	payload.JobID = externalJobID
	return payload.toUpdate()
}

func (a *ForensicsAdapter) ParseWebhook(raw []byte) (*JobUpdate, error) {
	var payload forensicsJobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode forensics webhook: %w", err)
	}
	if payload.JobID == "" {
		return nil, fmt.Errorf("forensics webhook missing jobId")
	}
	return payload.toUpdate()
}

func (p *forensicsJobPayload) toUpdate() (*JobUpdate, error) {
	state, err := normalizeState(p.Status)
	if err != nil {
		return nil, err
	}
	update := &JobUpdate{ExternalJobID: p.JobID, State: state, Err: p.Error}
	if state != JobCompleted {
		return update, nil
	}

	result := map[string]any{}
	if p.Confidence != nil {
		result["confidence"] = *p.Confidence
		// The model treats anything above 0.5 as authentic unless the
		// backend already decided.
		if p.IsAuthentic != nil {
			result["isAuthentic"] = *p.IsAuthentic
		} else {
			result["isAuthentic"] = *p.Confidence > 0.5
		}
	}
	if p.Flags != nil {
		result["flags"] = p.Flags
	}
	if p.RiskScore != nil {
		result["riskScore"] = *p.RiskScore
	}
	if len(p.AnalysisDetails) > 0 {
		result["analysisDetails"] = p.AnalysisDetails
	}
	update.Result = result
	return update, nil
}
