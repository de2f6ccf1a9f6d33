// Package verification defines the core verification entity and its status
// machine. All mutation goes through the orchestrator's UpdateStatus; nothing
// here writes state.
package verification

import (
	"time"

	"github.com/google/uuid"
)

// Status of a verification. Transitions are monotonic:
// PENDING → IN_PROGRESS → {COMPLETED | FAILED | CANCELLED}; there is no
// transition out of a terminal status.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next preserves monotonicity.
// Same-status writes are allowed so partial results can merge mid-flight.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return true
	case StatusInProgress:
		return next != StatusPending
	default:
		return false
	}
}

// Type selects which backend sub-systems a verification runs.
type Type string

const (
	TypeForensics    Type = "FORENSICS"
	TypeLedger       Type = "LEDGER"
	TypeContentStore Type = "CONTENT_STORE"
	TypeHybrid       Type = "HYBRID"
	TypeManual       Type = "MANUAL"
)

// Valid reports whether t is a known verification type.
func (t Type) Valid() bool {
	switch t {
	case TypeForensics, TypeLedger, TypeContentStore, TypeHybrid, TypeManual:
		return true
	}
	return false
}

// Subsystems returns the backend sub-systems the type requires, in dispatch
// order. HYBRID runs storage and anchoring before forensics: those steps are
// comparatively fast, idempotent register operations, and should be attempted
// even when forensic analysis is slow or down.
func (t Type) Subsystems() []Subsystem {
	switch t {
	case TypeForensics:
		return []Subsystem{SubsystemForensics}
	case TypeLedger:
		return []Subsystem{SubsystemLedger}
	case TypeContentStore:
		return []Subsystem{SubsystemContentStore}
	case TypeHybrid:
		return []Subsystem{SubsystemContentStore, SubsystemLedger, SubsystemForensics}
	default:
		return nil
	}
}

// Priority orders work when the admission cap queues verifications.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Subsystem names one backend's slot in the results map.
type Subsystem string

const (
	SubsystemForensics    Subsystem = "forensics"
	SubsystemLedger       Subsystem = "ledger"
	SubsystemContentStore Subsystem = "contentStore"
)

// SubsystemResult is one backend's contribution to a verification.
type SubsystemResult struct {
	Status     string         `json:"status"` // completed | failed
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// Succeeded reports whether the sub-system produced a usable result.
func (r *SubsystemResult) Succeeded() bool {
	return r != nil && r.Error == "" && r.Status == "completed"
}

// Results accumulates sub-system outputs keyed by sub-system.
type Results map[Subsystem]*SubsystemResult

// Merge folds partial into a copy of r. A sub-system key already holding data
// is never replaced by an empty payload, and no recorded key is ever dropped.
func (r Results) Merge(partial Results) Results {
	merged := make(Results, len(r)+len(partial))
	for k, v := range r {
		merged[k] = v
	}
	for k, incoming := range partial {
		if incoming == nil {
			continue
		}
		existing := merged[k]
		if existing != nil && len(existing.Data) > 0 && len(incoming.Data) == 0 && incoming.Error == "" {
			continue
		}
		merged[k] = incoming
	}
	return merged
}

// AnySucceeded reports whether at least one sub-system completed.
func (r Results) AnySucceeded() bool {
	for _, res := range r {
		if res.Succeeded() {
			return true
		}
	}
	return false
}

// ToMap converts results into a plain map for event payloads and the document
// store contract.
func (r Results) ToMap() map[string]any {
	if len(r) == 0 {
		return nil
	}
	out := make(map[string]any, len(r))
	for k, v := range r {
		entry := map[string]any{"status": v.Status}
		if len(v.Data) > 0 {
			entry["data"] = v.Data
		}
		if v.Error != "" {
			entry["error"] = v.Error
		}
		out[string(k)] = entry
	}
	return out
}

// DefaultTTL bounds how long a record may be polled before reconciliation
// gives up on it.
const DefaultTTL = 24 * time.Hour

// Verification is one attempt to authenticate a document via one or more
// backend sub-systems.
type Verification struct {
	ID             string   `json:"id"`
	DocumentID     string   `json:"documentId"`
	UserID         string   `json:"userId"`
	OrganizationID string   `json:"organizationId,omitempty"`
	Type           Type     `json:"type"`
	Priority       Priority `json:"priority"`
	Status         Status   `json:"status"`
	Results        Results  `json:"results,omitempty"`

	// ExternalJobID is the opaque handle into whichever adapter is active.
	// Webhooks correlate back to the record through it.
	ExternalJobID string `json:"externalJobId,omitempty"`

	// WebhookURL is the caller's callback, invoked once on terminal status.
	WebhookURL string `json:"webhookUrl,omitempty"`

	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	ErrorMessages []string   `json:"errorMessages,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	// Version is the store's optimistic concurrency token. It counts committed
	// writes; a writer holding a stale version is rejected and must re-read.
	Version int64 `json:"-"`
}

// New creates a PENDING verification with defaults applied.
func New(documentID, userID string, t Type) *Verification {
	now := time.Now()
	return &Verification{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		UserID:     userID,
		Type:       t,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		Results:    Results{},
		StartedAt:  now,
		ExpiresAt:  now.Add(DefaultTTL),
		UpdatedAt:  now,
	}
}

// Terminal reports whether the record reached a final status.
func (v *Verification) Terminal() bool { return v.Status.Terminal() }

// Expired reports whether the hard TTL has passed without a terminal status.
func (v *Verification) Expired(now time.Time) bool {
	return !v.Terminal() && now.After(v.ExpiresAt)
}

// Active reports whether the record may still receive backend results.
func (v *Verification) Active() bool {
	return v.Status == StatusPending || v.Status == StatusInProgress
}

// Progress derives a coarse percentage from status. IN_PROGRESS reports
// per-stage progress when the type has multiple sub-systems and some already
// reported, otherwise a flat 50.
func (v *Verification) Progress() int {
	switch v.Status {
	case StatusPending:
		return 0
	case StatusCompleted:
		return 100
	case StatusFailed, StatusCancelled:
		return 0
	case StatusInProgress:
		requested := v.Type.Subsystems()
		if len(requested) > 1 && len(v.Results) > 0 {
			pct := len(v.Results) * 100 / len(requested)
			if pct > 90 {
				pct = 90
			}
			return pct
		}
		return 50
	}
	return 0
}

// Clone returns a deep enough copy that callers can mutate results and error
// lists without racing the store.
func (v *Verification) Clone() *Verification {
	copied := *v
	copied.Results = make(Results, len(v.Results))
	for k, res := range v.Results {
		r := *res
		copied.Results[k] = &r
	}
	copied.ErrorMessages = append([]string(nil), v.ErrorMessages...)
	if v.CompletedAt != nil {
		t := *v.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}
