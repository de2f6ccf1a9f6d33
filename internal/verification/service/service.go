// Package service implements the verification orchestrator: it creates
// records, dispatches to backend adapters, advances the status machine, and
// reconciles completion signals from webhooks and polling onto a single
// terminal transition.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"veridoc/internal/document"
	"veridoc/internal/verification"
	"veridoc/internal/verification/adapters"
	"veridoc/internal/verification/cache"
	"veridoc/internal/verification/events"
	"veridoc/internal/verification/metrics"
	"veridoc/internal/verification/store"
	dErrors "veridoc/pkg/domain-errors"
	"veridoc/pkg/platform/sentinel"
)

// Reason prefixes let operators tell "backend said no" apart from "we gave up
// waiting" in error lists.
const (
	ReasonExpired       = "timeout: expired before completion"
	ReasonPollExhausted = "timeout: poll attempts exhausted"
)

// Adapters indexes the backend adapters by the sub-system they fill.
type Adapters map[verification.Subsystem]adapters.Adapter

// Config holds the orchestrator's runtime knobs.
type Config struct {
	// MaxActive bounds concurrently processing verifications system-wide.
	// Work past the cap queues on the admission semaphore, it is never
	// rejected.
	MaxActive int64

	// DefaultTTL is applied to records whose request carries no TTL.
	DefaultTTL time.Duration
}

// Params collects the orchestrator's dependencies.
type Params struct {
	Store     store.Store
	Cache     cache.StatusCache
	Documents document.Store
	Adapters  Adapters
	Publisher events.Publisher
	Notifier  *events.CallbackNotifier
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Config    Config
}

// Service is the orchestrator. Construct exactly one per process and share it.
type Service struct {
	store     store.Store
	cache     cache.StatusCache
	documents document.Store
	adapters  Adapters
	publisher events.Publisher
	notifier  *events.CallbackNotifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	defaultTTL time.Duration

	// sem is admission control, not mutual exclusion: correctness never
	// depends on it.
	sem *semaphore.Weighted

	// inflight tracks processing goroutines for cancellation bookkeeping.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the orchestrator.
func New(p Params) *Service {
	if p.Config.MaxActive <= 0 {
		p.Config.MaxActive = 10
	}
	if p.Config.DefaultTTL <= 0 {
		p.Config.DefaultTTL = verification.DefaultTTL
	}
	if p.Cache == nil {
		p.Cache = cache.NoopCache{}
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      p.Store,
		cache:      p.Cache,
		documents:  p.Documents,
		adapters:   p.Adapters,
		publisher:  p.Publisher,
		notifier:   p.Notifier,
		logger:     p.Logger,
		metrics:    p.Metrics,
		tracer:     otel.Tracer("veridoc/verification"),
		defaultTTL: p.Config.DefaultTTL,
		sem:        semaphore.NewWeighted(p.Config.MaxActive),
		inflight:   make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
}

// StartRequest describes a verification to begin.
type StartRequest struct {
	DocumentID     string                `json:"documentId"`
	UserID         string                `json:"userId"`
	OrganizationID string                `json:"organizationId,omitempty"`
	Type           verification.Type     `json:"type"`
	Priority       verification.Priority `json:"priority,omitempty"`
	WebhookURL     string                `json:"webhookUrl,omitempty"`
	TTL            time.Duration         `json:"-"`

	// SkipExisting makes the start idempotent: an active verification of the
	// same type for the document is returned instead of creating a duplicate.
	SkipExisting bool `json:"skipExisting,omitempty"`
}

// StartVerification creates a PENDING record and begins processing it
// asynchronously. The call returns once the record is persisted, not when
// processing completes.
func (s *Service) StartVerification(ctx context.Context, req StartRequest) (*verification.Verification, error) {
	if s.baseCtx.Err() != nil {
		return nil, dErrors.New(dErrors.CodeUnavailable, "orchestrator is shutting down")
	}
	if req.DocumentID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "documentId is required")
	}
	if !req.Type.Valid() {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "unknown verification type %q", req.Type)
	}

	doc, err := s.documents.Get(ctx, req.DocumentID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "document %s not found", req.DocumentID)
		}
		return nil, dErrors.Wrap(dErrors.CodeInternal, "load document", err)
	}

	if req.SkipExisting {
		if existing, err := s.store.FindActiveByDocument(ctx, req.DocumentID, req.Type); err == nil {
			s.logger.InfoContext(ctx, "reusing active verification",
				"verification_id", existing.ID,
				"document_id", req.DocumentID,
				"type", req.Type,
			)
			return existing, nil
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(dErrors.CodeInternal, "look up active verification", err)
		}
	}

	rec := verification.New(req.DocumentID, req.UserID, req.Type)
	rec.OrganizationID = req.OrganizationID
	rec.WebhookURL = req.WebhookURL
	if req.Priority != "" {
		rec.Priority = req.Priority
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	rec.ExpiresAt = rec.StartedAt.Add(ttl)

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "persist verification", err)
	}

	if err := s.documents.SetVerificationStatus(ctx, doc.ID, document.StatusPending, nil); err != nil {
		s.logger.WarnContext(ctx, "set document status failed",
			"document_id", doc.ID, "error", err.Error())
	}

	s.metrics.IncStarted(string(rec.Type))
	s.emit(ctx, events.FromVerification(events.KindStarted, rec))

	// MANUAL verifications wait for an operator; everything else dispatches.
	if rec.Type != verification.TypeManual {
		s.spawnProcessing(rec.ID, job(rec, doc))
	}

	return rec, nil
}

// StatusView is what status-polling clients see.
type StatusView struct {
	VerificationID string               `json:"verificationId"`
	Status         verification.Status  `json:"status"`
	Progress       int                  `json:"progress"`
	Results        verification.Results `json:"results,omitempty"`
	Error          string               `json:"error,omitempty"`

	// Expired marks records that passed their TTL without completing; the
	// HTTP layer maps this to 410 Gone.
	Expired bool `json:"-"`
}

// GetStatus reads the cache first and falls back to the store, repopulating
// the cache on a miss. A record found past its TTL is force-terminated here
// rather than left polling forever.
func (s *Service) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	if entry, err := s.cache.Get(ctx, id); err == nil {
		s.metrics.IncCacheRead("hit")
		if !entry.Status.Terminal() {
			return &StatusView{VerificationID: id, Status: entry.Status, Progress: entry.Progress}, nil
		}
		// Terminal entries need results, which the cache does not carry.
	} else {
		s.metrics.IncCacheRead("miss")
	}

	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// Drop any stale cache entry so a deleted record stops serving
			// its last known status.
			if err := s.cache.Invalidate(ctx, id); err != nil {
				s.logger.WarnContext(ctx, "cache invalidate failed", "verification_id", id, "error", err.Error())
			}
			return nil, dErrors.Newf(dErrors.CodeNotFound, "verification %s not found", id)
		}
		return nil, dErrors.Wrap(dErrors.CodeInternal, "load verification", err)
	}

	expired := false
	if rec.Expired(time.Now()) {
		expired = true
		if updated, err := s.UpdateStatus(ctx, id, verification.StatusFailed, nil, ReasonExpired); err == nil {
			rec = updated
		}
	}

	view := &StatusView{
		VerificationID: rec.ID,
		Status:         rec.Status,
		Progress:       rec.Progress(),
		Expired:        expired,
	}
	if len(rec.Results) > 0 {
		view.Results = rec.Results
	}
	if n := len(rec.ErrorMessages); n > 0 {
		view.Error = rec.ErrorMessages[n-1]
	}

	if err := s.cache.Set(ctx, rec.ID, cache.Entry{Status: rec.Status, Progress: view.Progress}); err != nil {
		s.logger.WarnContext(ctx, "cache repopulate failed", "verification_id", rec.ID, "error", err.Error())
	}
	return view, nil
}

// UpdateStatus is the single mutation entry point. It merges partial results,
// appends the error message, performs the version-guarded write, refreshes
// the cache, and emits a statusUpdate event. The merge happens against a
// fresh read on every attempt: a concurrent writer committing between the
// read and the write surfaces as sentinel.ErrConflict, and re-reading then
// re-merging means no recorded sub-system result is ever discarded. A record
// already terminal absorbs the call silently: the webhook path and the
// polling path both feed through here and the second writer must be a no-op.
func (s *Service) UpdateStatus(ctx context.Context, id string, newStatus verification.Status, partial verification.Results, errMsg string) (*verification.Verification, error) {
	var updated *verification.Verification
	for {
		rec, err := s.store.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.Newf(dErrors.CodeNotFound, "verification %s not found", id)
			}
			return nil, dErrors.Wrap(dErrors.CodeInternal, "load verification", err)
		}

		if rec.Terminal() {
			s.absorbDuplicate(ctx, rec, newStatus)
			return rec, nil
		}
		if !rec.Status.CanTransitionTo(newStatus) {
			return nil, dErrors.Newf(dErrors.CodeConflict,
				"illegal transition %s -> %s for verification %s", rec.Status, newStatus, id)
		}

		updated = rec.Clone()
		updated.Status = newStatus
		updated.Results = rec.Results.Merge(partial)
		if errMsg != "" {
			updated.ErrorMessages = append(updated.ErrorMessages, errMsg)
		}
		if newStatus.Terminal() {
			now := time.Now()
			updated.CompletedAt = &now
		}

		err = s.store.ApplyUpdate(ctx, updated)
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			// Another writer committed first. Its write is progress, so the
			// retry always observes a newer record.
			if err := ctx.Err(); err != nil {
				return nil, dErrors.Wrap(dErrors.CodeInternal, "apply status update", err)
			}
			continue
		case errors.Is(err, sentinel.ErrTerminal):
			// Lost the race to the other reconciliation path.
			current, readErr := s.store.FindByID(ctx, id)
			if readErr != nil {
				return nil, dErrors.Wrap(dErrors.CodeInternal, "reload after terminal race", readErr)
			}
			s.absorbDuplicate(ctx, current, newStatus)
			return current, nil
		case errors.Is(err, sentinel.ErrNotFound):
			// The record vanished mid-update: an invariant violation, not a
			// recoverable condition.
			return nil, dErrors.Wrap(dErrors.CodeInternal, "verification disappeared mid-update", err)
		default:
			return nil, dErrors.Wrap(dErrors.CodeInternal, "apply status update", err)
		}
	}

	if err := s.cache.Set(ctx, updated.ID, cache.Entry{Status: updated.Status, Progress: updated.Progress()}); err != nil {
		s.logger.WarnContext(ctx, "cache write-through failed", "verification_id", updated.ID, "error", err.Error())
	}

	event := events.FromVerification(events.KindStatusUpdate, updated)
	s.emit(ctx, event)

	if updated.Terminal() {
		s.finalize(ctx, updated, event)
	}
	return updated, nil
}

// Cancel terminates a PENDING/IN_PROGRESS verification and stops its
// processing goroutine.
func (s *Service) Cancel(ctx context.Context, id string) (*verification.Verification, error) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "verification %s not found", id)
		}
		return nil, dErrors.Wrap(dErrors.CodeInternal, "load verification", err)
	}
	if rec.Terminal() {
		return nil, dErrors.Newf(dErrors.CodeConflict, "verification %s already %s", id, rec.Status)
	}

	updated, err := s.UpdateStatus(ctx, id, verification.StatusCancelled, nil, "cancelled by caller")
	if err != nil {
		return nil, err
	}
	s.stopInflight(id)
	return updated, nil
}

// Shutdown stops background processing and waits for in-flight goroutines.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Service) absorbDuplicate(ctx context.Context, rec *verification.Verification, attempted verification.Status) {
	s.metrics.IncDuplicate()
	s.logger.DebugContext(ctx, "duplicate terminal update absorbed",
		"verification_id", rec.ID,
		"current_status", rec.Status,
		"attempted_status", attempted,
	)
}

// finalize handles the side effects of the one honored terminal transition:
// document status, outcome metrics, and the caller's webhook.
func (s *Service) finalize(ctx context.Context, rec *verification.Verification, event events.Event) {
	docStatus := document.StatusUnverified
	switch rec.Status {
	case verification.StatusCompleted:
		docStatus = document.StatusVerified
	case verification.StatusFailed:
		docStatus = document.StatusRejected
	}
	if err := s.documents.SetVerificationStatus(ctx, rec.DocumentID, docStatus, rec.Results.ToMap()); err != nil {
		s.logger.WarnContext(ctx, "propagate document status failed",
			"document_id", rec.DocumentID, "error", err.Error())
	}

	if rec.CompletedAt != nil {
		s.metrics.ObserveOutcome(string(rec.Status), string(rec.Type), rec.CompletedAt.Sub(rec.StartedAt))
	}

	if rec.WebhookURL != "" && s.notifier != nil {
		url := rec.WebhookURL
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			notifyCtx, cancel := context.WithTimeout(s.baseCtx, time.Minute)
			defer cancel()
			if err := s.notifier.Notify(notifyCtx, url, event); err != nil {
				s.logger.WarnContext(notifyCtx, "callback notification failed",
					"verification_id", rec.ID, "error", err.Error())
			}
		}()
	}
}

func (s *Service) emit(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			"event_kind", string(event.Kind),
			"verification_id", event.VerificationID,
			"error", err.Error(),
		)
	}
}

// spawnProcessing runs fn for the verification on a tracked goroutine. The
// admission semaphore is acquired inside the goroutine so requests past the
// cap queue instead of blocking StartVerification.
func (s *Service) spawnProcessing(id string, j adapters.Job) {
	procCtx, cancel := context.WithCancel(s.baseCtx)
	s.inflightMu.Lock()
	s.inflight[id] = cancel
	s.inflightMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.stopInflight(id)

		if err := s.sem.Acquire(procCtx, 1); err != nil {
			return // shutting down or cancelled while queued
		}
		defer s.sem.Release(1)

		s.metrics.IncActive()
		defer s.metrics.DecActive()

		s.process(procCtx, id, j)
	}()
}

func (s *Service) stopInflight(id string) {
	s.inflightMu.Lock()
	cancel, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	s.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) attrs(rec *verification.Verification) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("verification.id", rec.ID),
		attribute.String("verification.type", string(rec.Type)),
	}
}

func job(rec *verification.Verification, doc *document.Document) adapters.Job {
	return adapters.Job{
		VerificationID: rec.ID,
		DocumentID:     doc.ID,
		DocumentHash:   doc.Hash,
		FilePath:       doc.FilePath,
		MimeType:       doc.MimeType,
		Size:           doc.Size,
	}
}
