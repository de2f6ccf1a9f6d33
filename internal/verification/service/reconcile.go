package service

import (
	"context"
	"errors"
	"time"

	"veridoc/internal/verification"
	"veridoc/internal/verification/adapters"
	"veridoc/internal/verification/cache"
	"veridoc/internal/verification/events"
	dErrors "veridoc/pkg/domain-errors"
	"veridoc/pkg/platform/sentinel"
)

// pollUntilTerminal is the fallback reconciliation path for single-backend
// verifications: a bounded retry loop against the backend's poll endpoint.
// The webhook path may complete the record first; every write funnels through
// UpdateStatus, so whichever signal lands second is absorbed.
func (s *Service) pollUntilTerminal(ctx context.Context, id string, adapter adapters.Adapter, externalJobID string) {
	ctx, span := s.tracer.Start(ctx, "verification.poll")
	defer span.End()

	subsys := adapter.Name()
	interval := adapter.PollInterval()

	for attempt := 0; attempt < adapter.MaxPollAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}

		rec, err := s.store.FindByID(ctx, id)
		if err != nil {
			s.logger.ErrorContext(ctx, "reload verification during poll failed",
				"verification_id", id, "error", err.Error())
			return
		}
		if rec.Terminal() {
			return // webhook won
		}
		if rec.Expired(time.Now()) {
			_, _ = s.UpdateStatus(ctx, id, verification.StatusFailed, nil, ReasonExpired)
			return
		}

		start := time.Now()
		update, err := adapter.Poll(ctx, externalJobID)
		s.metrics.ObserveAdapter(string(subsys), "poll", time.Since(start), err)
		if err != nil {
			s.logger.WarnContext(ctx, "poll attempt failed",
				"verification_id", id, "backend", string(subsys),
				"attempt", attempt+1, "error", err.Error())
			continue
		}
		if update.State == adapters.JobPending {
			continue
		}

		s.applyJobUpdate(ctx, id, subsys, update)
		return
	}

	// Gave up waiting: synthesized here, not reported by the backend.
	if _, err := s.UpdateStatus(ctx, id, verification.StatusFailed, failureResult(subsys, ReasonPollExhausted), ReasonPollExhausted); err != nil {
		s.logger.ErrorContext(ctx, "record poll timeout failed",
			"verification_id", id, "error", err.Error())
	}
}

// HandleWebhook is the pushed reconciliation path. The payload is parsed by
// the backend's adapter and correlated back to a record via the external job
// handle, which is all the backend knows.
func (s *Service) HandleWebhook(ctx context.Context, backend verification.Subsystem, payload []byte) error {
	adapter, ok := s.adapters[backend]
	if !ok {
		return dErrors.Newf(dErrors.CodeNotFound, "unknown backend %q", backend)
	}

	update, err := adapter.ParseWebhook(payload)
	if err != nil {
		return dErrors.Wrap(dErrors.CodeBadRequest, "parse webhook payload", err)
	}

	rec, err := s.store.FindByExternalJobID(ctx, update.ExternalJobID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeNotFound, "no verification for job %s", update.ExternalJobID)
		}
		return dErrors.Wrap(dErrors.CodeInternal, "look up verification by job", err)
	}

	if update.State == adapters.JobPending {
		return nil // progress ping, nothing to reconcile
	}
	s.applyJobUpdate(ctx, rec.ID, backend, update)
	return nil
}

// applyJobUpdate translates a backend's terminal job state into a status
// update. For HYBRID records a single backend's outcome is only a partial
// result; the dispatch sequence decides the record's terminal status.
func (s *Service) applyJobUpdate(ctx context.Context, id string, subsys verification.Subsystem, update *adapters.JobUpdate) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "load verification for job update failed",
			"verification_id", id, "error", err.Error())
		return
	}
	hybrid := rec.Type == verification.TypeHybrid

	var newStatus verification.Status
	var partial verification.Results
	var errMsg string

	switch update.State {
	case adapters.JobCompleted:
		partial = successResult(subsys, update.Result)
		if hybrid {
			newStatus = verification.StatusInProgress
		} else {
			newStatus = verification.StatusCompleted
		}
	case adapters.JobFailed:
		errMsg = stepError(update, subsys)
		partial = failureResult(subsys, errMsg)
		if hybrid {
			newStatus = verification.StatusInProgress
		} else {
			newStatus = verification.StatusFailed
		}
	default:
		return
	}

	if _, err := s.UpdateStatus(ctx, id, newStatus, partial, errMsg); err != nil {
		s.logger.ErrorContext(ctx, "apply job update failed",
			"verification_id", id, "backend", string(subsys), "error", err.Error())
	}
}

// RunExpirySweep periodically force-fails records that passed their TTL
// without ever reaching a terminal status. It returns when ctx is done.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *Service) sweepExpired(ctx context.Context) {
	expired, err := s.store.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		s.logger.ErrorContext(ctx, "list expired verifications failed", "error", err.Error())
		return
	}
	for _, rec := range expired {
		if _, err := s.UpdateStatus(ctx, rec.ID, verification.StatusFailed, nil, ReasonExpired); err != nil {
			s.logger.WarnContext(ctx, "expire verification failed",
				"verification_id", rec.ID, "error", err.Error())
		}
	}
}

func cacheEntryFor(rec *verification.Verification) cache.Entry {
	return cache.Entry{Status: rec.Status, Progress: rec.Progress()}
}

func statusUpdateEvent(rec *verification.Verification) events.Event {
	return events.FromVerification(events.KindStatusUpdate, rec)
}
