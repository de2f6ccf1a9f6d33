package service

import (
	"context"
	"errors"
	"time"

	"veridoc/internal/verification"
	"veridoc/internal/verification/adapters"
	"veridoc/pkg/platform/sentinel"
)

// process runs one verification to its terminal status. Adapter errors never
// escape: every failure path converts into a status update.
func (s *Service) process(ctx context.Context, id string, j adapters.Job) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "load verification for processing failed",
			"verification_id", id, "error", err.Error())
		return
	}

	ctx, span := s.tracer.Start(ctx, "verification.process")
	defer span.End()
	span.SetAttributes(s.attrs(rec)...)

	switch rec.Type {
	case verification.TypeHybrid:
		s.runHybrid(ctx, id, j)
	default:
		subsystems := rec.Type.Subsystems()
		if len(subsystems) != 1 {
			return
		}
		s.runSingle(ctx, id, j, subsystems[0])
	}
}

// runSingle drives a single-backend verification: submit, record the handle,
// then reconcile via the polling loop (a webhook may still win the race).
func (s *Service) runSingle(ctx context.Context, id string, j adapters.Job, subsys verification.Subsystem) {
	adapter, ok := s.adapters[subsys]
	if !ok {
		s.failVerification(ctx, id, subsys, "no adapter configured for "+string(subsys))
		return
	}

	start := time.Now()
	externalJobID, err := adapter.Submit(ctx, j)
	s.metrics.ObserveAdapter(string(subsys), "submit", time.Since(start), err)
	if err != nil {
		s.logger.WarnContext(ctx, "backend submit failed",
			"verification_id", id, "backend", string(subsys), "error", err.Error())
		s.failVerification(ctx, id, subsys, err.Error())
		return
	}

	if !s.markProcessing(ctx, id, externalJobID) {
		return // terminal already (cancelled while submitting)
	}
	s.pollUntilTerminal(ctx, id, adapter, externalJobID)
}

// runHybrid runs content-store, ledger, then forensics strictly in order.
// A failed step is recorded under its sub-system key and the remaining steps
// still run; only total failure of every sub-system is terminal FAILED.
func (s *Service) runHybrid(ctx context.Context, id string, j adapters.Job) {
	for _, subsys := range verification.TypeHybrid.Subsystems() {
		rec, err := s.store.FindByID(ctx, id)
		if err != nil {
			s.logger.ErrorContext(ctx, "load hybrid verification failed",
				"verification_id", id, "error", err.Error())
			return
		}
		if rec.Terminal() {
			return // cancelled or failed out-of-band
		}
		if rec.Expired(time.Now()) {
			_, _ = s.UpdateStatus(ctx, id, verification.StatusFailed, nil, ReasonExpired)
			return
		}

		s.runHybridStep(ctx, id, j, subsys)
	}
	s.finishHybrid(ctx, id)
}

func (s *Service) runHybridStep(ctx context.Context, id string, j adapters.Job, subsys verification.Subsystem) {
	adapter, ok := s.adapters[subsys]
	if !ok {
		s.recordStepFailure(ctx, id, subsys, "no adapter configured for "+string(subsys))
		return
	}

	start := time.Now()
	externalJobID, err := adapter.Submit(ctx, j)
	s.metrics.ObserveAdapter(string(subsys), "submit", time.Since(start), err)
	if err != nil {
		s.logger.WarnContext(ctx, "hybrid step submit failed",
			"verification_id", id, "backend", string(subsys), "error", err.Error())
		s.recordStepFailure(ctx, id, subsys, err.Error())
		return
	}

	if !s.markProcessing(ctx, id, externalJobID) {
		return
	}

	update, err := s.awaitStep(ctx, adapter, externalJobID)
	if err != nil {
		s.logger.WarnContext(ctx, "hybrid step did not complete",
			"verification_id", id, "backend", string(subsys), "error", err.Error())
		s.recordStepFailure(ctx, id, subsys, err.Error())
		return
	}

	switch update.State {
	case adapters.JobCompleted:
		partial := successResult(subsys, update.Result)
		if _, err := s.UpdateStatus(ctx, id, verification.StatusInProgress, partial, ""); err != nil {
			s.logger.WarnContext(ctx, "record hybrid step result failed",
				"verification_id", id, "backend", string(subsys), "error", err.Error())
		}
	case adapters.JobFailed:
		s.recordStepFailure(ctx, id, subsys, stepError(update, subsys))
	}
}

// awaitStep polls one backend job to completion within the hybrid sequence.
func (s *Service) awaitStep(ctx context.Context, adapter adapters.Adapter, externalJobID string) (*adapters.JobUpdate, error) {
	interval := adapter.PollInterval()
	for attempt := 0; attempt < adapter.MaxPollAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}

		start := time.Now()
		update, err := adapter.Poll(ctx, externalJobID)
		s.metrics.ObserveAdapter(string(adapter.Name()), "poll", time.Since(start), err)
		if err != nil {
			continue // polls are read-only; a flaky read is just another attempt
		}
		if update.State != adapters.JobPending {
			return update, nil
		}
	}
	return nil, errors.New(ReasonPollExhausted)
}

// finishHybrid decides the terminal status once every step has run: any
// sub-system success counts as COMPLETED with partial results.
func (s *Service) finishHybrid(ctx context.Context, id string) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "load hybrid verification for finish failed",
			"verification_id", id, "error", err.Error())
		return
	}
	if rec.Terminal() {
		return
	}

	if rec.Results.AnySucceeded() {
		_, err = s.UpdateStatus(ctx, id, verification.StatusCompleted, nil, "")
	} else {
		_, err = s.UpdateStatus(ctx, id, verification.StatusFailed, nil, "all requested sub-systems failed")
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "finish hybrid verification failed",
			"verification_id", id, "error", err.Error())
	}
}

// markProcessing records the external job handle and moves the record to
// IN_PROGRESS. Returns false when the record is already terminal. A version
// conflict means a concurrent writer recorded something; re-reading keeps
// that writer's results in the record this writes back.
func (s *Service) markProcessing(ctx context.Context, id, externalJobID string) bool {
	for {
		rec, err := s.store.FindByID(ctx, id)
		if err != nil {
			s.logger.ErrorContext(ctx, "load verification for processing mark failed",
				"verification_id", id, "error", err.Error())
			return false
		}
		if rec.Terminal() {
			return false
		}

		updated := rec.Clone()
		updated.Status = verification.StatusInProgress
		updated.ExternalJobID = externalJobID

		switch err := s.store.ApplyUpdate(ctx, updated); {
		case err == nil:
			if err := s.cache.Set(ctx, id, cacheEntryFor(updated)); err != nil {
				s.logger.WarnContext(ctx, "cache write-through failed", "verification_id", id, "error", err.Error())
			}
			s.emit(ctx, statusUpdateEvent(updated))
			return true
		case errors.Is(err, sentinel.ErrConflict):
			if ctx.Err() != nil {
				return false
			}
		case errors.Is(err, sentinel.ErrTerminal):
			return false
		default:
			s.logger.ErrorContext(ctx, "mark processing failed",
				"verification_id", id, "error", err.Error())
			return false
		}
	}
}

// failVerification terminates a single-backend verification on an adapter
// error, recording it both in the sub-system slot and the error list.
func (s *Service) failVerification(ctx context.Context, id string, subsys verification.Subsystem, msg string) {
	if _, err := s.UpdateStatus(ctx, id, verification.StatusFailed, failureResult(subsys, msg), msg); err != nil {
		s.logger.ErrorContext(ctx, "record verification failure failed",
			"verification_id", id, "error", err.Error())
	}
}

// recordStepFailure logs a hybrid step failure without terminating the run.
func (s *Service) recordStepFailure(ctx context.Context, id string, subsys verification.Subsystem, msg string) {
	if _, err := s.UpdateStatus(ctx, id, verification.StatusInProgress, failureResult(subsys, msg), msg); err != nil {
		s.logger.WarnContext(ctx, "record hybrid step failure failed",
			"verification_id", id, "backend", string(subsys), "error", err.Error())
	}
}

func failureResult(subsys verification.Subsystem, msg string) verification.Results {
	return verification.Results{
		subsys: &verification.SubsystemResult{
			Status:     "failed",
			Error:      msg,
			RecordedAt: time.Now(),
		},
	}
}

func successResult(subsys verification.Subsystem, data map[string]any) verification.Results {
	return verification.Results{
		subsys: &verification.SubsystemResult{
			Status:     "completed",
			Data:       data,
			RecordedAt: time.Now(),
		},
	}
}

func stepError(update *adapters.JobUpdate, subsys verification.Subsystem) string {
	if update.Err != "" {
		return update.Err
	}
	return string(subsys) + " backend reported failure"
}
