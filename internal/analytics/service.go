// Package analytics aggregates completed verification records into operator
// metrics. It is a read-only consumer of the record store and never sits on
// the verification critical path.
package analytics

import (
	"context"
	"time"

	"veridoc/internal/verification"
	"veridoc/internal/verification/store"
	dErrors "veridoc/pkg/domain-errors"
)

// Summary is the aggregate view over a reporting window.
type Summary struct {
	Total            int                                `json:"total"`
	ByStatus         map[verification.Status]int        `json:"byStatus"`
	ByType           map[verification.Type]int          `json:"byType"`
	ByPriority       map[verification.Priority]int      `json:"byPriority"`
	SuccessRate      float64                            `json:"successRate"`
	MeanProcessingMS int64                              `json:"meanProcessingMs"`
	ServiceUptime    map[verification.Subsystem]float64 `json:"serviceUptime"`
	WindowStart      time.Time                          `json:"windowStart"`
	GeneratedAt      time.Time                          `json:"generatedAt"`
}

// Service computes summaries on demand.
type Service struct {
	store store.Store
}

func New(s store.Store) *Service {
	return &Service{store: s}
}

// Summarize aggregates all records started within the window. A zero window
// covers everything.
func (s *Service) Summarize(ctx context.Context, window time.Duration) (*Summary, error) {
	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}
	records, err := s.store.ListSince(ctx, cutoff)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "list verifications", err)
	}

	summary := &Summary{
		ByStatus:      make(map[verification.Status]int),
		ByType:        make(map[verification.Type]int),
		ByPriority:    make(map[verification.Priority]int),
		ServiceUptime: make(map[verification.Subsystem]float64),
		WindowStart:   cutoff,
		GeneratedAt:   time.Now(),
	}

	var (
		terminal        int
		completed       int
		processingTotal time.Duration
		serviceTotal    = make(map[verification.Subsystem]int)
		serviceOK       = make(map[verification.Subsystem]int)
	)

	for _, rec := range records {
		summary.Total++
		summary.ByStatus[rec.Status]++
		summary.ByType[rec.Type]++
		summary.ByPriority[rec.Priority]++

		if rec.Terminal() {
			terminal++
		}
		if rec.Status == verification.StatusCompleted {
			completed++
			if rec.CompletedAt != nil {
				processingTotal += rec.CompletedAt.Sub(rec.StartedAt)
			}
		}

		for subsys, result := range rec.Results {
			serviceTotal[subsys]++
			if result.Succeeded() {
				serviceOK[subsys]++
			}
		}
	}

	if terminal > 0 {
		summary.SuccessRate = float64(completed) / float64(terminal)
	}
	if completed > 0 {
		summary.MeanProcessingMS = (processingTotal / time.Duration(completed)).Milliseconds()
	}
	for subsys, total := range serviceTotal {
		summary.ServiceUptime[subsys] = float64(serviceOK[subsys]) / float64(total)
	}
	return summary, nil
}
