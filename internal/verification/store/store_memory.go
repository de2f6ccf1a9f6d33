package store

import (
	"context"
	"sync"
	"time"

	"veridoc/internal/verification"
	"veridoc/pkg/platform/sentinel"
)

// MemoryStore keeps verification records in a mutex-guarded map. The terminal
// and version guards in ApplyUpdate are enforced under the same lock, so a
// webhook writer and a poll writer racing on the same record serialize here
// and the loser is told to re-read.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*verification.Verification
	byJob   map[string]string // externalJobID -> verificationID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*verification.Verification),
		byJob:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, v *verification.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[v.ID]; exists {
		return sentinel.ErrConflict
	}
	s.records[v.ID] = v.Clone()
	if v.ExternalJobID != "" {
		s.byJob[v.ExternalJobID] = v.ID
	}
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*verification.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FindByExternalJobID(ctx context.Context, externalJobID string) (*verification.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byJob[externalJobID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FindActiveByDocument(ctx context.Context, documentID string, t verification.Type) (*verification.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.DocumentID == documentID && rec.Type == t && rec.Active() {
			return rec.Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryStore) ApplyUpdate(ctx context.Context, v *verification.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[v.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Terminal() {
		return sentinel.ErrTerminal
	}
	if current.Version != v.Version {
		return sentinel.ErrConflict
	}
	updated := v.Clone()
	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now()
	s.records[v.ID] = updated
	if updated.ExternalJobID != "" {
		s.byJob[updated.ExternalJobID] = updated.ID
	}
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*verification.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*verification.Verification
	for _, rec := range s.records {
		if rec.Expired(now) {
			out = append(out, rec.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSince(ctx context.Context, cutoff time.Time) ([]*verification.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*verification.Verification
	for _, rec := range s.records {
		if cutoff.IsZero() || !rec.StartedAt.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
