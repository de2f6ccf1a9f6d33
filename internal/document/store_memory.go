package document

import (
	"context"
	"sync"
	"time"

	"veridoc/pkg/platform/sentinel"
)

// MemoryStore is an in-memory document store for tests and single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

// Put registers a document. Used by tests and the upload shim.
func (s *MemoryStore) Put(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Status == "" {
		doc.Status = StatusUnverified
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	s.docs[doc.ID] = doc
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (s *MemoryStore) SetVerificationStatus(ctx context.Context, documentID string, status Status, results map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return sentinel.ErrNotFound
	}
	doc.Status = status
	doc.UpdatedAt = time.Now()
	return nil
}
