package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"veridoc/internal/verification"
	"veridoc/pkg/platform/sentinel"
)

type MemoryStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *MemoryStore
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryStore()
}

func (s *MemoryStoreSuite) newRecord() *verification.Verification {
	return verification.New("doc-1", "user-1", verification.TypeForensics)
}

func (s *MemoryStoreSuite) TestCreateAndFind() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	s.Run("find by id", func() {
		got, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(rec.ID, got.ID)
		s.Equal(verification.StatusPending, got.Status)
	})

	s.Run("duplicate id conflicts", func() {
		s.ErrorIs(s.store.Create(s.ctx, rec), sentinel.ErrConflict)
	})

	s.Run("unknown id", func() {
		_, err := s.store.FindByID(s.ctx, "missing")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("reads are isolated from caller mutation", func() {
		got, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		got.Status = verification.StatusFailed

		again, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(verification.StatusPending, again.Status)
	})
}

func (s *MemoryStoreSuite) TestFindByExternalJobID() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	updated := rec.Clone()
	updated.Status = verification.StatusInProgress
	updated.ExternalJobID = "job-42"
	s.Require().NoError(s.store.ApplyUpdate(s.ctx, updated))

	got, err := s.store.FindByExternalJobID(s.ctx, "job-42")
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)

	_, err = s.store.FindByExternalJobID(s.ctx, "job-unknown")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestFindActiveByDocument() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	got, err := s.store.FindActiveByDocument(s.ctx, "doc-1", verification.TypeForensics)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)

	s.Run("different type does not match", func() {
		_, err := s.store.FindActiveByDocument(s.ctx, "doc-1", verification.TypeLedger)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("terminal records do not match", func() {
		updated := rec.Clone()
		updated.Status = verification.StatusCompleted
		s.Require().NoError(s.store.ApplyUpdate(s.ctx, updated))

		_, err := s.store.FindActiveByDocument(s.ctx, "doc-1", verification.TypeForensics)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

// TestTerminalGuard verifies that a record in a terminal status rejects every
// further write, which is what makes duplicate completion signals safe.
func (s *MemoryStoreSuite) TestTerminalGuard() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	completed := rec.Clone()
	completed.Status = verification.StatusCompleted
	s.Require().NoError(s.store.ApplyUpdate(s.ctx, completed))

	late := rec.Clone()
	late.Status = verification.StatusFailed
	s.ErrorIs(s.store.ApplyUpdate(s.ctx, late), sentinel.ErrTerminal)

	got, err := s.store.FindByID(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(verification.StatusCompleted, got.Status)
}

// TestStaleWriteConflicts verifies the version guard: a writer holding a read
// that another writer has since overwritten is rejected instead of silently
// discarding the committed results.
func (s *MemoryStoreSuite) TestStaleWriteConflicts() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	first := rec.Clone()
	first.Status = verification.StatusInProgress
	first.Results = verification.Results{
		verification.SubsystemContentStore: {Status: "completed", RecordedAt: time.Now()},
	}
	s.Require().NoError(s.store.ApplyUpdate(s.ctx, first))

	stale := rec.Clone()
	stale.Status = verification.StatusInProgress
	stale.Results = verification.Results{
		verification.SubsystemLedger: {Status: "completed", RecordedAt: time.Now()},
	}
	s.ErrorIs(s.store.ApplyUpdate(s.ctx, stale), sentinel.ErrConflict)

	got, err := s.store.FindByID(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Contains(got.Results, verification.SubsystemContentStore)
	s.NotContains(got.Results, verification.SubsystemLedger)

	s.Run("re-read carries the new version and writes cleanly", func() {
		fresh, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		retry := fresh.Clone()
		retry.Results = fresh.Results.Merge(stale.Results)
		s.Require().NoError(s.store.ApplyUpdate(s.ctx, retry))

		got, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Contains(got.Results, verification.SubsystemContentStore)
		s.Contains(got.Results, verification.SubsystemLedger)
	})
}

func (s *MemoryStoreSuite) TestUpdateUnknownRecord() {
	rec := s.newRecord()
	s.ErrorIs(s.store.ApplyUpdate(s.ctx, rec), sentinel.ErrNotFound)
}

// TestConcurrentTerminalWrites races many writers toward different terminal
// statuses; exactly one may win.
func (s *MemoryStoreSuite) TestConcurrentTerminalWrites() {
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, rec))

	statuses := []verification.Status{
		verification.StatusCompleted,
		verification.StatusFailed,
		verification.StatusCancelled,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempt := rec.Clone()
			attempt.Status = statuses[i%len(statuses)]
			if err := s.store.ApplyUpdate(s.ctx, attempt); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s.Equal(1, winners)

	got, err := s.store.FindByID(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.True(got.Terminal())
}

func (s *MemoryStoreSuite) TestListExpired() {
	fresh := s.newRecord()
	s.Require().NoError(s.store.Create(s.ctx, fresh))

	stale := verification.New("doc-2", "user-1", verification.TypeLedger)
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	s.Require().NoError(s.store.Create(s.ctx, stale))

	terminalStale := verification.New("doc-3", "user-1", verification.TypeLedger)
	terminalStale.ExpiresAt = time.Now().Add(-time.Hour)
	terminalStale.Status = verification.StatusCompleted
	s.Require().NoError(s.store.Create(s.ctx, terminalStale))

	expired, err := s.store.ListExpired(s.ctx, time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(stale.ID, expired[0].ID)
}

func (s *MemoryStoreSuite) TestListSince() {
	old := s.newRecord()
	old.StartedAt = time.Now().Add(-2 * time.Hour)
	s.Require().NoError(s.store.Create(s.ctx, old))

	recent := verification.New("doc-2", "user-1", verification.TypeLedger)
	s.Require().NoError(s.store.Create(s.ctx, recent))

	s.Run("cutoff filters old records", func() {
		got, err := s.store.ListSince(s.ctx, time.Now().Add(-time.Hour))
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.Equal(recent.ID, got[0].ID)
	})

	s.Run("zero cutoff returns everything", func() {
		got, err := s.store.ListSince(s.ctx, time.Time{})
		s.Require().NoError(err)
		s.Len(got, 2)
	})
}
