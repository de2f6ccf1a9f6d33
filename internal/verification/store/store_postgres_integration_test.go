//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"veridoc/internal/verification"
	"veridoc/internal/verification/store"
	"veridoc/pkg/platform/sentinel"
	"veridoc/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	_, err := s.postgres.DB.Exec(store.Schema)
	s.Require().NoError(err)
	s.store = store.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.postgres.DB.Exec(`TRUNCATE verifications`)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newRecord() *verification.Verification {
	rec := verification.New("doc-1", "user-1", verification.TypeHybrid)
	rec.OrganizationID = "org-1"
	rec.WebhookURL = "https://caller.example/hook"
	return rec
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(ctx, rec))

	got, err := s.store.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(rec.DocumentID, got.DocumentID)
	s.Equal(rec.OrganizationID, got.OrganizationID)
	s.Equal(verification.StatusPending, got.Status)
	s.NotNil(got.Results)
	s.Empty(got.ErrorMessages)
	s.WithinDuration(rec.ExpiresAt, got.ExpiresAt, time.Second)
}

func (s *PostgresStoreSuite) TestCreateDuplicateConflicts() {
	ctx := context.Background()
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(ctx, rec))
	s.ErrorIs(s.store.Create(ctx, rec), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestFindByExternalJobID() {
	ctx := context.Background()
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(ctx, rec))

	updated := rec.Clone()
	updated.Status = verification.StatusInProgress
	updated.ExternalJobID = "job-7"
	s.Require().NoError(s.store.ApplyUpdate(ctx, updated))

	got, err := s.store.FindByExternalJobID(ctx, "job-7")
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(verification.StatusInProgress, got.Status)

	_, err = s.store.FindByExternalJobID(ctx, "job-unknown")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestFindActiveByDocument() {
	ctx := context.Background()
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(ctx, rec))

	got, err := s.store.FindActiveByDocument(ctx, "doc-1", verification.TypeHybrid)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)

	completed := rec.Clone()
	completed.Status = verification.StatusCompleted
	s.Require().NoError(s.store.ApplyUpdate(ctx, completed))

	_, err = s.store.FindActiveByDocument(ctx, "doc-1", verification.TypeHybrid)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// TestTerminalGuard exercises the conditional UPDATE that makes the last
// transition a compare-and-set.
func (s *PostgresStoreSuite) TestTerminalGuard() {
	ctx := context.Background()
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(ctx, rec))

	completed := rec.Clone()
	completed.Status = verification.StatusCompleted
	completed.Results = verification.Results{
		verification.SubsystemLedger: {Status: "completed", Data: map[string]any{"transactionHash": "0xabc"}},
	}
	now := time.Now()
	completed.CompletedAt = &now
	s.Require().NoError(s.store.ApplyUpdate(ctx, completed))

	late := rec.Clone()
	late.Status = verification.StatusFailed
	late.ErrorMessages = []string{"late poll result"}
	s.ErrorIs(s.store.ApplyUpdate(ctx, late), sentinel.ErrTerminal)

	got, err := s.store.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(verification.StatusCompleted, got.Status)
	s.Contains(got.Results, verification.SubsystemLedger)
	s.Empty(got.ErrorMessages)
	s.NotNil(got.CompletedAt)
}

// TestStaleWriteConflicts exercises the version column in the conditional
// UPDATE: a writer working from an overwritten read is rejected and the
// committed sub-system result survives.
func (s *PostgresStoreSuite) TestStaleWriteConflicts() {
	ctx := context.Background()
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(ctx, rec))

	first := rec.Clone()
	first.Status = verification.StatusInProgress
	first.Results = verification.Results{
		verification.SubsystemContentStore: {Status: "completed", RecordedAt: time.Now()},
	}
	s.Require().NoError(s.store.ApplyUpdate(ctx, first))

	stale := rec.Clone()
	stale.Status = verification.StatusInProgress
	stale.Results = verification.Results{
		verification.SubsystemLedger: {Status: "completed", RecordedAt: time.Now()},
	}
	s.ErrorIs(s.store.ApplyUpdate(ctx, stale), sentinel.ErrConflict)

	fresh, err := s.store.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Contains(fresh.Results, verification.SubsystemContentStore)
	s.NotContains(fresh.Results, verification.SubsystemLedger)

	retry := fresh.Clone()
	retry.Results = fresh.Results.Merge(stale.Results)
	s.Require().NoError(s.store.ApplyUpdate(ctx, retry))

	got, err := s.store.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(got.Results, 2)
}

func (s *PostgresStoreSuite) TestUpdateUnknownRecord() {
	ctx := context.Background()
	s.ErrorIs(s.store.ApplyUpdate(ctx, s.newRecord()), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestResultsRoundTrip() {
	ctx := context.Background()
	rec := s.newRecord()
	s.Require().NoError(s.store.Create(ctx, rec))

	updated := rec.Clone()
	updated.Status = verification.StatusInProgress
	updated.Results = verification.Results{
		verification.SubsystemForensics: {
			Status:     "completed",
			Data:       map[string]any{"confidence": 0.97, "isAuthentic": true},
			RecordedAt: time.Now(),
		},
		verification.SubsystemContentStore: {
			Status: "failed",
			Error:  "address mismatch",
		},
	}
	updated.ErrorMessages = []string{"address mismatch"}
	s.Require().NoError(s.store.ApplyUpdate(ctx, updated))

	got, err := s.store.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(got.Results, 2)
	s.Equal(0.97, got.Results[verification.SubsystemForensics].Data["confidence"])
	s.Equal("address mismatch", got.Results[verification.SubsystemContentStore].Error)
	s.Equal([]string{"address mismatch"}, got.ErrorMessages)
}

func (s *PostgresStoreSuite) TestListExpired() {
	ctx := context.Background()

	stale := s.newRecord()
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	s.Require().NoError(s.store.Create(ctx, stale))

	fresh := verification.New("doc-2", "user-1", verification.TypeForensics)
	s.Require().NoError(s.store.Create(ctx, fresh))

	expired, err := s.store.ListExpired(ctx, time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(stale.ID, expired[0].ID)
}

func (s *PostgresStoreSuite) TestListSince() {
	ctx := context.Background()

	old := s.newRecord()
	old.StartedAt = time.Now().Add(-2 * time.Hour)
	s.Require().NoError(s.store.Create(ctx, old))

	recent := verification.New("doc-2", "user-1", verification.TypeForensics)
	s.Require().NoError(s.store.Create(ctx, recent))

	got, err := s.store.ListSince(ctx, time.Now().Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(recent.ID, got[0].ID)
}
