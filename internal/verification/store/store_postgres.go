package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"veridoc/internal/verification"
	"veridoc/pkg/platform/sentinel"
)

// PostgresStore persists verification records in PostgreSQL. Results and error
// messages live in JSONB columns; the terminal and version guards are one
// conditional UPDATE, which makes every write a compare-and-set without any
// long-lived lock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema for the verifications table. Migrations run it outside this package.
const Schema = `
CREATE TABLE IF NOT EXISTS verifications (
	id              UUID PRIMARY KEY,
	document_id     TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	organization_id TEXT,
	type            TEXT NOT NULL,
	priority        TEXT NOT NULL,
	status          TEXT NOT NULL,
	results         JSONB NOT NULL DEFAULT '{}',
	external_job_id TEXT,
	webhook_url     TEXT,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	expires_at      TIMESTAMPTZ NOT NULL,
	error_messages  JSONB NOT NULL DEFAULT '[]',
	updated_at      TIMESTAMPTZ NOT NULL,
	version         BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_verifications_external_job ON verifications (external_job_id);
CREATE INDEX IF NOT EXISTS idx_verifications_document ON verifications (document_id, type, status);
CREATE INDEX IF NOT EXISTS idx_verifications_expiry ON verifications (expires_at) WHERE status IN ('PENDING', 'IN_PROGRESS');
`

const terminalStatuses = `('COMPLETED', 'FAILED', 'CANCELLED')`

func (s *PostgresStore) Create(ctx context.Context, v *verification.Verification) error {
	resultsJSON, errorsJSON, err := marshalMutable(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verifications
			(id, document_id, user_id, organization_id, type, priority, status,
			 results, external_job_id, webhook_url, started_at, completed_at,
			 expires_at, error_messages, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		v.ID, v.DocumentID, v.UserID, nullable(v.OrganizationID), v.Type, v.Priority, v.Status,
		resultsJSON, nullable(v.ExternalJobID), nullable(v.WebhookURL), v.StartedAt, v.CompletedAt,
		v.ExpiresAt, errorsJSON, v.UpdatedAt, v.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

const selectColumns = `
	id, document_id, user_id, COALESCE(organization_id, ''), type, priority, status,
	results, COALESCE(external_job_id, ''), COALESCE(webhook_url, ''), started_at,
	completed_at, expires_at, error_messages, updated_at, version`

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*verification.Verification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM verifications WHERE id = $1`, id)
	return scanVerification(row)
}

func (s *PostgresStore) FindByExternalJobID(ctx context.Context, externalJobID string) (*verification.Verification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM verifications WHERE external_job_id = $1
		 ORDER BY started_at DESC LIMIT 1`, externalJobID)
	return scanVerification(row)
}

func (s *PostgresStore) FindActiveByDocument(ctx context.Context, documentID string, t verification.Type) (*verification.Verification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM verifications
		 WHERE document_id = $1 AND type = $2 AND status IN ('PENDING', 'IN_PROGRESS')
		 ORDER BY started_at DESC LIMIT 1`, documentID, t)
	return scanVerification(row)
}

func (s *PostgresStore) ApplyUpdate(ctx context.Context, v *verification.Verification) error {
	resultsJSON, errorsJSON, err := marshalMutable(v)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE verifications
		SET status = $2, results = $3, external_job_id = $4, completed_at = $5,
		    error_messages = $6, updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $8 AND status NOT IN `+terminalStatuses,
		v.ID, v.Status, resultsJSON, nullable(v.ExternalJobID), v.CompletedAt,
		errorsJSON, time.Now(), v.Version,
	)
	if err != nil {
		return fmt.Errorf("update verification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update verification: rows affected: %w", err)
	}
	if affected == 0 {
		// Guard failed: distinguish missing, terminal, and stale records.
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM verifications WHERE id = $1`, v.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update verification: recheck: %w", err)
		}
		if verification.Status(status).Terminal() {
			return sentinel.ErrTerminal
		}
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*verification.Verification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM verifications
		 WHERE status IN ('PENDING', 'IN_PROGRESS') AND expires_at < $1
		 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

func (s *PostgresStore) ListSince(ctx context.Context, cutoff time.Time) ([]*verification.Verification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM verifications WHERE started_at >= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list since: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerification(row rowScanner) (*verification.Verification, error) {
	var (
		v           verification.Verification
		resultsJSON []byte
		errorsJSON  []byte
		completedAt sql.NullTime
	)
	err := row.Scan(
		&v.ID, &v.DocumentID, &v.UserID, &v.OrganizationID, &v.Type, &v.Priority, &v.Status,
		&resultsJSON, &v.ExternalJobID, &v.WebhookURL, &v.StartedAt,
		&completedAt, &v.ExpiresAt, &errorsJSON, &v.UpdatedAt, &v.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan verification: %w", err)
	}
	if completedAt.Valid {
		v.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal(resultsJSON, &v.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if err := json.Unmarshal(errorsJSON, &v.ErrorMessages); err != nil {
		return nil, fmt.Errorf("decode error messages: %w", err)
	}
	return &v, nil
}

func scanVerifications(rows *sql.Rows) ([]*verification.Verification, error) {
	var out []*verification.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func marshalMutable(v *verification.Verification) (resultsJSON, errorsJSON []byte, err error) {
	if v.Results == nil {
		resultsJSON = []byte(`{}`)
	} else if resultsJSON, err = json.Marshal(v.Results); err != nil {
		return nil, nil, fmt.Errorf("encode results: %w", err)
	}
	if v.ErrorMessages == nil {
		errorsJSON = []byte(`[]`)
	} else if errorsJSON, err = json.Marshal(v.ErrorMessages); err != nil {
		return nil, nil, fmt.Errorf("encode error messages: %w", err)
	}
	return resultsJSON, errorsJSON, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
