package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// PostgresStore implements Store on PostgreSQL. supplier_submission.extracted
// and metadata are JSONB columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store and ensures the schema exists.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS supplier_submission (
			submission_id TEXT PRIMARY KEY,
			supplier_id TEXT NOT NULL,
			external_message_id TEXT NOT NULL,
			content_kind TEXT NOT NULL,
			original_content TEXT NOT NULL DEFAULT '',
			media_ref TEXT NOT NULL DEFAULT '',
			extraction_state TEXT NOT NULL,
			validation_state TEXT NOT NULL,
			extracted JSONB,
			validated_by TEXT NOT NULL DEFAULT '',
			validation_notes TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS supplier_submission_external_message_id
			ON supplier_submission (external_message_id)`,
		`CREATE INDEX IF NOT EXISTS supplier_submission_supplier_created
			ON supplier_submission (supplier_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS supplier_submission_extraction_state
			ON supplier_submission (extraction_state)`,
		`CREATE INDEX IF NOT EXISTS supplier_submission_validation_created
			ON supplier_submission (validation_state, created_at)`,
		`CREATE TABLE IF NOT EXISTS processing_log (
			submission_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			ok BOOLEAN NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS processing_log_submission
			ON processing_log (submission_id, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate supplier_submission: %w", err)
		}
	}
	return nil
}

const submissionColumns = `submission_id, supplier_id, external_message_id, content_kind,
	original_content, media_ref, extraction_state, validation_state,
	extracted, validated_by, validation_notes, metadata, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, sub *contracts.Submission) error {
	if err := sub.CheckInvariants(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	extracted, metadata, err := marshalJSONCols(sub)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO supplier_submission (`+submissionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sub.ID, sub.SupplierID, sub.ExternalMessageID, sub.ContentKind,
		sub.OriginalContent, sub.MediaRef, sub.ExtractionState, sub.ValidationState,
		extracted, sub.ValidatedBy, sub.ValidationNotes, metadata, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return contracts.Ef(contracts.KindStateConflict, "duplicate external message id %s", sub.ExternalMessageID)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM supplier_submission WHERE submission_id = $1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Ef(contracts.KindNotFound, "submission %s", id)
	}
	return sub, err
}

func (s *PostgresStore) GetByExternalMessageID(ctx context.Context, externalID string) (*contracts.Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM supplier_submission WHERE external_message_id = $1`, externalID)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Ef(contracts.KindNotFound, "external message %s", externalID)
	}
	return sub, err
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*contracts.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM supplier_submission
		WHERE extraction_state = $1 ORDER BY created_at ASC LIMIT $2`,
		contracts.ExtractionPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return scanSubmissions(rows)
}

func (s *PostgresStore) ListStuck(ctx context.Context, olderThan time.Time) ([]*contracts.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM supplier_submission
		WHERE extraction_state = $1 AND updated_at < $2 ORDER BY updated_at ASC`,
		contracts.ExtractionRunning, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	return scanSubmissions(rows)
}

func (s *PostgresStore) ListAwaitingValidation(ctx context.Context, limit int) ([]*contracts.Submission, error) {
	query := `
		SELECT ` + submissionColumns + ` FROM supplier_submission
		WHERE extraction_state = $1 AND validation_state = $2
		ORDER BY created_at ASC`
	args := []any{contracts.ExtractionCompleted, contracts.ValidationPending}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list awaiting validation: %w", err)
	}
	return scanSubmissions(rows)
}

func (s *PostgresStore) CountStaleValidations(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM supplier_submission
		WHERE extraction_state = $1 AND validation_state = $2 AND created_at < $3`,
		contracts.ExtractionCompleted, contracts.ValidationPending, olderThan).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale validations: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) TransitionExtraction(ctx context.Context, id string, from, to contracts.ExtractionState, patch Patch) (*contracts.Submission, error) {
	if !legalExtraction(from, to) {
		return nil, contracts.Ef(contracts.KindInvariant, "illegal extraction transition %s -> %s", from, to)
	}
	if to == contracts.ExtractionCompleted && patch.Extracted == nil {
		return nil, contracts.Invariant("completing extraction requires extracted products")
	}

	var extracted any
	if to == contracts.ExtractionCompleted {
		data, err := json.Marshal(patch.Extracted)
		if err != nil {
			return nil, fmt.Errorf("marshal extracted: %w", err)
		}
		extracted = data
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE supplier_submission
		SET extraction_state = $1, extracted = $2, updated_at = $3
		WHERE submission_id = $4 AND extraction_state = $5`,
		to, extracted, time.Now().UTC(), id, from)
	if err != nil {
		return nil, fmt.Errorf("transition extraction: %w", err)
	}
	if err := s.casOutcome(ctx, res, id, string(from)); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) TransitionValidation(ctx context.Context, id string, from, to contracts.ValidationState, patch Patch) (*contracts.Submission, error) {
	if !legalValidation(from, to) {
		return nil, contracts.Ef(contracts.KindInvariant, "illegal validation transition %s -> %s", from, to)
	}

	// The store refuses a validation decision before extraction completed.
	query := `
		UPDATE supplier_submission
		SET validation_state = $1, validated_by = $2, validation_notes = $3, updated_at = $4`
	args := []any{to, patch.ValidatedBy, patch.ValidationNotes, time.Now().UTC()}
	if patch.Extracted != nil {
		data, err := json.Marshal(patch.Extracted)
		if err != nil {
			return nil, fmt.Errorf("marshal extracted: %w", err)
		}
		query += `, extracted = $5 WHERE submission_id = $6 AND validation_state = $7 AND extraction_state = $8`
		args = append(args, data, id, from, contracts.ExtractionCompleted)
	} else {
		query += ` WHERE submission_id = $5 AND validation_state = $6 AND extraction_state = $7`
		args = append(args, id, from, contracts.ExtractionCompleted)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition validation: %w", err)
	}
	if err := s.casOutcome(ctx, res, id, string(from)); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// casOutcome distinguishes a missing row from a state mismatch after an
// unmatched CAS update.
func (s *PostgresStore) casOutcome(ctx context.Context, res sql.Result, id, expected string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return contracts.Ef(contracts.KindStateConflict, "submission %s not in expected state %s", id, expected)
}

func (s *PostgresStore) GroupProbe(ctx context.Context, supplierID string, at time.Time) (*contracts.Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM supplier_submission
		WHERE supplier_id = $1 AND extraction_state = $2
		  AND created_at > $3 AND created_at <= $4
		ORDER BY created_at DESC LIMIT 1`,
		supplierID, contracts.ExtractionPending, at.Add(-GroupingWindow), at)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (s *PostgresStore) Metrics(ctx context.Context) (StateCounts, error) {
	var c StateCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE extraction_state = 'pending'),
			COUNT(*) FILTER (WHERE extraction_state = 'running'),
			COUNT(*) FILTER (WHERE extraction_state = 'completed'),
			COUNT(*) FILTER (WHERE extraction_state = 'failed'),
			COUNT(*) FILTER (WHERE validation_state = 'pending'),
			COUNT(*) FILTER (WHERE validation_state = 'approved'),
			COUNT(*) FILTER (WHERE validation_state = 'rejected')
		FROM supplier_submission`)
	err := row.Scan(&c.ExtractionPending, &c.ExtractionRunning, &c.ExtractionCompleted,
		&c.ExtractionFailed, &c.ValidationPending, &c.ValidationApproved, &c.ValidationRejected)
	if err != nil {
		return StateCounts{}, fmt.Errorf("submission metrics: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) AppendProcessing(ctx context.Context, entry ProcessingEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_log (submission_id, stage, duration_ms, ok, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.SubmissionID, entry.Stage, entry.DurationMs, entry.OK, entry.Detail, entry.At)
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProcessing(ctx context.Context, submissionID string) ([]ProcessingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, stage, duration_ms, ok, detail, at
		FROM processing_log WHERE submission_id = $1 ORDER BY at ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list processing log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProcessingEntry
	for rows.Next() {
		var e ProcessingEntry
		if err := rows.Scan(&e.SubmissionID, &e.Stage, &e.DurationMs, &e.OK, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*contracts.Submission, error) {
	var sub contracts.Submission
	var extracted, metadata []byte
	err := row.Scan(&sub.ID, &sub.SupplierID, &sub.ExternalMessageID, &sub.ContentKind,
		&sub.OriginalContent, &sub.MediaRef, &sub.ExtractionState, &sub.ValidationState,
		&extracted, &sub.ValidatedBy, &sub.ValidationNotes, &metadata, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if extracted != nil {
		if err := json.Unmarshal(extracted, &sub.Extracted); err != nil {
			return nil, fmt.Errorf("unmarshal extracted: %w", err)
		}
	}
	if metadata != nil {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sub, nil
}

func scanSubmissions(rows *sql.Rows) ([]*contracts.Submission, error) {
	defer func() { _ = rows.Close() }()
	var out []*contracts.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func marshalJSONCols(sub *contracts.Submission) (extracted, metadata any, err error) {
	if sub.Extracted != nil {
		data, err := json.Marshal(sub.Extracted)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal extracted: %w", err)
		}
		extracted = data
	}
	if sub.Metadata != nil {
		data, err := json.Marshal(sub.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = data
	}
	return extracted, metadata, nil
}
