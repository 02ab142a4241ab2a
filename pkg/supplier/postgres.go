package supplier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// PostgresRegistry implements Registry on PostgreSQL. Metric updates take a
// row-level lock (SELECT ... FOR UPDATE) so concurrent outcomes for the same
// supplier serialize.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a registry and ensures the schema exists.
func NewPostgresRegistry(ctx context.Context, db *sql.DB) (*PostgresRegistry, error) {
	r := &PostgresRegistry{db: db}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS supplier (
			supplier_id TEXT PRIMARY KEY,
			phone TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			total_submissions INTEGER NOT NULL DEFAULT 0,
			approved_submissions INTEGER NOT NULL DEFAULT 0,
			avg_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			approval_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			quality_rating DOUBLE PRECISION NOT NULL DEFAULT 1,
			last_submission_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CHECK (approved_submissions <= total_submissions)
		)`)
	if err != nil {
		return fmt.Errorf("migrate supplier: %w", err)
	}
	return nil
}

const supplierColumns = `supplier_id, phone, name, active, total_submissions,
	approved_submissions, avg_confidence, quality_rating, last_submission_at,
	created_at, updated_at`

func (r *PostgresRegistry) FindByPhone(ctx context.Context, phone string) (*contracts.Supplier, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+supplierColumns+` FROM supplier WHERE phone = $1`, phone)
	s, err := scanSupplier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Ef(contracts.KindNotFound, "supplier phone %s", phone)
	}
	return s, err
}

func (r *PostgresRegistry) Get(ctx context.Context, supplierID string) (*contracts.Supplier, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+supplierColumns+` FROM supplier WHERE supplier_id = $1`, supplierID)
	s, err := scanSupplier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Ef(contracts.KindNotFound, "supplier %s", supplierID)
	}
	return s, err
}

func (r *PostgresRegistry) BumpActivity(ctx context.Context, supplierID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE supplier
		SET total_submissions = total_submissions + 1,
		    last_submission_at = $1, updated_at = $1
		WHERE supplier_id = $2`, time.Now().UTC(), supplierID)
	if err != nil {
		return fmt.Errorf("bump activity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.Ef(contracts.KindNotFound, "supplier %s", supplierID)
	}
	return nil
}

func (r *PostgresRegistry) RecordOutcome(ctx context.Context, supplierID string, approved bool, confidence float64, _ int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var m contracts.SupplierMetrics
	var approvalRate float64
	err = tx.QueryRowContext(ctx, `
		SELECT total_submissions, approved_submissions, avg_confidence, approval_rate
		FROM supplier WHERE supplier_id = $1 FOR UPDATE`, supplierID).
		Scan(&m.TotalSubmissions, &m.ApprovedSubmissions, &m.AvgConfidence, &approvalRate)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Ef(contracts.KindNotFound, "supplier %s", supplierID)
	}
	if err != nil {
		return fmt.Errorf("lock supplier row: %w", err)
	}

	approvalRate = foldOutcome(&m, approvalRate, approved, confidence)

	_, err = tx.ExecContext(ctx, `
		UPDATE supplier
		SET total_submissions = $1, approved_submissions = $2, avg_confidence = $3,
		    approval_rate = $4, quality_rating = $5, updated_at = $6
		WHERE supplier_id = $7`,
		m.TotalSubmissions, m.ApprovedSubmissions, m.AvgConfidence,
		approvalRate, m.QualityRating, time.Now().UTC(), supplierID)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresRegistry) Put(ctx context.Context, s *contracts.Supplier) error {
	if s.Metrics.ApprovedSubmissions > s.Metrics.TotalSubmissions {
		return contracts.Invariant("approved submissions exceed total submissions")
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	approvalRate := 0.0
	if s.Metrics.TotalSubmissions > 0 {
		approvalRate = float64(s.Metrics.ApprovedSubmissions) / float64(s.Metrics.TotalSubmissions)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO supplier (supplier_id, phone, name, active, total_submissions,
			approved_submissions, avg_confidence, approval_rate, quality_rating,
			last_submission_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (supplier_id) DO UPDATE SET
			phone = EXCLUDED.phone,
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.Phone, s.Name, s.Active, s.Metrics.TotalSubmissions,
		s.Metrics.ApprovedSubmissions, s.Metrics.AvgConfidence, approvalRate,
		s.Metrics.QualityRating, s.Metrics.LastSubmissionAt, s.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("put supplier: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Count(ctx context.Context) (total, active int, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM supplier`)
	if err := row.Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("count suppliers: %w", err)
	}
	return total, active, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSupplier(row rowScanner) (*contracts.Supplier, error) {
	var s contracts.Supplier
	var lastAt sql.NullTime
	err := row.Scan(&s.ID, &s.Phone, &s.Name, &s.Active, &s.Metrics.TotalSubmissions,
		&s.Metrics.ApprovedSubmissions, &s.Metrics.AvgConfidence, &s.Metrics.QualityRating,
		&lastAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastAt.Valid {
		t := lastAt.Time
		s.Metrics.LastSubmissionAt = &t
	}
	return &s, nil
}
