package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// PostgresSink persists chained audit entries and security alerts to
// relational tables for retention beyond process lifetime. The in-process
// Store stays authoritative for chain verification; rows here are an export.
type PostgresSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSink creates the sink and ensures the schema exists.
func NewPostgresSink(ctx context.Context, db *sql.DB, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresSink{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			entry_id TEXT PRIMARY KEY,
			sequence BIGINT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			metadata JSONB,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_action_time ON audit_log (action, timestamp)`,
		`CREATE TABLE IF NOT EXISTS security_alert (
			alert_id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			severity TEXT NOT NULL,
			source TEXT NOT NULL,
			reason TEXT NOT NULL,
			metadata JSONB,
			resolved_at TIMESTAMPTZ,
			resolved_by TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit tables: %w", err)
		}
	}
	return nil
}

// Persist writes one chained entry. Suitable as a Store handler; failures
// are logged, never propagated, so the in-memory chain always wins.
func (s *PostgresSink) Persist(entry *Entry) {
	var metadata any
	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			s.logger.Warn("audit entry metadata marshal failed", "entry_id", entry.EntryID, "error", err)
		} else {
			metadata = data
		}
	}
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO audit_log (entry_id, sequence, timestamp, type, actor_id,
			action, resource, metadata, previous_hash, entry_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (entry_id) DO NOTHING`,
		entry.EntryID, entry.Sequence, entry.Timestamp, entry.Type, entry.ActorID,
		entry.Action, entry.Resource, metadata, entry.PreviousHash, entry.EntryHash)
	if err != nil {
		s.logger.Warn("audit entry persist failed", "entry_id", entry.EntryID, "error", err)
	}
}

// PersistAlert upserts one security alert row, including resolution state.
func (s *PostgresSink) PersistAlert(ctx context.Context, alert *SecurityAlert) error {
	var metadata any
	if alert.Metadata != nil {
		data, err := json.Marshal(alert.Metadata)
		if err != nil {
			return fmt.Errorf("marshal alert metadata: %w", err)
		}
		metadata = data
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_alert (alert_id, timestamp, severity, source, reason,
			metadata, resolved_at, resolved_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (alert_id) DO UPDATE SET
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by`,
		alert.AlertID, alert.Timestamp, alert.Severity, alert.Source, alert.Reason,
		metadata, alert.ResolvedAt, alert.ResolvedBy)
	if err != nil {
		return fmt.Errorf("persist security alert: %w", err)
	}
	return nil
}
