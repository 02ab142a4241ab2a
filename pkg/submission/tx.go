package submission

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
)

// WithTx runs fn inside a transaction: commit on nil return, rollback on
// error or panic. Rollbacks are audited; the connection is released on all
// exit paths.
func WithTx(ctx context.Context, db *sql.DB, auditLog audit.Logger, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			recordRollback(ctx, auditLog, fmt.Sprintf("panic: %v", p))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			recordRollback(ctx, auditLog, err.Error())
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit tx: %w", commitErr)
		}
	}()

	err = fn(tx)
	return err
}

func recordRollback(ctx context.Context, auditLog audit.Logger, reason string) {
	if auditLog == nil {
		return
	}
	_ = auditLog.Record(ctx, audit.EventSystem, "system", audit.ActionTxRollback, "database",
		map[string]any{"reason": reason})
}
