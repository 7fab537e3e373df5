package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartTransaction starts a new database transaction.
func StartTransaction(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction. Rolling back a
// committed transaction is a no-op.
func RollbackTransaction(tx *sql.Tx) {
	_ = tx.Rollback()
}

func RecordEvent(ctx context.Context, db *sql.DB, e Event) error {
	tx, err := StartTransaction(ctx, db)
	if err != nil {
		return err
	}
	defer RollbackTransaction(tx)

	if err := RecordEventWithTx(ctx, tx, e); err != nil {
		return err
	}
	return CommitTransaction(tx)
}

func RecordEventWithTx(ctx context.Context, tx *sql.Tx, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO events (id, ts, kind, role, detail, source) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.At), string(e.Kind), e.Role, e.Detail, e.Source)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecordPhoto stores the photo and a matching journal event atomically.
func RecordPhoto(ctx context.Context, db *sql.DB, p Photo) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}

	tx, err := StartTransaction(ctx, db)
	if err != nil {
		return err
	}
	defer RollbackTransaction(tx)

	_, err = tx.ExecContext(ctx, `INSERT INTO photos (id, ts, path, trigger) VALUES (?, ?, ?, ?)`,
		p.ID, formatTime(p.At), p.Path, p.Trigger)
	if err != nil {
		return fmt.Errorf("insert photo: %w", err)
	}
	if err := RecordEventWithTx(ctx, tx, Event{Kind: KindPhoto, At: p.At, Detail: p.Path, Source: p.Trigger}); err != nil {
		return err
	}
	return CommitTransaction(tx)
}

// PruneEvents deletes journal events older than before and returns how many
// were removed. Photos are kept; their files outlive the journal anyway.
func PruneEvents(ctx context.Context, db *sql.DB, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
