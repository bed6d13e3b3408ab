package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/parleo/parleo/internal/database/models"
)

// ledgerRepo implements LedgerRepository.
type ledgerRepo struct {
	db *DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *DB) LedgerRepository {
	return &ledgerRepo{db: db}
}

// Get returns the entry for (eventID, handler), or nil if the pair has never
// been recorded.
func (r *ledgerRepo) Get(ctx context.Context, eventID, handler string) (*models.ProcessedEvent, error) {
	var e models.ProcessedEvent
	var lastErr sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT event_id, handler, status, last_error, processed_at
		 FROM processed_events WHERE event_id = ? AND handler = ?`,
		eventID, handler,
	).Scan(&e.EventID, &e.Handler, &e.Status, &lastErr, &e.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	e.LastError = lastErr.String
	return &e, nil
}

// MarkSucceeded records a successful handler run. A success is terminal and
// overwrites an earlier failure.
func (r *ledgerRepo) MarkSucceeded(ctx context.Context, eventID, handler string) error {
	return r.mark(ctx, eventID, handler, models.LedgerSucceeded, "")
}

// MarkFailed records a failed run with its error. A failed entry does not
// block retries; the idempotency probe skips only on success.
func (r *ledgerRepo) MarkFailed(ctx context.Context, eventID, handler, lastError string) error {
	return r.mark(ctx, eventID, handler, models.LedgerFailed, lastError)
}

func (r *ledgerRepo) mark(ctx context.Context, eventID, handler, status, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, handler, status, last_error)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(event_id, handler) DO UPDATE SET
		   status = excluded.status,
		   last_error = excluded.last_error,
		   processed_at = datetime('now')`,
		eventID, handler, status, nullStr(lastError),
	)
	if err != nil {
		return fmt.Errorf("recording ledger entry (%s, %s): %w", eventID, handler, err)
	}
	return nil
}
