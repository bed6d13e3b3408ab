package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/parleo/parleo/internal/database/models"
)

// eventLogRepo implements EventLogRepository.
type eventLogRepo struct {
	db *DB
}

// NewEventLogRepository creates a new EventLogRepository.
func NewEventLogRepository(db *DB) EventLogRepository {
	return &eventLogRepo{db: db}
}

// Upsert stores the event, ignoring duplicates by event ID. Redelivered
// events therefore write exactly one row.
func (r *eventLogRepo) Upsert(ctx context.Context, e *models.StoredEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (event_id, event_type, version, source,
		 aggregate_id, correlation_id, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		e.EventID, e.EventType, e.Version, e.Source,
		e.AggregateID, nullStr(e.CorrelationID), e.Payload, e.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting event %s: %w", e.EventID, err)
	}
	return nil
}

// GetByID returns a stored event by event ID.
func (r *eventLogRepo) GetByID(ctx context.Context, eventID string) (*models.StoredEvent, error) {
	return scanStoredEvent(r.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, version, source, aggregate_id,
		 correlation_id, payload, occurred_at, stored_at
		 FROM event_log WHERE event_id = ?`, eventID))
}

// ListByAggregate returns events for one aggregate, oldest first.
func (r *eventLogRepo) ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]models.StoredEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, event_type, version, source, aggregate_id,
		 correlation_id, payload, occurred_at, stored_at
		 FROM event_log WHERE aggregate_id = ? ORDER BY occurred_at LIMIT ?`,
		aggregateID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying event log: %w", err)
	}
	defer rows.Close()

	var out []models.StoredEvent
	for rows.Next() {
		e, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanStoredEvent(row rowScanner) (*models.StoredEvent, error) {
	var e models.StoredEvent
	var corr sql.NullString
	err := row.Scan(&e.EventID, &e.EventType, &e.Version, &e.Source,
		&e.AggregateID, &corr, &e.Payload, &e.OccurredAt, &e.StoredAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning stored event: %w", err)
	}
	e.CorrelationID = corr.String
	return &e, nil
}
