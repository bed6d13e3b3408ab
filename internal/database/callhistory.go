package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parleo/parleo/internal/database/models"
)

// callHistoryRepo implements CallHistoryRepository.
type callHistoryRepo struct {
	db *DB
}

// NewCallHistoryRepository creates a new CallHistoryRepository.
func NewCallHistoryRepository(db *DB) CallHistoryRepository {
	return &callHistoryRepo{db: db}
}

// CreateWithParticipants writes the record and all participant rows in one
// transaction.
func (r *callHistoryRepo) CreateWithParticipants(ctx context.Context, rec *models.CallRecord, parts []models.CallParticipant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning call history transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO call_records (id, initiator_id, participant_count, call_type,
		 provider, conversation_id, status, duration, started_at, ended_at, end_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.InitiatorID, rec.ParticipantCount, rec.CallType,
		rec.Provider, nullStr(rec.ConversationID), rec.Status, rec.Duration,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), nullStr(rec.EndReason),
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	for i := range parts {
		p := &parts[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO call_participants (call_id, user_id, role, status, joined_at, left_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, p.UserID, p.Role, p.Status, nullTime(p.JoinedAt), nullTime(p.LeftAt),
		)
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", p.UserID, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			p.ID = id
		}
		p.CallID = rec.ID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing call history: %w", err)
	}
	return nil
}

// GetByID returns a record with its participants.
func (r *callHistoryRepo) GetByID(ctx context.Context, id string) (*models.CallRecord, []models.CallParticipant, error) {
	rec, err := scanCallRecord(r.db.QueryRowContext(ctx,
		`SELECT id, initiator_id, participant_count, call_type, provider,
		 conversation_id, status, duration, started_at, ended_at, end_reason,
		 deleted_at, created_at
		 FROM call_records WHERE id = ?`, id,
	))
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, user_id, role, status, joined_at, left_at
		 FROM call_participants WHERE call_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var parts []models.CallParticipant
	for rows.Next() {
		var p models.CallParticipant
		var joined, left sql.NullTime
		if err := rows.Scan(&p.ID, &p.CallID, &p.UserID, &p.Role, &p.Status, &joined, &left); err != nil {
			return nil, nil, fmt.Errorf("scanning participant: %w", err)
		}
		if joined.Valid {
			p.JoinedAt = &joined.Time
		}
		if left.Valid {
			p.LeftAt = &left.Time
		}
		parts = append(parts, p)
	}
	return rec, parts, rows.Err()
}

// ListByUser returns a user's call history, newest first, excluding
// soft-deleted records.
func (r *callHistoryRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.initiator_id, c.participant_count, c.call_type, c.provider,
		 c.conversation_id, c.status, c.duration, c.started_at, c.ended_at,
		 c.end_reason, c.deleted_at, c.created_at
		 FROM call_records c
		 JOIN call_participants p ON p.call_id = c.id
		 WHERE p.user_id = ? AND c.deleted_at IS NULL
		 ORDER BY c.started_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying call history: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		rec, err := scanCallRecordRows(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// CountMissedSince counts missed participant rows for a user whose parent
// call started after the given instant.
func (r *callHistoryRepo) CountMissedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM call_participants p
		 JOIN call_records c ON c.id = p.call_id
		 WHERE p.user_id = ? AND p.status = ? AND c.started_at > ? AND c.deleted_at IS NULL`,
		userID, models.ParticipantMissed, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting missed calls: %w", err)
	}
	return count, nil
}

// SoftDelete marks a record deleted without removing rows.
func (r *callHistoryRepo) SoftDelete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET deleted_at = datetime('now') WHERE id = ? AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting call record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(row rowScanner) (*models.CallRecord, error) {
	rec, err := scanCallRecordRows(row)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	return rec, err
}

func scanCallRecordRows(row rowScanner) (*models.CallRecord, error) {
	var rec models.CallRecord
	var conv, reason sql.NullString
	var deleted sql.NullTime
	err := row.Scan(&rec.ID, &rec.InitiatorID, &rec.ParticipantCount, &rec.CallType,
		&rec.Provider, &conv, &rec.Status, &rec.Duration, &rec.StartedAt,
		&rec.EndedAt, &reason, &deleted, &rec.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	rec.ConversationID = conv.String
	rec.EndReason = reason.String
	if deleted.Valid {
		rec.DeletedAt = &deleted.Time
	}
	return &rec, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
