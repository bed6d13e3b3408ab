package database

import (
	"context"
	"fmt"

	"github.com/parleo/parleo/internal/database/models"
)

// pushTokenRepo implements PushTokenRepository.
type pushTokenRepo struct {
	db *DB
}

// NewPushTokenRepository creates a new PushTokenRepository.
func NewPushTokenRepository(db *DB) PushTokenRepository {
	return &pushTokenRepo{db: db}
}

// Upsert inserts or updates a push token for a given user and device.
func (r *pushTokenRepo) Upsert(ctx context.Context, token *models.PushToken) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO push_tokens (user_id, token, platform, device_id, app_version, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(user_id, device_id) DO UPDATE SET
		   token = excluded.token,
		   platform = excluded.platform,
		   app_version = excluded.app_version,
		   updated_at = datetime('now')`,
		token.UserID, token.Token, token.Platform, token.DeviceID, nullStr(token.AppVersion),
	)
	if err != nil {
		return fmt.Errorf("upserting push token: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	token.ID = id
	return nil
}

// GetByUserID returns all push tokens for a user, most recent first.
func (r *pushTokenRepo) GetByUserID(ctx context.Context, userID string) ([]models.PushToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, token, platform, device_id, COALESCE(app_version, ''), created_at, updated_at
		 FROM push_tokens WHERE user_id = ? ORDER BY updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.PushToken
	for rows.Next() {
		var t models.PushToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform,
			&t.DeviceID, &t.AppVersion, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteByToken removes a token (device unregistered or gateway reported it
// invalid).
func (r *pushTokenRepo) DeleteByToken(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("deleting push token: %w", err)
	}
	return nil
}
