package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parleo/parleo/internal/database/models"
)

// mediaRepo implements MediaRepository.
type mediaRepo struct {
	db *DB
}

// NewMediaRepository creates a new MediaRepository.
func NewMediaRepository(db *DB) MediaRepository {
	return &mediaRepo{db: db}
}

const mediaColumns = `id, upload_id, uploader_id, conversation_id, original_name,
	mime_type, media_type, size, s3_key_temp, s3_key, cdn_url, thumbnail_url,
	optimized_url, hls_playlist_url, processing_status, processing_error,
	retry_count, message_id, deleted_at, created_at, updated_at`

// Create inserts a new pending attachment row.
func (r *mediaRepo) Create(ctx context.Context, att *models.MediaAttachment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO media_attachments (id, upload_id, uploader_id, conversation_id,
		 original_name, mime_type, media_type, size, s3_key_temp, processing_status,
		 message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.UploadID, att.UploaderID, nullStr(att.ConversationID),
		att.OriginalName, att.MimeType, att.MediaType, att.Size, nullStr(att.KeyTemp),
		att.ProcessingStatus, nullStr(att.MessageID),
	)
	if err != nil {
		return fmt.Errorf("inserting media attachment: %w", err)
	}
	return nil
}

// GetByID returns an attachment by ID.
func (r *mediaRepo) GetByID(ctx context.Context, id string) (*models.MediaAttachment, error) {
	return scanAttachment(r.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media_attachments WHERE id = ?`, id))
}

// GetByUploadID returns an attachment by upload ID.
func (r *mediaRepo) GetByUploadID(ctx context.Context, uploadID string) (*models.MediaAttachment, error) {
	return scanAttachment(r.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media_attachments WHERE upload_id = ?`, uploadID))
}

// Update rewrites every mutable column of an attachment.
func (r *mediaRepo) Update(ctx context.Context, att *models.MediaAttachment) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE media_attachments SET s3_key_temp = ?, s3_key = ?, cdn_url = ?,
		 thumbnail_url = ?, optimized_url = ?, hls_playlist_url = ?,
		 processing_status = ?, processing_error = ?, retry_count = ?,
		 message_id = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		nullStr(att.KeyTemp), nullStr(att.Key), nullStr(att.CDNURL),
		nullStr(att.ThumbnailURL), nullStr(att.OptimizedURL), nullStr(att.HLSPlaylistURL),
		att.ProcessingStatus, nullStr(att.ProcessingError), att.RetryCount,
		nullStr(att.MessageID), att.ID,
	)
	if err != nil {
		return fmt.Errorf("updating media attachment: %w", err)
	}
	return nil
}

// UpdateStatus sets only the processing status and error.
func (r *mediaRepo) UpdateStatus(ctx context.Context, id, status, processingError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE media_attachments SET processing_status = ?, processing_error = ?,
		 updated_at = datetime('now') WHERE id = ?`,
		status, nullStr(processingError), id,
	)
	if err != nil {
		return fmt.Errorf("updating media status: %w", err)
	}
	return nil
}

// IncrementRetry bumps retry_count and returns the new value.
func (r *mediaRepo) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`UPDATE media_attachments SET retry_count = retry_count + 1,
		 updated_at = datetime('now') WHERE id = ?
		 RETURNING retry_count`, id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing retry count: %w", err)
	}
	return count, nil
}

// SoftDelete marks an attachment deleted; the blob survives until purge.
func (r *mediaRepo) SoftDelete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE media_attachments SET deleted_at = datetime('now'),
		 updated_at = datetime('now') WHERE id = ? AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting attachment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListPendingBefore returns stale pending/uploaded rows for expiry.
func (r *mediaRepo) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.MediaAttachment, error) {
	return r.list(ctx,
		`SELECT `+mediaColumns+` FROM media_attachments
		 WHERE processing_status IN (?, ?) AND created_at < ? AND deleted_at IS NULL
		 ORDER BY created_at LIMIT ?`,
		models.MediaPending, models.MediaUploaded, cutoff.UTC(), limit)
}

// ListDeletedBefore returns soft-deleted rows past the retention window.
func (r *mediaRepo) ListDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.MediaAttachment, error) {
	return r.list(ctx,
		`SELECT `+mediaColumns+` FROM media_attachments
		 WHERE deleted_at IS NOT NULL AND deleted_at < ?
		 ORDER BY deleted_at LIMIT ?`,
		cutoff.UTC(), limit)
}

// Purge removes the row entirely. Call after the blob is gone.
func (r *mediaRepo) Purge(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM media_attachments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("purging attachment: %w", err)
	}
	return nil
}

func (r *mediaRepo) list(ctx context.Context, query string, args ...any) ([]models.MediaAttachment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var atts []models.MediaAttachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, *att)
	}
	return atts, rows.Err()
}

func scanAttachment(row rowScanner) (*models.MediaAttachment, error) {
	var att models.MediaAttachment
	var convID, keyTemp, key, cdn, thumb, opt, hls, procErr, msgID sql.NullString
	var deleted sql.NullTime
	err := row.Scan(&att.ID, &att.UploadID, &att.UploaderID, &convID,
		&att.OriginalName, &att.MimeType, &att.MediaType, &att.Size, &keyTemp,
		&key, &cdn, &thumb, &opt, &hls, &att.ProcessingStatus, &procErr,
		&att.RetryCount, &msgID, &deleted, &att.CreatedAt, &att.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning attachment: %w", err)
	}
	att.ConversationID = convID.String
	att.KeyTemp = keyTemp.String
	att.Key = key.String
	att.CDNURL = cdn.String
	att.ThumbnailURL = thumb.String
	att.OptimizedURL = opt.String
	att.HLSPlaylistURL = hls.String
	att.ProcessingError = procErr.String
	att.MessageID = msgID.String
	if deleted.Valid {
		att.DeletedAt = &deleted.Time
	}
	return &att, nil
}
