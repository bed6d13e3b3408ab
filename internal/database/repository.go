package database

import (
	"context"
	"time"

	"github.com/parleo/parleo/internal/database/models"
)

// CallHistoryRepository persists finalized calls and their participants.
type CallHistoryRepository interface {
	// CreateWithParticipants writes the record and all participant rows in
	// one transaction. The finalizer is the only caller.
	CreateWithParticipants(ctx context.Context, rec *models.CallRecord, parts []models.CallParticipant) error
	GetByID(ctx context.Context, id string) (*models.CallRecord, []models.CallParticipant, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.CallRecord, error)
	// CountMissedSince counts missed participant rows for a user whose
	// parent call started after the given instant.
	CountMissedSince(ctx context.Context, userID string, since time.Time) (int, error)
	SoftDelete(ctx context.Context, id string) error
}

// MediaRepository manages media attachment rows.
type MediaRepository interface {
	Create(ctx context.Context, att *models.MediaAttachment) error
	GetByID(ctx context.Context, id string) (*models.MediaAttachment, error)
	GetByUploadID(ctx context.Context, uploadID string) (*models.MediaAttachment, error)
	Update(ctx context.Context, att *models.MediaAttachment) error
	UpdateStatus(ctx context.Context, id, status, processingError string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	SoftDelete(ctx context.Context, id string) error
	// ListPendingBefore returns pending/uploaded rows created before the
	// cutoff; used to expire abandoned uploads.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.MediaAttachment, error)
	// ListDeletedBefore returns soft-deleted rows past the retention window.
	ListDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.MediaAttachment, error)
	Purge(ctx context.Context, id string) error
}

// EventLogRepository is the durable log of critical domain events.
type EventLogRepository interface {
	// Upsert stores the event, ignoring duplicates by event ID.
	Upsert(ctx context.Context, e *models.StoredEvent) error
	GetByID(ctx context.Context, eventID string) (*models.StoredEvent, error)
	ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]models.StoredEvent, error)
}

// LedgerRepository is the processed-event idempotency ledger.
type LedgerRepository interface {
	// Get returns the entry for (eventID, handler), or nil if absent.
	Get(ctx context.Context, eventID, handler string) (*models.ProcessedEvent, error)
	MarkSucceeded(ctx context.Context, eventID, handler string) error
	MarkFailed(ctx context.Context, eventID, handler, lastError string) error
}

// PushTokenRepository manages device tokens for call wake-up pushes.
type PushTokenRepository interface {
	Upsert(ctx context.Context, token *models.PushToken) error
	GetByUserID(ctx context.Context, userID string) ([]models.PushToken, error)
	DeleteByToken(ctx context.Context, token string) error
}
