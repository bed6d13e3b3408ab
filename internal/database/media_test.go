package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parleo/parleo/internal/database/models"
)

func newTestAttachment() *models.MediaAttachment {
	return &models.MediaAttachment{
		ID:               uuid.NewString(),
		UploadID:         uuid.NewString(),
		UploaderID:       "alice",
		OriginalName:     "photo.jpg",
		MimeType:         "image/jpeg",
		MediaType:        models.MediaTypeImage,
		Size:             1024,
		KeyTemp:          "temp/alice/abc",
		ProcessingStatus: models.MediaPending,
	}
}

func TestMediaCreateGetUpdate(t *testing.T) {
	db := openTestDB(t)
	repo := NewMediaRepository(db)
	ctx := context.Background()

	att := newTestAttachment()
	if err := repo.Create(ctx, att); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByUploadID(ctx, att.UploadID)
	if err != nil {
		t.Fatalf("get by upload id: %v", err)
	}
	if got.ProcessingStatus != models.MediaPending || got.KeyTemp != att.KeyTemp {
		t.Errorf("attachment = %+v", got)
	}

	// Simulate the validate-and-move step: temp key cleared, permanent set.
	got.KeyTemp = ""
	got.Key = "permanent/2026/08/unlinked/abcdef123456.jpg"
	got.ProcessingStatus = models.MediaReady
	got.CDNURL = "https://cdn.example.com/" + got.Key
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err = repo.GetByID(ctx, att.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.KeyTemp != "" || got.Key == "" {
		t.Error("temp and permanent keys must be mutually exclusive after the move")
	}
	if got.ProcessingStatus != models.MediaReady {
		t.Errorf("status = %q, want ready", got.ProcessingStatus)
	}
}

func TestMediaIncrementRetry(t *testing.T) {
	db := openTestDB(t)
	repo := NewMediaRepository(db)
	ctx := context.Background()

	att := newTestAttachment()
	if err := repo.Create(ctx, att); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := repo.IncrementRetry(ctx, att.ID)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Errorf("retry count = %d, want %d", got, want)
		}
	}
}

func TestMediaCleanupQueries(t *testing.T) {
	db := openTestDB(t)
	repo := NewMediaRepository(db)
	ctx := context.Background()

	stale := newTestAttachment()
	if err := repo.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	fresh := newTestAttachment()
	if err := repo.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	// Both rows were just created; nothing is stale yet.
	rows, err := repo.ListPendingBefore(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("stale rows = %d, want 0", len(rows))
	}

	// With a future cutoff both qualify.
	rows, err = repo.ListPendingBefore(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("stale rows = %d, want 2", len(rows))
	}

	// Soft-delete one and purge it.
	if err := repo.SoftDelete(ctx, stale.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	deleted, err := repo.ListDeletedBefore(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list deleted: %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != stale.ID {
		t.Fatalf("deleted rows = %+v, want the soft-deleted one", deleted)
	}

	if err := repo.Purge(ctx, stale.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := repo.GetByID(ctx, stale.ID); err == nil {
		t.Error("purged row still readable")
	}
}
