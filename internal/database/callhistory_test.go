package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parleo/parleo/internal/database/models"
)

func insertCall(t *testing.T, repo CallHistoryRepository, status string, startedAt time.Time, receiverStatus string) string {
	t.Helper()
	id := uuid.NewString()
	rec := &models.CallRecord{
		ID:               id,
		InitiatorID:      "alice",
		ParticipantCount: 2,
		CallType:         "voice",
		Provider:         "p2p",
		Status:           status,
		Duration:         16,
		StartedAt:        startedAt,
		EndedAt:          startedAt.Add(16 * time.Second),
	}
	parts := []models.CallParticipant{
		{UserID: "alice", Role: models.RoleHost, Status: models.ParticipantJoined},
		{UserID: "bob", Role: models.RoleMember, Status: receiverStatus},
	}
	if err := repo.CreateWithParticipants(context.Background(), rec, parts); err != nil {
		t.Fatalf("creating call record: %v", err)
	}
	return id
}

func TestCreateAndGetCall(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallHistoryRepository(db)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	id := insertCall(t, repo, models.CallCompleted, started, models.ParticipantJoined)

	rec, parts, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != models.CallCompleted || rec.Duration != 16 {
		t.Errorf("record = %+v", rec)
	}
	if len(parts) != 2 {
		t.Fatalf("participants = %d, want 2", len(parts))
	}

	hosts := 0
	for _, p := range parts {
		if p.Role == models.RoleHost {
			hosts++
		}
	}
	if hosts != 1 {
		t.Errorf("host rows = %d, want exactly 1", hosts)
	}
}

func TestParticipantUniquePerCall(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallHistoryRepository(db)

	rec := &models.CallRecord{
		ID: uuid.NewString(), InitiatorID: "alice", ParticipantCount: 2,
		CallType: "voice", Provider: "p2p", Status: models.CallCompleted,
		StartedAt: time.Now(), EndedAt: time.Now(),
	}
	parts := []models.CallParticipant{
		{UserID: "alice", Role: models.RoleHost, Status: models.ParticipantJoined},
		{UserID: "alice", Role: models.RoleMember, Status: models.ParticipantJoined},
	}
	if err := repo.CreateWithParticipants(context.Background(), rec, parts); err == nil {
		t.Fatal("expected unique constraint violation for duplicate participant")
	}

	// The failed transaction must not leave a partial record behind.
	if _, _, err := repo.GetByID(context.Background(), rec.ID); err == nil {
		t.Fatal("record persisted despite participant insert failure")
	}
}

func TestCountMissedSince(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallHistoryRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	insertCall(t, repo, models.CallNoAnswer, now.Add(-2*time.Hour), models.ParticipantMissed)
	insertCall(t, repo, models.CallNoAnswer, now.Add(-10*time.Minute), models.ParticipantMissed)
	insertCall(t, repo, models.CallCompleted, now.Add(-5*time.Minute), models.ParticipantJoined)

	// Viewed an hour ago: only the 10-minute-old missed call counts.
	count, err := repo.CountMissedSince(ctx, "bob", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("missed count = %d, want 1", count)
	}

	// Never viewed: both missed calls count.
	count, err = repo.CountMissedSince(ctx, "bob", time.Time{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("missed count = %d, want 2", count)
	}

	// The caller has no missed rows.
	count, _ = repo.CountMissedSince(ctx, "alice", time.Time{})
	if count != 0 {
		t.Errorf("caller missed count = %d, want 0", count)
	}
}

func TestListByUserExcludesSoftDeleted(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallHistoryRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	id1 := insertCall(t, repo, models.CallCompleted, now.Add(-time.Hour), models.ParticipantJoined)
	insertCall(t, repo, models.CallCompleted, now, models.ParticipantJoined)

	if err := repo.SoftDelete(ctx, id1); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	recs, err := repo.ListByUser(ctx, "bob", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1 after soft delete", len(recs))
	}
	if recs[0].ID == id1 {
		t.Error("soft-deleted record returned")
	}
}
