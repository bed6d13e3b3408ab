package media

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleo/parleo/internal/clock"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/database/models"
)

const (
	// abandonedAfter is how long a pending upload may sit before it expires.
	abandonedAfter = 24 * time.Hour

	sweepInterval = time.Hour
	sweepBatch    = 200
)

// Cleaner expires abandoned uploads and purges soft-deleted attachments
// past the retention window, blobs included.
type Cleaner struct {
	repo          database.MediaRepository
	blob          BlobStore
	retentionDays int
	clk           clock.Clock
	logger        *slog.Logger
}

// NewCleaner wires the retention sweep.
func NewCleaner(repo database.MediaRepository, blob BlobStore, retentionDays int, clk clock.Clock, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		repo:          repo,
		blob:          blob,
		retentionDays: retentionDays,
		clk:           clk,
		logger:        logger.With("subsystem", "media-cleanup"),
	}
}

// Run sweeps on an interval until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass of both jobs.
func (c *Cleaner) Sweep(ctx context.Context) {
	c.expireAbandoned(ctx)
	c.purgeDeleted(ctx)
}

func (c *Cleaner) expireAbandoned(ctx context.Context) {
	cutoff := c.clk.Now().Add(-abandonedAfter)
	rows, err := c.repo.ListPendingBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		c.logger.Error("listing abandoned uploads", "error", err)
		return
	}
	for _, att := range rows {
		if att.KeyTemp != "" {
			if err := c.blob.Delete(ctx, att.KeyTemp); err != nil {
				c.logger.Warn("deleting abandoned blob", "attachment_id", att.ID, "error", err)
			}
		}
		if err := c.repo.UpdateStatus(ctx, att.ID, models.MediaExpired, "upload abandoned"); err != nil {
			c.logger.Error("expiring attachment", "attachment_id", att.ID, "error", err)
		}
	}
	if len(rows) > 0 {
		c.logger.Info("expired abandoned uploads", "count", len(rows))
	}
}

func (c *Cleaner) purgeDeleted(ctx context.Context) {
	cutoff := c.clk.Now().AddDate(0, 0, -c.retentionDays)
	rows, err := c.repo.ListDeletedBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		c.logger.Error("listing deleted attachments", "error", err)
		return
	}
	for _, att := range rows {
		for _, key := range att.BlobKeys() {
			if err := c.blob.Delete(ctx, key); err != nil {
				c.logger.Warn("deleting blob", "attachment_id", att.ID, "key", key, "error", err)
			}
		}
		if err := c.repo.Purge(ctx, att.ID); err != nil {
			c.logger.Error("purging attachment row", "attachment_id", att.ID, "error", err)
		}
	}
	if len(rows) > 0 {
		c.logger.Info("purged deleted attachments", "count", len(rows))
	}
}
