package media

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/parleo/parleo/internal/clock"
	"github.com/parleo/parleo/internal/config"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/database/models"
	"github.com/parleo/parleo/internal/events"
	"github.com/parleo/parleo/internal/queue"
)

// Worker turns queued jobs into renditions and the final atomic move. One
// Worker instance serves all job kinds; it is safe for concurrent use.
type Worker struct {
	repo   database.MediaRepository
	blob   BlobStore
	video  VideoProcessor
	bus    *events.Bus
	cfg    *config.Config
	clk    clock.Clock
	logger *slog.Logger
}

// NewWorker wires the pipeline back half.
func NewWorker(repo database.MediaRepository, blob BlobStore, video VideoProcessor, bus *events.Bus, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Worker {
	return &Worker{
		repo:   repo,
		blob:   blob,
		video:  video,
		bus:    bus,
		cfg:    cfg,
		clk:    clk,
		logger: logger.With("subsystem", "media-worker"),
	}
}

// Handle is the queue.Handler for all media job kinds. A returned error
// requests redelivery; permanent failures are absorbed after the retry
// budget and surfaced as media.failed.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	att, err := w.repo.GetByID(ctx, job.AttachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.logger.Warn("job for unknown attachment dropped", "attachment_id", job.AttachmentID)
			return nil
		}
		return fmt.Errorf("media: loading attachment: %w", err)
	}

	// Redelivered job racing an earlier success or final failure.
	if att.ProcessingStatus == models.MediaReady || att.ProcessingStatus == models.MediaFailed {
		return nil
	}

	if err := w.process(ctx, att); err != nil {
		return w.fail(ctx, att, err)
	}

	if perr := w.bus.Publish(ctx, lifecycleEvent(events.TopicMediaProcessed, att, doneProgress)); perr != nil {
		w.logger.Warn("publishing media.processed", "attachment_id", att.ID, "error", perr)
	}
	w.logger.Info("attachment processed", "attachment_id", att.ID, "type", att.MediaType)
	return nil
}

func (w *Worker) process(ctx context.Context, att *models.MediaAttachment) error {
	// A redelivered job may find the blob already moved; adopt the
	// permanent key instead of failing on the vanished temp object.
	srcKey := att.KeyTemp
	moved := srcKey == "" && att.Key != ""
	if moved {
		srcKey = att.Key
	}

	src, err := w.blob.Open(ctx, srcKey)
	if err != nil {
		return fmt.Errorf("media: opening source blob: %w", err)
	}
	defer src.Close()

	// Sniff the signature off the front, then splice the head back on so
	// the processors see the whole object without it ever being buffered.
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("media: reading source blob: %w", err)
	}
	head = head[:n]
	if err := VerifyMagic(head, att.MimeType); err != nil {
		return err
	}
	body := io.MultiReader(bytes.NewReader(head), src)

	_, ext, err := ClassifyMime(att.MimeType)
	if err != nil {
		return err
	}
	key := srcKey
	if !moved {
		key = PermanentKey(att.UploadID, ext, w.clk.Now())
	}
	base := strings.TrimSuffix(key, ext)

	switch att.MediaType {
	case models.MediaTypeImage:
		res, err := ProcessImage(body)
		if err != nil {
			return err
		}
		if _, err := w.blob.Put(ctx, base+"_thumb.jpg", bytes.NewReader(res.Thumbnail)); err != nil {
			return err
		}
		att.ThumbnailURL = w.publicURL(base + "_thumb.jpg")
		if len(res.Optimized) > 0 {
			if _, err := w.blob.Put(ctx, base+"_opt.jpg", bytes.NewReader(res.Optimized)); err != nil {
				return err
			}
			att.OptimizedURL = w.publicURL(base + "_opt.jpg")
		}

	case models.MediaTypeVideo:
		if err := w.processVideo(ctx, att, body, base); err != nil {
			return err
		}
	}

	if !moved {
		if err := w.blob.Move(ctx, att.KeyTemp, key); err != nil {
			return err
		}
	}

	att.Key = key
	att.KeyTemp = ""
	att.CDNURL = w.publicURL(key)
	att.ProcessingStatus = models.MediaReady
	att.ProcessingError = ""
	if err := w.repo.Update(ctx, att); err != nil {
		return fmt.Errorf("media: finalizing attachment: %w", err)
	}
	return nil
}

// sniffLen covers every signature offset in the magic table.
const sniffLen = 64

// processVideo stream-copies the blob to a scratch file for the ffmpeg
// tools; the original is never held in memory.
func (w *Worker) processVideo(ctx context.Context, att *models.MediaAttachment, body io.Reader, base string) error {
	scratch, err := os.MkdirTemp("", "parleo-video-*")
	if err != nil {
		return fmt.Errorf("media: creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	srcPath := filepath.Join(scratch, "source")
	f, err := os.OpenFile(srcPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("media: creating scratch source: %w", err)
	}
	_, err = io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("media: staging scratch source: %w", err)
	}

	duration, width, _, err := w.video.Probe(ctx, srcPath)
	if err != nil {
		return err
	}

	thumbPath := filepath.Join(scratch, "thumb.jpg")
	if err := w.video.Thumbnail(ctx, srcPath, thumbPath); err != nil {
		return err
	}
	if err := w.putFile(ctx, base+"_thumb.jpg", thumbPath); err != nil {
		return err
	}
	att.ThumbnailURL = w.publicURL(base + "_thumb.jpg")

	if w.cfg.HLSEnabled && duration >= float64(w.cfg.HLSMinSeconds) && width >= w.cfg.HLSMinWidth {
		hlsDir := filepath.Join(scratch, "hls")
		if err := os.MkdirAll(hlsDir, 0o755); err != nil {
			return fmt.Errorf("media: creating hls dir: %w", err)
		}
		if _, err := w.video.TranscodeHLS(ctx, srcPath, hlsDir); err != nil {
			return err
		}
		entries, err := os.ReadDir(hlsDir)
		if err != nil {
			return fmt.Errorf("media: listing hls output: %w", err)
		}
		for _, e := range entries {
			if err := w.putFile(ctx, path.Join(base+"_hls", e.Name()), filepath.Join(hlsDir, e.Name())); err != nil {
				return err
			}
		}
		att.HLSPlaylistURL = w.publicURL(path.Join(base+"_hls", "index.m3u8"))
	}
	return nil
}

// fail spends one retry; past the budget the attachment is marked failed
// and the job absorbed.
func (w *Worker) fail(ctx context.Context, att *models.MediaAttachment, cause error) error {
	retries, err := w.repo.IncrementRetry(ctx, att.ID)
	if err != nil {
		w.logger.Error("incrementing retry count", "attachment_id", att.ID, "error", err)
		return cause
	}

	if retries < w.cfg.QueueMaxAttempts {
		w.logger.Warn("processing failed, will retry",
			"attachment_id", att.ID,
			"retries", retries,
			"error", cause,
		)
		return cause
	}

	if uerr := w.repo.UpdateStatus(ctx, att.ID, models.MediaFailed, cause.Error()); uerr != nil {
		w.logger.Error("marking attachment failed", "attachment_id", att.ID, "error", uerr)
	}
	att.ProcessingStatus = models.MediaFailed
	att.ProcessingError = cause.Error()
	if perr := w.bus.Publish(ctx, lifecycleEvent(events.TopicMediaFailed, att, doneProgress)); perr != nil {
		w.logger.Warn("publishing media.failed", "attachment_id", att.ID, "error", perr)
	}
	w.logger.Error("attachment failed permanently",
		"attachment_id", att.ID,
		"retries", retries,
		"error", cause,
	)
	return nil
}

func (w *Worker) putFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("media: opening %s: %w", localPath, err)
	}
	defer f.Close()
	_, err = w.blob.Put(ctx, key, f)
	return err
}

func (w *Worker) publicURL(key string) string {
	if w.cfg.CDNBaseURL == "" {
		return "/media/" + key
	}
	return w.cfg.CDNBaseURL + "/" + key
}
