package media

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/parleo/parleo/internal/clock"
	"github.com/parleo/parleo/internal/config"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/database/models"
	"github.com/parleo/parleo/internal/events"
	"github.com/parleo/parleo/internal/queue"
)

// Sentinel errors mapped onto transport codes by the API layer.
var (
	ErrUnsupportedType = errors.New("media: unsupported content type")
	ErrTooLarge        = errors.New("media: upload exceeds size limit")
	ErrNotFound        = errors.New("media: attachment not found")
	ErrForbidden       = errors.New("media: not the uploader")
	ErrNotUploaded     = errors.New("media: upload not completed")
	ErrBadSignature    = errors.New("media: invalid or expired upload url")
)

// InitiateResult is returned to a client starting an upload.
type InitiateResult struct {
	AttachmentID string    `json:"attachmentId"`
	UploadID     string    `json:"uploadId"`
	UploadPath   string    `json:"uploadUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MediaType    string    `json:"mediaType"`
}

// Service runs the attachment pipeline up to the point where a job is
// queued; the Worker picks it up from there.
type Service struct {
	repo   database.MediaRepository
	blob   BlobStore
	signer *URLSigner
	queue  queue.Queue
	bus    *events.Bus
	cfg    *config.Config
	clk    clock.Clock
	logger *slog.Logger
}

// NewService wires the media pipeline front half.
func NewService(repo database.MediaRepository, blob BlobStore, signer *URLSigner, q queue.Queue, bus *events.Bus, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		blob:   blob,
		signer: signer,
		queue:  q,
		bus:    bus,
		cfg:    cfg,
		clk:    clk,
		logger: logger.With("subsystem", "media"),
	}
}

// Initiate validates the declared type and size and hands back a signed
// upload URL. Nothing touches the blob store yet. conversationID is the
// destination conversation when the client already knows it; progress
// completion frames fan out to its active viewers.
func (s *Service) Initiate(ctx context.Context, uploaderID, filename, mimeType string, size int64, conversationID string) (*InitiateResult, error) {
	mediaType, _, err := ClassifyMime(mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if size <= 0 || size > s.cfg.MaxBytesFor(mediaType) {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrTooLarge, size, mediaType)
	}

	uploadID := uuid.NewString()
	att := &models.MediaAttachment{
		ID:               uuid.NewString(),
		UploadID:         uploadID,
		UploaderID:       uploaderID,
		ConversationID:   conversationID,
		OriginalName:     filename,
		MimeType:         normalizeMime(mimeType),
		MediaType:        mediaType,
		Size:             size,
		KeyTemp:          "temp/" + uploaderID + "/" + uploadID,
		ProcessingStatus: models.MediaPending,
	}
	if err := s.repo.Create(ctx, att); err != nil {
		return nil, fmt.Errorf("media: creating attachment: %w", err)
	}

	expires := s.clk.Now().Add(s.cfg.UploadURLLifetime())
	return &InitiateResult{
		AttachmentID: att.ID,
		UploadID:     att.UploadID,
		UploadPath:   s.signer.UploadPath(att.UploadID, expires),
		ExpiresAt:    expires,
		MediaType:    mediaType,
	}, nil
}

// HandleUpload receives the client's PUT body. The signature gates access;
// the first bytes are sniffed against the declared type before anything is
// stored.
func (s *Service) HandleUpload(ctx context.Context, uploadID, exp, sig string, body io.Reader) error {
	if err := s.signer.Verify(uploadID, exp, sig, s.clk.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	att, err := s.getByUploadID(ctx, uploadID)
	if err != nil {
		return err
	}
	if att.ProcessingStatus != models.MediaPending && att.ProcessingStatus != models.MediaUploaded {
		return fmt.Errorf("media: upload %s already %s", uploadID, att.ProcessingStatus)
	}

	head := make([]byte, 64)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("media: reading upload: %w", err)
	}
	head = head[:n]
	if err := VerifyMagic(head, att.MimeType); err != nil {
		return err
	}

	limit := s.cfg.MaxBytesFor(att.MediaType)
	reader := io.LimitReader(io.MultiReader(bytes.NewReader(head), body), limit+1)
	written, err := s.blob.Put(ctx, att.KeyTemp, reader)
	if err != nil {
		return err
	}
	if written > limit {
		s.blob.Delete(ctx, att.KeyTemp)
		return fmt.Errorf("%w: body exceeded %d bytes", ErrTooLarge, limit)
	}

	att.Size = written
	att.ProcessingStatus = models.MediaUploaded
	if err := s.repo.Update(ctx, att); err != nil {
		return fmt.Errorf("media: marking uploaded: %w", err)
	}
	return nil
}

// Confirm is called once the client finished its PUT. Audio and documents
// are finalized inline; images and videos go through the queue. Calling
// Confirm again on a processed attachment returns the current row.
func (s *Service) Confirm(ctx context.Context, uploadID, messageID string) (*models.MediaAttachment, error) {
	att, err := s.getByUploadID(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	switch att.ProcessingStatus {
	case models.MediaProcessing, models.MediaReady:
		return att, nil
	case models.MediaUploaded:
	default:
		// The row may lag a finished PUT; trust the blob.
		if _, serr := s.blob.Stat(ctx, att.KeyTemp); serr != nil {
			return nil, ErrNotUploaded
		}
	}

	if messageID != "" {
		att.MessageID = messageID
	}

	if err := s.bus.Publish(ctx, lifecycleEvent(events.TopicMediaUploaded, att, uploadedProgress)); err != nil {
		s.logger.Warn("publishing media.uploaded", "attachment_id", att.ID, "error", err)
	}

	switch att.MediaType {
	case models.MediaTypeAudio, models.MediaTypeDocument:
		if err := s.finalizeInline(ctx, att); err != nil {
			return nil, err
		}
	case models.MediaTypeImage:
		att.ProcessingStatus = models.MediaProcessing
		if err := s.repo.Update(ctx, att); err != nil {
			return nil, fmt.Errorf("media: marking processing: %w", err)
		}
		if err := s.queue.EnqueueImage(ctx, att.ID); err != nil {
			return nil, fmt.Errorf("media: enqueueing image job: %w", err)
		}
	case models.MediaTypeVideo:
		att.ProcessingStatus = models.MediaProcessing
		if err := s.repo.Update(ctx, att); err != nil {
			return nil, fmt.Errorf("media: marking processing: %w", err)
		}
		if err := s.queue.EnqueueVideo(ctx, att.ID); err != nil {
			return nil, fmt.Errorf("media: enqueueing video job: %w", err)
		}
	}
	return att, nil
}

// finalizeInline moves the blob to its permanent key without derived
// renditions. Used for audio and documents.
func (s *Service) finalizeInline(ctx context.Context, att *models.MediaAttachment) error {
	_, ext, err := ClassifyMime(att.MimeType)
	if err != nil {
		return err
	}
	key := PermanentKey(att.UploadID, ext, s.clk.Now())
	if err := s.blob.Move(ctx, att.KeyTemp, key); err != nil {
		return err
	}

	att.Key = key
	att.KeyTemp = ""
	att.CDNURL = s.publicURL(key)
	att.ProcessingStatus = models.MediaReady
	if err := s.repo.Update(ctx, att); err != nil {
		return fmt.Errorf("media: finalizing attachment: %w", err)
	}

	if err := s.bus.Publish(ctx, lifecycleEvent(events.TopicMediaProcessed, att, doneProgress)); err != nil {
		s.logger.Warn("publishing media.processed", "attachment_id", att.ID, "error", err)
	}
	return nil
}

// Get returns an attachment by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.MediaAttachment, error) {
	att, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if att.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return att, nil
}

// Delete soft-deletes an attachment. Only the uploader may delete; the
// blobs are purged later by the retention sweep.
func (s *Service) Delete(ctx context.Context, id, requesterID string) error {
	att, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if att.UploaderID != requesterID {
		return ErrForbidden
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("media: soft-deleting attachment: %w", err)
	}

	if err := s.bus.Publish(ctx, lifecycleEvent(events.TopicMediaDeleted, att, doneProgress)); err != nil {
		s.logger.Warn("publishing media.deleted", "attachment_id", att.ID, "error", err)
	}
	return nil
}

// Coarse progress points reported to clients: the PUT finished, or the
// pipeline reached a terminal state.
const (
	uploadedProgress = 50
	doneProgress     = 100
)

// lifecycleEvent snapshots an attachment into a media event so consumers
// (progress frames included) never need a follow-up fetch.
func lifecycleEvent(topic string, att *models.MediaAttachment, progress int) events.MediaEvent {
	return events.NewMediaEvent(topic, events.MediaEvent{
		AttachmentID:   att.ID,
		UploaderID:     att.UploaderID,
		ConversationID: att.ConversationID,
		MediaType:      att.MediaType,
		MessageID:      att.MessageID,
		Status:         att.ProcessingStatus,
		Progress:       progress,
		ThumbnailURL:   att.ThumbnailURL,
		OptimizedURL:   att.OptimizedURL,
		HLSPlaylistURL: att.HLSPlaylistURL,
		CDNURL:         att.CDNURL,
		Error:          att.ProcessingError,
	})
}

// Stats exposes queue counters for the metrics collector.
func (s *Service) Stats() queue.Stats {
	return s.queue.Stats()
}

func (s *Service) getByUploadID(ctx context.Context, uploadID string) (*models.MediaAttachment, error) {
	att, err := s.repo.GetByUploadID(ctx, uploadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return att, nil
}

func (s *Service) publicURL(key string) string {
	if s.cfg.CDNBaseURL == "" {
		return "/media/" + key
	}
	return s.cfg.CDNBaseURL + "/" + key
}

// PermanentKey derives the stable object key for an upload. Attachments are
// filed by month and keyed by a digest of the upload ID, so the path leaks
// neither uploader nor filename.
func PermanentKey(uploadID, ext string, now time.Time) string {
	sum := md5.Sum([]byte(uploadID))
	name := hex.EncodeToString(sum[:])[:12]
	return path.Join("permanent",
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		"unlinked",
		name+ext,
	)
}
