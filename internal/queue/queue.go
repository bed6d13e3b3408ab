// Package queue decouples media upload confirmation from processing. Two
// providers exist: an in-process broker for single-node deployments and a
// long-poll HTTP client for a remote queue shared by dedicated workers.
package queue

import (
	"context"
	"time"
)

// Job kinds. The kind selects the worker pipeline, not the payload shape.
const (
	KindImage = "media-image"
	KindVideo = "media-video"
	KindFile  = "media-file"
)

// Job is the envelope carried through either provider.
type Job struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	AttachmentID string    `json:"attachmentId"`
	Attempt      int       `json:"attempt"` // 1-based delivery attempt
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// Handler processes one job. A returned error triggers redelivery until the
// provider's attempt budget runs out.
type Handler func(ctx context.Context, job Job) error

// Stats is a point-in-time snapshot of a provider.
type Stats struct {
	Depth        int   `json:"depth"`
	Enqueued     int64 `json:"enqueued"`
	Processed    int64 `json:"processed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
}

// Queue is the enqueue surface the media service depends on.
type Queue interface {
	EnqueueImage(ctx context.Context, attachmentID string) error
	EnqueueVideo(ctx context.Context, attachmentID string) error
	EnqueueFile(ctx context.Context, attachmentID string) error
	Stats() Stats
}
