package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// LocalConfig tunes the in-process broker.
type LocalConfig struct {
	Concurrency int
	MaxAttempts int
	// Backoff is the base redelivery delay; attempt n waits n*Backoff.
	Backoff time.Duration
	Buffer  int
}

func (c *LocalConfig) withDefaults() {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

// Local is a channel-backed broker running handlers on its own worker pool.
type Local struct {
	cfg     LocalConfig
	handler Handler
	logger  *slog.Logger

	jobs chan Job
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	enqueued     atomic.Int64
	processed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// NewLocal builds the broker; Start launches the workers.
func NewLocal(cfg LocalConfig, handler Handler, logger *slog.Logger) *Local {
	cfg.withDefaults()
	return &Local{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("subsystem", "queue", "provider", "local"),
		jobs:    make(chan Job, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

// Start launches the worker pool. Workers drain until Stop is called or the
// context is cancelled.
func (l *Local) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		for i := 0; i < l.cfg.Concurrency; i++ {
			l.wg.Add(1)
			go l.worker(ctx)
		}
		l.logger.Info("workers started", "concurrency", l.cfg.Concurrency)
	})
}

// Stop shuts the intake and waits for in-flight jobs to finish.
func (l *Local) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
}

func (l *Local) EnqueueImage(ctx context.Context, attachmentID string) error {
	return l.enqueue(ctx, KindImage, attachmentID)
}

func (l *Local) EnqueueVideo(ctx context.Context, attachmentID string) error {
	return l.enqueue(ctx, KindVideo, attachmentID)
}

func (l *Local) EnqueueFile(ctx context.Context, attachmentID string) error {
	return l.enqueue(ctx, KindFile, attachmentID)
}

func (l *Local) enqueue(ctx context.Context, kind, attachmentID string) error {
	job := Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		AttachmentID: attachmentID,
		Attempt:      1,
		EnqueuedAt:   time.Now().UTC(),
	}
	select {
	case l.jobs <- job:
		l.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return fmt.Errorf("queue: broker stopped")
	}
}

func (l *Local) worker(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case job := <-l.jobs:
			l.process(ctx, job)
		case <-l.done:
			// Drain what is already buffered, then exit.
			for {
				select {
				case job := <-l.jobs:
					l.process(ctx, job)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *Local) process(ctx context.Context, job Job) {
	err := l.handler(ctx, job)
	if err == nil {
		l.processed.Add(1)
		return
	}

	if job.Attempt >= l.cfg.MaxAttempts {
		l.deadLettered.Add(1)
		l.logger.Error("job dead-lettered",
			"job_id", job.ID,
			"kind", job.Kind,
			"attachment_id", job.AttachmentID,
			"attempts", job.Attempt,
			"error", err,
		)
		return
	}

	l.retried.Add(1)
	l.logger.Warn("job failed, redelivering",
		"job_id", job.ID,
		"kind", job.Kind,
		"attempt", job.Attempt,
		"error", err,
	)

	job.Attempt++
	delay := time.Duration(job.Attempt-1) * l.cfg.Backoff
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	select {
	case l.jobs <- job:
	case <-ctx.Done():
	case <-l.done:
	}
}

// Stats snapshots the broker counters.
func (l *Local) Stats() Stats {
	return Stats{
		Depth:        len(l.jobs),
		Enqueued:     l.enqueued.Load(),
		Processed:    l.processed.Load(),
		Retried:      l.retried.Load(),
		DeadLettered: l.deadLettered.Load(),
	}
}
