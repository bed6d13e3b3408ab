package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// longPollWait is how long the server may hold a receive before
	// answering empty.
	longPollWait = 20 * time.Second

	// receiptHeader and receiveCountHeader are set by the queue server on
	// each delivered message.
	receiptHeader      = "X-Message-Receipt"
	receiveCountHeader = "X-Receive-Count"
)

// Remote is a client for a shared HTTP queue with visibility-timeout
// redelivery. Messages are acknowledged by deletion; an unacknowledged
// message reappears after its visibility timeout, and the server's receive
// count drives dead-lettering.
type Remote struct {
	httpClient  *http.Client
	baseURL     string
	maxAttempts int
	handler     Handler
	concurrency int
	logger      *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc

	enqueued     atomic.Int64
	processed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// NewRemote builds the client. Start launches the receive loops.
func NewRemote(baseURL string, concurrency, maxAttempts int, handler Handler, logger *slog.Logger) *Remote {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Remote{
		// The client timeout must exceed the long-poll window.
		httpClient:  &http.Client{Timeout: longPollWait + 10*time.Second},
		baseURL:     baseURL,
		maxAttempts: maxAttempts,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger.With("subsystem", "queue", "provider", "remote"),
	}
}

func (r *Remote) EnqueueImage(ctx context.Context, attachmentID string) error {
	return r.enqueue(ctx, KindImage, attachmentID)
}

func (r *Remote) EnqueueVideo(ctx context.Context, attachmentID string) error {
	return r.enqueue(ctx, KindVideo, attachmentID)
}

func (r *Remote) EnqueueFile(ctx context.Context, attachmentID string) error {
	return r.enqueue(ctx, KindFile, attachmentID)
}

func (r *Remote) enqueue(ctx context.Context, kind, attachmentID string) error {
	job := Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		AttachmentID: attachmentID,
		EnqueuedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshalling job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.messagesURL(kind), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: creating enqueue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queue: enqueue %s: status %d", kind, resp.StatusCode)
	}
	r.enqueued.Add(1)
	return nil
}

// Start launches one receive loop per kind times the configured concurrency.
func (r *Remote) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, kind := range []string{KindImage, KindVideo, KindFile} {
		for i := 0; i < r.concurrency; i++ {
			r.wg.Add(1)
			go r.receiveLoop(ctx, kind)
		}
	}
	r.logger.Info("receive loops started", "concurrency", r.concurrency)
}

// Stop cancels the receive loops and waits for in-flight handlers.
func (r *Remote) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

func (r *Remote) receiveLoop(ctx context.Context, kind string) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, receipt, receiveCount, ok, err := r.receive(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("receive failed, backing off", "kind", kind, "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !ok {
			continue // long poll answered empty
		}

		job.Attempt = receiveCount
		if receiveCount > r.maxAttempts {
			r.deadLettered.Add(1)
			r.logger.Error("job dead-lettered",
				"job_id", job.ID,
				"kind", kind,
				"attachment_id", job.AttachmentID,
				"attempts", receiveCount-1,
			)
			r.ack(ctx, kind, receipt)
			continue
		}

		if err := r.handler(ctx, job); err != nil {
			// Leave the message; the visibility timeout redelivers it.
			r.retried.Add(1)
			r.logger.Warn("job failed, leaving for redelivery",
				"job_id", job.ID,
				"kind", kind,
				"attempt", receiveCount,
				"error", err,
			)
			continue
		}

		r.processed.Add(1)
		r.ack(ctx, kind, receipt)
	}
}

// receive long-polls one message. ok is false when the poll answered empty.
func (r *Remote) receive(ctx context.Context, kind string) (job Job, receipt string, receiveCount int, ok bool, err error) {
	url := fmt.Sprintf("%s?wait=%d", r.messagesURL(kind), int(longPollWait.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return job, "", 0, false, fmt.Errorf("queue: creating receive request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return job, "", 0, false, fmt.Errorf("queue: receive: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		io.Copy(io.Discard, resp.Body)
		return job, "", 0, false, nil
	case http.StatusOK:
	default:
		io.Copy(io.Discard, resp.Body)
		return job, "", 0, false, fmt.Errorf("queue: receive %s: status %d", kind, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&job); err != nil {
		return job, "", 0, false, fmt.Errorf("queue: decoding message: %w", err)
	}
	receipt = resp.Header.Get(receiptHeader)
	receiveCount, _ = strconv.Atoi(resp.Header.Get(receiveCountHeader))
	if receiveCount < 1 {
		receiveCount = 1
	}
	return job, receipt, receiveCount, true, nil
}

// ack deletes a delivered message so it is never redelivered.
func (r *Remote) ack(ctx context.Context, kind, receipt string) {
	if receipt == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.messagesURL(kind)+"/"+receipt, nil)
	if err != nil {
		return
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("ack failed", "kind", kind, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

func (r *Remote) messagesURL(kind string) string {
	return r.baseURL + "/v1/queues/" + kind + "/messages"
}

// Stats snapshots the client counters. Depth is unknown for a remote queue.
func (r *Remote) Stats() Stats {
	return Stats{
		Enqueued:     r.enqueued.Load(),
		Processed:    r.processed.Load(),
		Retried:      r.retried.Load(),
		DeadLettered: r.deadLettered.Load(),
	}
}
