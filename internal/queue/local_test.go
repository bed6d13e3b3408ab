package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLocalProcessesJobs(t *testing.T) {
	var mu sync.Mutex
	var got []Job
	l := NewLocal(LocalConfig{Concurrency: 2, Backoff: time.Millisecond}, func(_ context.Context, job Job) error {
		mu.Lock()
		got = append(got, job)
		mu.Unlock()
		return nil
	}, discardLogger())

	ctx := context.Background()
	l.Start(ctx)
	defer l.Stop()

	if err := l.EnqueueImage(ctx, "att-1"); err != nil {
		t.Fatalf("EnqueueImage: %v", err)
	}
	if err := l.EnqueueVideo(ctx, "att-2"); err != nil {
		t.Fatalf("EnqueueVideo: %v", err)
	}
	if err := l.EnqueueFile(ctx, "att-3"); err != nil {
		t.Fatalf("EnqueueFile: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return l.Stats().Processed == 3 })

	mu.Lock()
	defer mu.Unlock()
	kinds := map[string]string{}
	for _, j := range got {
		kinds[j.AttachmentID] = j.Kind
		if j.Attempt != 1 {
			t.Errorf("job %s attempt = %d, want 1", j.ID, j.Attempt)
		}
	}
	if kinds["att-1"] != KindImage || kinds["att-2"] != KindVideo || kinds["att-3"] != KindFile {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestLocalRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	l := NewLocal(LocalConfig{Concurrency: 1, MaxAttempts: 3, Backoff: time.Millisecond}, func(_ context.Context, job Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, discardLogger())

	ctx := context.Background()
	l.Start(ctx)
	defer l.Stop()

	if err := l.EnqueueImage(ctx, "att"); err != nil {
		t.Fatalf("EnqueueImage: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return l.Stats().Processed == 1 })
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
	if s := l.Stats(); s.Retried != 2 || s.DeadLettered != 0 {
		t.Errorf("stats = %+v, want 2 retries and no dead letters", s)
	}
}

func TestLocalDeadLettersAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int64
	l := NewLocal(LocalConfig{Concurrency: 1, MaxAttempts: 2, Backoff: time.Millisecond}, func(_ context.Context, _ Job) error {
		calls.Add(1)
		return errors.New("permanent")
	}, discardLogger())

	ctx := context.Background()
	l.Start(ctx)
	defer l.Stop()

	if err := l.EnqueueVideo(ctx, "att"); err != nil {
		t.Fatalf("EnqueueVideo: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return l.Stats().DeadLettered == 1 })
	if got := calls.Load(); got != 2 {
		t.Errorf("handler calls = %d, want 2", got)
	}
	if s := l.Stats(); s.Processed != 0 {
		t.Errorf("stats = %+v, want nothing processed", s)
	}
}

func TestLocalEnqueueAfterStop(t *testing.T) {
	l := NewLocal(LocalConfig{Concurrency: 1}, func(context.Context, Job) error { return nil }, discardLogger())
	l.Start(context.Background())
	l.Stop()

	if err := l.EnqueueImage(context.Background(), "att"); err == nil {
		t.Error("enqueue after stop succeeded")
	}
}
