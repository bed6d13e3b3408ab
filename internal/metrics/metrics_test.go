package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/parleo/parleo/internal/queue"
)

type fakeCalls struct {
	active     int
	finalized  map[string]int64
	mismatches int64
}

func (f fakeCalls) ActiveCallCount() int                { return f.active }
func (f fakeCalls) FinalizedByStatus() map[string]int64 { return f.finalized }
func (f fakeCalls) LockMismatchCount() int64            { return f.mismatches }

type fakeConns int

func (f fakeConns) ConnectionCount() int { return int(f) }

type fakeQueue struct{ stats queue.Stats }

func (f fakeQueue) Stats() queue.Stats { return f.stats }

func TestCollectorGathersProviders(t *testing.T) {
	calls := fakeCalls{
		active:     3,
		finalized:  map[string]int64{"completed": 5, "rejected": 2},
		mismatches: 1,
	}
	c := NewCollector(calls, fakeConns(7), fakeQueue{stats: queue.Stats{
		Depth:        2,
		Enqueued:     10,
		Processed:    7,
		Retried:      1,
		DeadLettered: 1,
	}}, time.Now())

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	expected := strings.NewReader(`
# HELP parleo_active_calls Number of live call sessions owned by this process
# TYPE parleo_active_calls gauge
parleo_active_calls 3
# HELP parleo_calls_finalized_total Total calls finalized by this process, by final status
# TYPE parleo_calls_finalized_total counter
parleo_calls_finalized_total{status="completed"} 5
parleo_calls_finalized_total{status="rejected"} 2
# HELP parleo_end_lock_mismatches_total Times the end lock expired before the finalizer released it
# TYPE parleo_end_lock_mismatches_total counter
parleo_end_lock_mismatches_total 1
# HELP parleo_signaling_connections Number of open signaling WebSocket connections
# TYPE parleo_signaling_connections gauge
parleo_signaling_connections 7
# HELP parleo_media_queue_depth Media jobs currently waiting in the queue
# TYPE parleo_media_queue_depth gauge
parleo_media_queue_depth 2
# HELP parleo_media_jobs_enqueued_total Total media jobs enqueued
# TYPE parleo_media_jobs_enqueued_total counter
parleo_media_jobs_enqueued_total 10
# HELP parleo_media_jobs_processed_total Total media jobs processed successfully
# TYPE parleo_media_jobs_processed_total counter
parleo_media_jobs_processed_total 7
# HELP parleo_media_jobs_retried_total Total media job redeliveries
# TYPE parleo_media_jobs_retried_total counter
parleo_media_jobs_retried_total 1
# HELP parleo_media_jobs_dead_lettered_total Total media jobs dropped after exhausting their attempt budget
# TYPE parleo_media_jobs_dead_lettered_total counter
parleo_media_jobs_dead_lettered_total 1
`)
	err := testutil.GatherAndCompare(reg, expected,
		"parleo_active_calls",
		"parleo_calls_finalized_total",
		"parleo_end_lock_mismatches_total",
		"parleo_signaling_connections",
		"parleo_media_queue_depth",
		"parleo_media_jobs_enqueued_total",
		"parleo_media_jobs_processed_total",
		"parleo_media_jobs_retried_total",
		"parleo_media_jobs_dead_lettered_total",
	)
	if err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestCollectorToleratesNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Errorf("Gather with nil providers: %v", err)
	}
}
