package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleo/parleo/internal/queue"
)

// CallStatsProvider exposes live-call counters from the call service.
type CallStatsProvider interface {
	ActiveCallCount() int
	FinalizedByStatus() map[string]int64
	LockMismatchCount() int64
}

// ConnectionsProvider exposes the number of open signaling sockets.
type ConnectionsProvider interface {
	ConnectionCount() int
}

// QueueStatsProvider exposes a media queue snapshot.
type QueueStatsProvider interface {
	Stats() queue.Stats
}

// Collector is a prometheus.Collector that gathers Parleo metrics at scrape
// time. Any provider may be nil if unavailable.
type Collector struct {
	calls     CallStatsProvider
	conns     ConnectionsProvider
	mediaQ    QueueStatsProvider
	startTime time.Time

	activeCallsDesc   *prometheus.Desc
	finalizedDesc     *prometheus.Desc
	lockMismatchDesc  *prometheus.Desc
	connectionsDesc   *prometheus.Desc
	queueDepthDesc    *prometheus.Desc
	queueEnqueuedDesc *prometheus.Desc
	queueDoneDesc     *prometheus.Desc
	queueRetriedDesc  *prometheus.Desc
	queueDeadDesc     *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates the metrics collector.
func NewCollector(calls CallStatsProvider, conns ConnectionsProvider, mediaQ QueueStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		conns:     conns,
		mediaQ:    mediaQ,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"parleo_active_calls",
			"Number of live call sessions owned by this process",
			nil, nil,
		),
		finalizedDesc: prometheus.NewDesc(
			"parleo_calls_finalized_total",
			"Total calls finalized by this process, by final status",
			[]string{"status"}, nil,
		),
		lockMismatchDesc: prometheus.NewDesc(
			"parleo_end_lock_mismatches_total",
			"Times the end lock expired before the finalizer released it",
			nil, nil,
		),
		connectionsDesc: prometheus.NewDesc(
			"parleo_signaling_connections",
			"Number of open signaling WebSocket connections",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"parleo_media_queue_depth",
			"Media jobs currently waiting in the queue",
			nil, nil,
		),
		queueEnqueuedDesc: prometheus.NewDesc(
			"parleo_media_jobs_enqueued_total",
			"Total media jobs enqueued",
			nil, nil,
		),
		queueDoneDesc: prometheus.NewDesc(
			"parleo_media_jobs_processed_total",
			"Total media jobs processed successfully",
			nil, nil,
		),
		queueRetriedDesc: prometheus.NewDesc(
			"parleo_media_jobs_retried_total",
			"Total media job redeliveries",
			nil, nil,
		),
		queueDeadDesc: prometheus.NewDesc(
			"parleo_media_jobs_dead_lettered_total",
			"Total media jobs dropped after exhausting their attempt budget",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"parleo_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.finalizedDesc
	ch <- c.lockMismatchDesc
	ch <- c.connectionsDesc
	ch <- c.queueDepthDesc
	ch <- c.queueEnqueuedDesc
	ch <- c.queueDoneDesc
	ch <- c.queueRetriedDesc
	ch <- c.queueDeadDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. Providers are queried at scrape
// time; none of them block.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCallCount()),
		)
		for status, n := range c.calls.FinalizedByStatus() {
			ch <- prometheus.MustNewConstMetric(
				c.finalizedDesc, prometheus.CounterValue,
				float64(n), status,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.lockMismatchDesc, prometheus.CounterValue,
			float64(c.calls.LockMismatchCount()),
		)
	}

	if c.conns != nil {
		ch <- prometheus.MustNewConstMetric(
			c.connectionsDesc, prometheus.GaugeValue,
			float64(c.conns.ConnectionCount()),
		)
	}

	if c.mediaQ != nil {
		stats := c.mediaQ.Stats()
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(stats.Depth))
		ch <- prometheus.MustNewConstMetric(c.queueEnqueuedDesc, prometheus.CounterValue, float64(stats.Enqueued))
		ch <- prometheus.MustNewConstMetric(c.queueDoneDesc, prometheus.CounterValue, float64(stats.Processed))
		ch <- prometheus.MustNewConstMetric(c.queueRetriedDesc, prometheus.CounterValue, float64(stats.Retried))
		ch <- prometheus.MustNewConstMetric(c.queueDeadDesc, prometheus.CounterValue, float64(stats.DeadLettered))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
