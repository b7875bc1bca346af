package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommitLogAppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "commitlog_append_lock_seconds",
		Help:    "Time spent inside the append lock per put",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	CommitLogFlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "commitlog_flush_seconds",
		Help:    "Duration of flush passes over the segment store",
		Buckets: prometheus.DefBuckets,
	})

	CommitLogGroupCommitQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "commitlog_group_commit_queue_depth",
		Help: "Waiters queued for the next group commit swap",
	})

	CommitLogRecoveryDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "commitlog_recovery_seconds",
		Help: "Duration of the last startup recovery scan",
	})

	CommitLogTopicPuts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "commitlog_topic_puts_total",
		Help: "Records appended per topic",
	}, []string{"topic"})

	CommitLogBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "commitlog_bytes_written_total",
		Help: "Bytes of records appended to the log; blank trailers are not counted",
	})
)
