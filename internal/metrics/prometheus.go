package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

const (
	namespace = "arbor"
)

var (
	CommitsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "commits_applied_total",
			Namespace: namespace,
			Help:      "Total number of repository commits applied",
		},
		[]string{"status"},
	)

	CommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "commit_duration_seconds",
		Namespace: namespace,
		Help:      "Time to apply a write batch and advance the head",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 20),
	}, []string{"status"})

	BlocksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "blocks_written_total",
		Namespace: namespace,
		Help:      "Total number of blocks written to the block store",
	})

	FirehoseEventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "firehose_events_sent_total",
		Namespace: namespace,
		Help:      "Total number of events delivered to firehose subscribers",
	})

	FirehoseEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "firehose_events_dropped_total",
		Namespace: namespace,
		Help:      "Total number of events dropped for slow firehose subscribers",
	})

	FirehoseSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "firehose_subscribers",
		Namespace: namespace,
		Help:      "Number of connected firehose subscribers",
	})
)
