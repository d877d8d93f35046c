package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "coordkv"
var subsystem = "coordstore"

var (
	// StartupTime stores how long the startup took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// LogFirstIndex stores the oldest retained index of the log
	LogFirstIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "log_first_index",
		Help:      "Oldest retained entry index of the replicated log",
	})

	// LogLastIndex stores the highest appended index of the log
	LogLastIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "log_last_index",
		Help:      "Highest appended entry index of the replicated log",
	})

	// LogCommitIndex stores the commit cursor of the log
	LogCommitIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "log_commit_index",
		Help:      "Commit index of the replicated log",
	})

	// CompactionsTotal stores the number of completed compaction passes
	// partitioned by pass type
	CompactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compactions_total",
		Help:      "Number of completed compaction passes partitioned by type",
	}, []string{"type"})

	// CompactedEntriesTotal stores the number of entries removed by compaction
	CompactedEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compacted_entries_total",
		Help:      "Number of log entries removed by compaction",
	})

	// CompactionDuration stores the time taken by each compaction pass
	CompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compaction_duration_seconds",
		Help:      "Time taken by each compaction pass",
	})

	// AppliedEntriesTotal stores the number of committed entries applied to
	// the state machine
	AppliedEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "applied_entries_total",
		Help:      "Number of committed entries applied to the state machine",
	})

	// ApplyErrorsTotal stores the number of apply handler failures
	ApplyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "apply_errors_total",
		Help:      "Number of apply handler failures recorded as operation results",
	})

	// SessionsActive stores the number of live client sessions
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_active",
		Help:      "Number of live client sessions tracked by the runtime",
	})

	// TotalDiskUsageBytes stores the disk usage of the storage directory
	TotalDiskUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "disk_usage_bytes",
		Help:      "Total disk usage of the storage directory",
	})
)
