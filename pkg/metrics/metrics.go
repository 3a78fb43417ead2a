package metrics

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

const (
	LogSize          = "replog_log_size"
	LogDataSize      = "replog_log_data_size_bytes"
	LogLastIndex     = "replog_log_last_index"
	SnapshotIndex    = "replog_snapshot_index"
	SnapshotTerm     = "replog_snapshot_term"
	CommitIndex      = "replog_commit_index"
	LastApplied      = "replog_last_applied_index"
	EntriesAppended  = "replog_entries_appended_total"
	EntriesTruncated = "replog_entries_truncated_total"
	PersistFailures  = "replog_persist_failures_total"

	SnapshotCommits   = "replog_snapshot_commits_total"
	SnapshotRollbacks = "replog_snapshot_rollbacks_total"

	BatchEntries   = "replog_replication_batch_entries"
	BatchBytes     = "replog_replication_batch_bytes"
	MessagesSent   = "replog_messages_sent_total"
	MessagesFailed = "replog_messages_failed_total"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64) {}

func (Nop) SetGauge(string, map[string]string, float64) {}

func (Nop) ObserveHistogram(string, map[string]string, float64) {}
