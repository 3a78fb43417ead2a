package replog

import "replog/pkg/types"

// Journal is the durable side of the log. The log never retries a failed
// write; it reports the outcome to its caller.
type Journal interface {
	// Append persists e. With async set the write is queued and done runs
	// once it is durable or has failed, possibly on another goroutine.
	// Otherwise the write completes and done runs before Append returns.
	Append(e Entry, async bool, done func(error))
	// Truncate durably records the removal of every entry with index >= from.
	Truncate(from types.LogIndex) error
}

// SnapshotPolicy decides when the log should be compacted. The log calls
// CaptureSnapshotIfReady after every entry it has persisted; what happens
// next (usually a later SnapshotPreCommit) is up to the policy.
type SnapshotPolicy interface {
	ShouldCaptureSnapshot(logIndex types.LogIndex) bool
	CaptureSnapshotIfReady(e Entry)
}

// Dispatcher runs fn on the goroutine that owns the log.
type Dispatcher func(fn func())

func runInline(fn func()) { fn() }
