package replog

import (
	"fmt"

	"replog/pkg/types"
)

// SnapshotState is the compaction stage of a log.
type SnapshotState uint8

const (
	// SnapshotIdle means no compaction is staged.
	SnapshotIdle SnapshotState = iota
	// SnapshotStaged means a precommit removed entries from memory and
	// waits for SnapshotCommit or SnapshotRollback.
	SnapshotStaged
)

func (s SnapshotState) String() string {
	switch s {
	case SnapshotIdle:
		return "idle"
	case SnapshotStaged:
		return "staged"
	default:
		return fmt.Sprintf("SnapshotState(%d)", uint8(s))
	}
}

// stagedSnapshot remembers what a precommit discarded so a rollback can
// put it back.
type stagedSnapshot struct {
	index types.LogIndex
	term  types.Term

	discarded     []Entry
	discardedSize int64
}

func (l *Log) SnapshotState() SnapshotState {
	if l.pending != nil {
		return SnapshotStaged
	}
	return SnapshotIdle
}

// StagedSnapshot returns the boundary recorded by the last precommit.
func (l *Log) StagedSnapshot() (types.LogIndex, types.Term, bool) {
	if l.pending == nil {
		return types.NoIndex, types.NoTerm, false
	}
	return l.pending.index, l.pending.term, true
}

// SnapshotPreCommit removes every entry with index <= idx from memory and
// stages (idx, term) as the next snapshot position. SnapshotIndex and
// SnapshotTerm keep their values until SnapshotCommit. A negative idx is
// ignored.
func (l *Log) SnapshotPreCommit(idx types.LogIndex, term types.Term) error {
	if idx < 0 {
		return nil
	}
	if l.pending != nil {
		return fmt.Errorf("%w: staged at %d, requested %d", ErrSnapshotStaged, l.pending.index, idx)
	}
	if idx < l.snapshotIndex || idx > l.LastIndex() {
		return fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidSnapshotIndex, idx, l.snapshotIndex, l.LastIndex())
	}

	n := l.physical(idx) + 1
	discarded := make([]Entry, n)
	copy(discarded, l.entries[:n])

	var discardedSize int64
	for _, e := range discarded {
		discardedSize += int64(e.Size())
	}

	remaining := make([]Entry, int64(len(l.entries))-n)
	copy(remaining, l.entries[n:])

	l.entries = remaining
	l.dataSize -= discardedSize
	l.pending = &stagedSnapshot{
		index:         idx,
		term:          term,
		discarded:     discarded,
		discardedSize: discardedSize,
	}

	l.logger.Debug("snapshot precommitted",
		"index", idx, "term", term, "discarded", len(discarded), "remaining", len(remaining))
	return nil
}

// SnapshotCommit publishes the staged position. Without a staged snapshot
// it does nothing.
func (l *Log) SnapshotCommit() {
	if l.pending == nil {
		return
	}
	l.snapshotIndex = l.pending.index
	l.snapshotTerm = l.pending.term
	l.pending = nil

	l.logger.Debug("snapshot committed", "index", l.snapshotIndex, "term", l.snapshotTerm, "size", len(l.entries))
}

// SnapshotRollback undoes the staged precommit: the discarded entries go
// back in front of the window and the data size is restored. Entries
// appended while staged are kept after them.
func (l *Log) SnapshotRollback() {
	if l.pending == nil {
		return
	}
	restored := make([]Entry, 0, len(l.pending.discarded)+len(l.entries))
	restored = append(restored, l.pending.discarded...)
	restored = append(restored, l.entries...)

	l.entries = restored
	l.dataSize += l.pending.discardedSize
	l.pending = nil

	l.logger.Debug("snapshot rolled back",
		"snapshot_index", l.snapshotIndex, "snapshot_term", l.snapshotTerm, "size", len(l.entries))
}
