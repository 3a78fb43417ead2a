package replog

import (
	"fmt"
	"log/slog"

	"replog/pkg/types"
)

// NoMaxSize disables the cumulative size cap of GetFromBounded.
const NoMaxSize int64 = -1

// Log is the in-memory window of a member's replicated log plus the
// position of its latest snapshot.
//
// Log is not safe for concurrent use. It belongs to the goroutine driving
// one member; every call, reads included, must come from that goroutine.
type Log struct {
	entries []Entry

	snapshotIndex types.LogIndex
	snapshotTerm  types.Term

	// nil while idle
	pending *stagedSnapshot

	dataSize int64

	journal  Journal
	policy   SnapshotPolicy
	dispatch Dispatcher
	logger   *slog.Logger
}

type Option func(*Log)

func WithJournal(j Journal) Option {
	return func(l *Log) { l.journal = j }
}

func WithSnapshotPolicy(p SnapshotPolicy) Option {
	return func(l *Log) { l.policy = p }
}

// WithDispatcher routes asynchronous journal completions back to the owner.
func WithDispatcher(d Dispatcher) Option {
	return func(l *Log) { l.dispatch = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New returns an empty log with no snapshot.
func New(opts ...Option) *Log {
	l := &Log{
		snapshotIndex: types.NoIndex,
		snapshotTerm:  types.NoTerm,
		dispatch:      runInline,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetSnapshotPolicy replaces the snapshot policy. Policies usually need the
// log themselves, so they are often attached after construction.
func (l *Log) SetSnapshotPolicy(p SnapshotPolicy) {
	l.policy = p
}

// base is the logical index right before entries[0].
func (l *Log) base() types.LogIndex {
	if l.pending != nil {
		return l.pending.index
	}
	return l.snapshotIndex
}

func (l *Log) baseTerm() types.Term {
	if l.pending != nil {
		return l.pending.term
	}
	return l.snapshotTerm
}

// physical translates a logical index into a position in entries. The
// result may be out of range; callers check.
func (l *Log) physical(i types.LogIndex) int64 {
	return int64(i) - int64(l.base()+1)
}

func (l *Log) Append(e Entry) {
	lastIndex, lastTerm := l.LastIndex(), l.LastTerm()
	if e.index != lastIndex+1 {
		panic(fmt.Sprintf("replog: append index %d does not follow last index %d", e.index, lastIndex))
	}
	if e.term < lastTerm {
		panic(fmt.Sprintf("replog: append term %d at index %d is lower than last term %d", e.term, e.index, lastTerm))
	}

	l.entries = append(l.entries, e)
	l.dataSize += int64(e.Size())
}

// AppendAndPersist appends e in memory and hands it to the journal. The
// in-memory append happens regardless of the journal outcome; on failure
// the caller decides whether to RemoveFrom.
//
// In synchronous mode the journal error is returned. In asynchronous mode
// the call returns nil right away and onDurable reports the outcome on the
// dispatcher. After a successful write the snapshot policy is consulted.
func (l *Log) AppendAndPersist(e Entry, onDurable func(Entry, error), async bool) error {
	l.Append(e)

	if l.journal == nil {
		l.persisted(e, nil, onDurable)
		return nil
	}

	var syncErr error
	l.journal.Append(e, async, func(err error) {
		if !async {
			syncErr = err
			l.persisted(e, err, onDurable)
			return
		}
		l.dispatch(func() { l.persisted(e, err, onDurable) })
	})
	return syncErr
}

func (l *Log) persisted(e Entry, err error, onDurable func(Entry, error)) {
	if err != nil {
		l.logger.Error("failed to persist log entry", "index", e.index, "term", e.term, "error", err)
	} else {
		l.CaptureSnapshotIfReady(e)
	}
	if onDurable != nil {
		onDurable(e, err)
	}
}

// Get returns the entry at logical index i if it is still in memory.
func (l *Log) Get(i types.LogIndex) (Entry, bool) {
	p := l.physical(i)
	if p < 0 || p >= int64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[p], true
}

// Last returns the newest in-memory entry. It reports false for an empty
// window even when a snapshot exists.
func (l *Log) Last() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *Log) LastIndex() types.LogIndex {
	if e, ok := l.Last(); ok {
		return e.index
	}
	return l.base()
}

func (l *Log) LastTerm() types.Term {
	if e, ok := l.Last(); ok {
		return e.term
	}
	return l.baseTerm()
}

// Size is the number of entries held in memory.
func (l *Log) Size() int { return len(l.entries) }

// DataSize is the summed Size of the in-memory entries.
func (l *Log) DataSize() int64 { return l.dataSize }

func (l *Log) SnapshotIndex() types.LogIndex { return l.snapshotIndex }

func (l *Log) SnapshotTerm() types.Term { return l.snapshotTerm }

func (l *Log) IsPresent(i types.LogIndex) bool {
	_, ok := l.Get(i)
	return ok
}

func (l *Log) IsInSnapshot(i types.LogIndex) bool {
	return l.snapshotIndex != types.NoIndex && i <= l.snapshotIndex
}

// GetFrom returns a copy of every in-memory entry with index >= i.
func (l *Log) GetFrom(i types.LogIndex) []Entry {
	return l.GetFromBounded(i, len(l.entries), NoMaxSize)
}

// GetFromBounded returns a copy of at most maxEntries entries starting at
// i whose cumulative Size stays within maxCumulativeSize. The first entry
// is always included, even when it alone exceeds the cap, so replication
// cannot stall on one oversized entry. An index that is not in memory
// yields an empty batch.
func (l *Log) GetFromBounded(i types.LogIndex, maxEntries int, maxCumulativeSize int64) []Entry {
	p := l.physical(i)
	if p < 0 || p >= int64(len(l.entries)) || maxEntries <= 0 {
		return []Entry{}
	}

	end := int64(len(l.entries))
	if int64(maxEntries) < end-p {
		end = p + int64(maxEntries)
	}

	if maxCumulativeSize == NoMaxSize {
		out := make([]Entry, end-p)
		copy(out, l.entries[p:end])
		return out
	}

	out := make([]Entry, 0, end-p)
	var total int64
	for _, e := range l.entries[p:end] {
		total += int64(e.Size())
		if total > maxCumulativeSize && len(out) > 0 {
			break
		}
		out = append(out, e)
		if total > maxCumulativeSize {
			break
		}
	}
	return out
}

// RemoveFrom drops every in-memory entry with index >= i. It returns the
// resulting Size, or -1 when i is not an entry held in memory. Truncation
// is refused while a snapshot is staged, because a rollback could not
// restore the removed tail.
func (l *Log) RemoveFrom(i types.LogIndex) int {
	if l.pending != nil {
		l.logger.Error("refusing log truncation while a snapshot is staged",
			"from", i, "staged_index", l.pending.index)
		return -1
	}

	p := l.physical(i)
	if p < 0 || p >= int64(len(l.entries)) {
		return -1
	}

	for _, e := range l.entries[p:] {
		l.dataSize -= int64(e.Size())
	}
	// clear the tail so dropped payloads can be collected
	clear(l.entries[p:])
	l.entries = l.entries[:p]
	return int(p)
}

// RemoveFromAndPersist truncates in memory and records the truncation in
// the journal. A journal failure is returned as is; the in-memory
// truncation is not undone.
func (l *Log) RemoveFromAndPersist(i types.LogIndex) (int, error) {
	if l.pending != nil {
		return -1, ErrSnapshotStaged
	}
	pos := l.RemoveFrom(i)
	if pos < 0 || l.journal == nil {
		return pos, nil
	}
	if err := l.journal.Truncate(i); err != nil {
		return pos, fmt.Errorf("persist truncation from %d: %w", i, err)
	}
	return pos, nil
}

func (l *Log) ShouldCaptureSnapshot(i types.LogIndex) bool {
	if l.policy == nil {
		return false
	}
	return l.policy.ShouldCaptureSnapshot(i)
}

func (l *Log) CaptureSnapshotIfReady(e Entry) {
	if l.policy != nil {
		l.policy.CaptureSnapshotIfReady(e)
	}
}

// Reset drops every entry and positions the log right after an installed
// snapshot.
func (l *Log) Reset(snapshotIndex types.LogIndex, snapshotTerm types.Term) error {
	if l.pending != nil {
		return ErrSnapshotStaged
	}
	clear(l.entries)
	l.entries = l.entries[:0]
	l.dataSize = 0
	l.snapshotIndex = snapshotIndex
	l.snapshotTerm = snapshotTerm
	return nil
}

// Restore rebuilds the log from a snapshot position and the entries that
// follow it, as recovered from durable storage. Entries at or below
// snapshotIndex are skipped; the rest must run contiguously from
// snapshotIndex+1 without a term regression, else ErrNotContiguous is
// returned and the log is left untouched.
func (l *Log) Restore(snapshotIndex types.LogIndex, snapshotTerm types.Term, entries []Entry) error {
	next, term := snapshotIndex+1, snapshotTerm
	for _, e := range entries {
		if e.index <= snapshotIndex {
			continue
		}
		if e.index != next || e.term < term {
			return fmt.Errorf("%w: expected index %d at term >= %d, got %d at term %d",
				ErrNotContiguous, next, term, e.index, e.term)
		}
		next, term = next+1, e.term
	}

	if err := l.Reset(snapshotIndex, snapshotTerm); err != nil {
		return err
	}
	for _, e := range entries {
		if e.index > snapshotIndex {
			l.Append(e)
		}
	}
	return nil
}
