package types

// Term is a Raft leadership epoch. It never decreases along the log.
type Term int64

// LogIndex is a logical position in the replicated log. Compaction never
// changes it.
type LogIndex int64

// NodeID identifies a member of a consensus group.
type NodeID uint64

const (
	// NoIndex marks the absence of an index (empty log, no snapshot).
	NoIndex LogIndex = -1
	// NoTerm marks the absence of a term.
	NoTerm Term = -1
)

// Wire maps a log index onto the 1-based unsigned indices used by raftpb,
// where 0 means "none".
func (i LogIndex) Wire() uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i) + 1
}

// IndexFromWire is the inverse of LogIndex.Wire.
func IndexFromWire(w uint64) LogIndex {
	return LogIndex(w) - 1
}

// Wire maps a term onto raftpb's unsigned terms; NoTerm becomes 0.
func (t Term) Wire() uint64 {
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// TermFromWire is the inverse of Term.Wire for known terms.
func TermFromWire(w uint64) Term {
	return Term(w)
}
