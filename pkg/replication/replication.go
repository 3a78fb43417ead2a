package replication

import (
	"bytes"
	"errors"

	"replog/pkg/replog"
	"replog/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// forceSnapshot in a rejected MsgAppResp asks the leader to install a
// snapshot because the follower could not drop its conflicting entries.
var forceSnapshot = []byte("force-snapshot")

var ErrStaleTerm = errors.New("replication: message from a stale term")

type Config struct {
	// MaxEntries caps the entries of one MsgApp.
	MaxEntries int
	// MaxBytes caps the summed payload of one MsgApp; replog.NoMaxSize
	// disables the cap.
	MaxBytes int64
}

// IsForceSnapshot reports whether a rejection asks for a snapshot install.
func IsForceSnapshot(msg raftpb.Message) bool {
	return msg.Type == raftpb.MsgAppResp && msg.Reject && bytes.Equal(msg.Context, forceSnapshot)
}

func toWire(entries []replog.Entry) []raftpb.Entry {
	out := make([]raftpb.Entry, len(entries))
	for i, e := range entries {
		out[i] = raftpb.Entry{
			Term:  e.Term().Wire(),
			Index: e.Index().Wire(),
			Type:  raftpb.EntryNormal,
			Data:  e.Data(),
		}
	}
	return out
}

func fromWire(entries []raftpb.Entry) []replog.Entry {
	out := make([]replog.Entry, len(entries))
	for i, e := range entries {
		out[i] = replog.NewEntry(types.IndexFromWire(e.Index), types.TermFromWire(e.Term), e.Data)
	}
	return out
}

// compactedThrough is the highest index no longer held in memory: the
// staged boundary while a compaction is pending, else the snapshot index.
func compactedThrough(l *replog.Log) types.LogIndex {
	if idx, _, ok := l.StagedSnapshot(); ok {
		return max(idx, l.SnapshotIndex())
	}
	return l.SnapshotIndex()
}

// termAt resolves the term of index i from the window, the last position
// or the snapshot boundary.
func termAt(l *replog.Log, i types.LogIndex) (types.Term, bool) {
	switch {
	case i < 0:
		return types.NoTerm, true
	case i == l.LastIndex():
		return l.LastTerm(), true
	case i == l.SnapshotIndex():
		return l.SnapshotTerm(), true
	}
	if e, ok := l.Get(i); ok {
		return e.Term(), true
	}
	if idx, term, ok := l.StagedSnapshot(); ok && idx == i {
		return term, true
	}
	return types.NoTerm, false
}
