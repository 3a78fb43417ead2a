package replication

import (
	"fmt"
	"log/slog"

	"replog/pkg/metrics"
	"replog/pkg/replog"
	"replog/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Follower applies append messages from the leader to the local log.
type Follower struct {
	id     types.NodeID
	term   types.Term
	leader types.NodeID
	log    *replog.Log
	commit types.LogIndex

	metrics metrics.Collector
	labels  map[string]string
	logger  *slog.Logger
}

type FollowerOption func(*Follower)

func WithFollowerMetrics(c metrics.Collector, labels map[string]string) FollowerOption {
	return func(f *Follower) {
		f.metrics = c
		f.labels = labels
	}
}

func WithFollowerLogger(logger *slog.Logger) FollowerOption {
	return func(f *Follower) { f.logger = logger }
}

func NewFollower(id types.NodeID, term types.Term, l *replog.Log, opts ...FollowerOption) *Follower {
	f := &Follower{
		id:      id,
		term:    term,
		log:     l,
		commit:  types.NoIndex,
		metrics: metrics.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "follower")
	return f
}

func (f *Follower) Term() types.Term { return f.term }

// Leader is the node the last accepted message came from, 0 if none.
func (f *Follower) Leader() types.NodeID { return f.leader }

func (f *Follower) CommitIndex() types.LogIndex { return f.commit }

// SetCommitIndex seeds the commit index, for example after a snapshot
// install.
func (f *Follower) SetCommitIndex(i types.LogIndex) {
	if i > f.commit {
		f.commit = i
	}
}

// HandleAppend checks msg against the local log, drops conflicting
// entries, appends the new ones and returns the reply for the leader.
func (f *Follower) HandleAppend(msg raftpb.Message) (raftpb.Message, error) {
	if msg.Type != raftpb.MsgApp {
		return raftpb.Message{}, fmt.Errorf("unexpected message type %s", msg.Type)
	}
	if !f.Accept(msg) {
		return f.reject(msg, f.log.LastIndex()), ErrStaleTerm
	}

	prevIndex := types.IndexFromWire(msg.Index)
	prevTerm := types.TermFromWire(msg.LogTerm)

	if prevIndex > f.log.LastIndex() {
		f.logger.Debug("out of sync: missing entries before the batch",
			"prev_index", prevIndex, "last_index", f.log.LastIndex())
		return f.reject(msg, f.log.LastIndex()), nil
	}
	compacted := compactedThrough(f.log)
	if term, ok := termAt(f.log, prevIndex); ok && term != prevTerm && prevIndex > compacted {
		f.logger.Debug("out of sync: previous term does not match",
			"prev_index", prevIndex, "prev_term", prevTerm, "local_term", term)
		return f.reject(msg, prevIndex-1), nil
	}

	entries := fromWire(msg.Entries)
	var toAppend []replog.Entry
	for i, e := range entries {
		if e.Index() <= compacted {
			continue
		}
		existing, ok := f.log.Get(e.Index())
		if ok && existing.Term() == e.Term() {
			continue
		}
		if ok {
			f.logger.Info("removing conflicting entries",
				"from", e.Index(), "local_term", existing.Term(), "leader_term", e.Term())
			removed := f.log.Size()
			pos, err := f.log.RemoveFromAndPersist(e.Index())
			if pos < 0 || err != nil {
				f.logger.Warn("could not remove conflicting entries, asking for a snapshot",
					"from", e.Index(), "error", err)
				reply := f.reject(msg, f.log.LastIndex())
				reply.Context = forceSnapshot
				return reply, nil
			}
			f.metrics.IncCounter(metrics.EntriesTruncated, f.labels, float64(removed-pos))
		}
		toAppend = entries[i:]
		break
	}

	for _, e := range toAppend {
		if err := f.log.AppendAndPersist(e, nil, false); err != nil {
			f.metrics.IncCounter(metrics.PersistFailures, f.labels, 1)
			f.log.RemoveFrom(e.Index())
			return f.reject(msg, f.log.LastIndex()), fmt.Errorf("persist entry %d: %w", e.Index(), err)
		}
		f.metrics.IncCounter(metrics.EntriesAppended, f.labels, 1)
	}

	// the commit only covers what this message proved we share with the leader
	lastNew := prevIndex + types.LogIndex(len(entries))
	if leaderCommit := types.IndexFromWire(msg.Commit); leaderCommit > f.commit {
		f.commit = max(f.commit, min(leaderCommit, lastNew))
	}

	return raftpb.Message{
		Type:   raftpb.MsgAppResp,
		From:   uint64(f.id),
		To:     msg.From,
		Term:   f.term.Wire(),
		Index:  f.log.LastIndex().Wire(),
		Commit: f.commit.Wire(),
	}, nil
}

// HandleHeartbeat moves the commit index and returns the reply.
func (f *Follower) HandleHeartbeat(msg raftpb.Message) (raftpb.Message, error) {
	if msg.Type != raftpb.MsgHeartbeat {
		return raftpb.Message{}, fmt.Errorf("unexpected message type %s", msg.Type)
	}
	reply := raftpb.Message{
		Type: raftpb.MsgHeartbeatResp,
		From: uint64(f.id),
		To:   msg.From,
		Term: f.term.Wire(),
	}
	if !f.Accept(msg) {
		return reply, ErrStaleTerm
	}
	if leaderCommit := types.IndexFromWire(msg.Commit); leaderCommit > f.commit {
		f.commit = max(f.commit, min(leaderCommit, f.log.LastIndex()))
	}
	reply.Commit = f.commit.Wire()
	return reply, nil
}

// SnapshotReply acknowledges an installed snapshot.
func (f *Follower) SnapshotReply(msg raftpb.Message, err error) raftpb.Message {
	if err != nil {
		return f.reject(msg, f.log.LastIndex())
	}
	f.SetCommitIndex(f.log.SnapshotIndex())
	return raftpb.Message{
		Type:   raftpb.MsgAppResp,
		From:   uint64(f.id),
		To:     msg.From,
		Term:   f.term.Wire(),
		Index:  f.log.LastIndex().Wire(),
		Commit: f.commit.Wire(),
	}
}

// Accept adopts the sender as leader unless its term is older than ours.
func (f *Follower) Accept(msg raftpb.Message) bool {
	term := types.TermFromWire(msg.Term)
	if term < f.term {
		f.logger.Debug("ignoring message from stale leader", "from", msg.From, "term", term, "current_term", f.term)
		return false
	}
	if term > f.term {
		f.logger.Info("new term", "term", term, "leader", msg.From)
		f.term = term
	}
	f.leader = types.NodeID(msg.From)
	return true
}

func (f *Follower) reject(msg raftpb.Message, hint types.LogIndex) raftpb.Message {
	return raftpb.Message{
		Type:       raftpb.MsgAppResp,
		From:       uint64(f.id),
		To:         msg.From,
		Term:       f.term.Wire(),
		Reject:     true,
		RejectHint: hint.Wire(),
		Index:      msg.Index,
	}
}
