package replication

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"replog/pkg/metrics"
	"replog/pkg/replog"
	"replog/pkg/snapshot"
	"replog/pkg/types"

	"github.com/zhangyunhao116/skipmap"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Progress is what the leader knows about one follower.
type Progress struct {
	// Match is the highest index known to be stored on the follower.
	Match types.LogIndex
	// Next is the index of the next entry to send.
	Next types.LogIndex
	// PendingSnapshot is the index of an install in flight, or NoIndex.
	PendingSnapshot types.LogIndex
}

// SnapshotSource returns a snapshot covering at least through.
type SnapshotSource func(through types.LogIndex) (snapshot.Snapshot, error)

// Leader builds append and snapshot messages for followers and tracks
// their progress. Like the log, it is owned by the member goroutine.
type Leader struct {
	id   types.NodeID
	term types.Term
	log  *replog.Log
	cfg  Config

	snapshots SnapshotSource
	progress  *skipmap.OrderedMap[uint64, *Progress]
	commit    types.LogIndex

	metrics metrics.Collector
	labels  map[string]string
	logger  *slog.Logger
}

type LeaderOption func(*Leader)

func WithLeaderMetrics(c metrics.Collector, labels map[string]string) LeaderOption {
	return func(ld *Leader) {
		ld.metrics = c
		ld.labels = labels
	}
}

func WithLeaderLogger(logger *slog.Logger) LeaderOption {
	return func(ld *Leader) { ld.logger = logger }
}

// NewLeader starts every follower right after the leader's last entry.
func NewLeader(
	id types.NodeID,
	term types.Term,
	l *replog.Log,
	followers []types.NodeID,
	cfg Config,
	snapshots SnapshotSource,
	opts ...LeaderOption,
) *Leader {
	ld := &Leader{
		id:        id,
		term:      term,
		log:       l,
		cfg:       cfg,
		snapshots: snapshots,
		progress:  skipmap.New[uint64, *Progress](),
		commit:    types.NoIndex,
		metrics:   metrics.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(ld)
	}
	ld.logger = ld.logger.With("component", "leader", "term", term)

	for _, f := range followers {
		if f == id {
			continue
		}
		ld.progress.Store(uint64(f), &Progress{
			Match:           types.NoIndex,
			Next:            l.LastIndex() + 1,
			PendingSnapshot: types.NoIndex,
		})
	}
	return ld
}

func (ld *Leader) Term() types.Term { return ld.term }

// SetCommitIndex seeds the commit index, for example after recovery.
func (ld *Leader) SetCommitIndex(i types.LogIndex) {
	if i > ld.commit {
		ld.commit = i
	}
}

func (ld *Leader) Followers() []types.NodeID {
	out := make([]types.NodeID, 0, ld.progress.Len())
	ld.progress.Range(func(id uint64, _ *Progress) bool {
		out = append(out, types.NodeID(id))
		return true
	})
	return out
}

func (ld *Leader) HasFollowers() bool { return ld.progress.Len() > 0 }

// Progress returns a copy of the follower's progress.
func (ld *Leader) Progress(follower types.NodeID) (Progress, bool) {
	p, ok := ld.progress.Load(uint64(follower))
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// Next builds the message that brings follower closer to the leader's
// log: a batch of entries when its next index is in memory, a snapshot
// when that index was compacted away, and an empty append otherwise.
func (ld *Leader) Next(follower types.NodeID) (raftpb.Message, error) {
	p, ok := ld.progress.Load(uint64(follower))
	if !ok {
		return raftpb.Message{}, fmt.Errorf("unknown follower %d", follower)
	}
	if last := ld.log.LastIndex(); p.Next > last+1 {
		p.Next = last + 1
	}

	switch {
	case p.PendingSnapshot != types.NoIndex:
		return ld.heartbeat(follower, p), nil
	case ld.log.IsPresent(p.Next):
		return ld.appendMessage(follower, p)
	case ld.log.IsInSnapshot(p.Next):
		return ld.snapshotMessage(follower, p)
	default:
		return ld.emptyAppend(follower, p), nil
	}
}

// Broadcast returns the next message for every follower. Followers whose
// message could not be built are logged and skipped.
func (ld *Leader) Broadcast() []raftpb.Message {
	var msgs []raftpb.Message
	for _, f := range ld.Followers() {
		msg, err := ld.Next(f)
		if err != nil {
			ld.logger.Error("failed to build message", "to", f, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (ld *Leader) base(to types.NodeID) raftpb.Message {
	return raftpb.Message{
		From:   uint64(ld.id),
		To:     uint64(to),
		Term:   ld.term.Wire(),
		Commit: ld.commit.Wire(),
	}
}

func (ld *Leader) appendMessage(to types.NodeID, p *Progress) (raftpb.Message, error) {
	prev := p.Next - 1
	prevTerm, ok := termAt(ld.log, prev)
	if !ok {
		// the follower cannot check prev against anything we still hold
		return ld.snapshotMessage(to, p)
	}

	batch := ld.log.GetFromBounded(p.Next, ld.cfg.MaxEntries, ld.cfg.MaxBytes)

	var size int64
	for _, e := range batch {
		size += int64(e.Size())
	}
	ld.metrics.ObserveHistogram(metrics.BatchEntries, ld.labels, float64(len(batch)))
	ld.metrics.ObserveHistogram(metrics.BatchBytes, ld.labels, float64(size))

	msg := ld.base(to)
	msg.Type = raftpb.MsgApp
	msg.Index = prev.Wire()
	msg.LogTerm = prevTerm.Wire()
	msg.Entries = toWire(batch)
	return msg, nil
}

func (ld *Leader) emptyAppend(to types.NodeID, p *Progress) raftpb.Message {
	msg := ld.base(to)
	msg.Type = raftpb.MsgApp
	prev := p.Next - 1
	if term, ok := termAt(ld.log, prev); ok {
		msg.Index = prev.Wire()
		msg.LogTerm = term.Wire()
		return msg
	}
	return ld.heartbeat(to, p)
}

func (ld *Leader) heartbeat(to types.NodeID, p *Progress) raftpb.Message {
	msg := ld.base(to)
	msg.Type = raftpb.MsgHeartbeat
	msg.Commit = min(p.Match, ld.commit).Wire()
	return msg
}

func (ld *Leader) snapshotMessage(to types.NodeID, p *Progress) (raftpb.Message, error) {
	through := max(ld.log.SnapshotIndex(), p.Next-1)
	snap, err := ld.snapshots(through)
	if err != nil {
		return raftpb.Message{}, fmt.Errorf("load snapshot for follower %d: %w", to, err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return raftpb.Message{}, fmt.Errorf("encode snapshot: %w", err)
	}

	p.PendingSnapshot = snap.LastAppliedIndex
	ld.logger.Info("sending snapshot", "to", to, "next", p.Next, "snapshot_index", snap.LastAppliedIndex)

	msg := ld.base(to)
	msg.Type = raftpb.MsgSnap
	msg.Snapshot = raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index: snap.LastAppliedIndex.Wire(),
			Term:  snap.LastAppliedTerm.Wire(),
		},
	}
	return msg, nil
}

// HandleResponse updates the follower's progress from its reply. It
// reports whether the follower's match index advanced.
func (ld *Leader) HandleResponse(msg raftpb.Message) (bool, error) {
	if types.TermFromWire(msg.Term) > ld.term {
		return false, fmt.Errorf("%w: follower %d is at term %d", ErrStaleTerm, msg.From, types.TermFromWire(msg.Term))
	}
	p, ok := ld.progress.Load(msg.From)
	if !ok {
		return false, fmt.Errorf("response from unknown follower %d", msg.From)
	}

	switch msg.Type {
	case raftpb.MsgAppResp:
	case raftpb.MsgHeartbeatResp:
		// a lost install is retried after one round trip
		p.PendingSnapshot = types.NoIndex
		return false, nil
	default:
		return false, fmt.Errorf("unexpected response type %s", msg.Type)
	}

	if IsForceSnapshot(msg) {
		ld.logger.Info("follower asked for a snapshot", "from", msg.From)
		// anything at or below the snapshot index goes out as a snapshot
		p.Next = max(ld.log.SnapshotIndex(), 0)
		p.PendingSnapshot = types.NoIndex
		return false, nil
	}

	if msg.Reject {
		p.PendingSnapshot = types.NoIndex
		hint := types.IndexFromWire(msg.RejectHint)
		next := min(p.Next-1, hint+1)
		p.Next = max(next, p.Match+1, 0)
		ld.logger.Debug("append rejected", "from", msg.From, "hint", hint, "next", p.Next)
		return false, nil
	}

	index := types.IndexFromWire(msg.Index)
	p.PendingSnapshot = types.NoIndex
	if index <= p.Match {
		if index+1 > p.Next {
			p.Next = index + 1
		}
		return false, nil
	}
	p.Match = index
	p.Next = index + 1
	return true, nil
}

// CommitIndex advances the commit index to the highest index stored on a
// quorum, counting the leader, provided that entry belongs to the current
// term.
func (ld *Leader) CommitIndex() types.LogIndex {
	return ld.CommitIndexBelow(ld.log.LastIndex() + 1)
}

// CommitIndexBelow is CommitIndex restricted to indices below end.
func (ld *Leader) CommitIndexBelow(end types.LogIndex) types.LogIndex {
	matches := []types.LogIndex{min(ld.log.LastIndex(), end-1)}
	ld.progress.Range(func(_ uint64, p *Progress) bool {
		matches = append(matches, p.Match)
		return true
	})
	slices.Sort(matches)
	slices.Reverse(matches)

	candidate := min(matches[len(matches)/2], end-1)
	if candidate <= ld.commit {
		return ld.commit
	}
	if term, ok := termAt(ld.log, candidate); ok && term == ld.term {
		ld.commit = candidate
	}
	return ld.commit
}

// ReplicatedToAll is the lowest match index over all followers, or NoIndex
// without followers.
func (ld *Leader) ReplicatedToAll() types.LogIndex {
	lowest := types.NoIndex
	first := true
	ld.progress.Range(func(_ uint64, p *Progress) bool {
		if first || p.Match < lowest {
			lowest = p.Match
			first = false
		}
		return true
	})
	return lowest
}
