package member

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"replog/pkg/metrics"
	"replog/pkg/replication"
	"replog/pkg/replog"
	"replog/pkg/snapshot"
	"replog/pkg/statemachine"
	"replog/pkg/types"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Propose appends cmd to the leader's log and waits until the state
// machine has applied it. It returns the index the command was stored at.
func (m *Member) Propose(ctx context.Context, cmd statemachine.Cmd) (types.LogIndex, error) {
	if err := cmd.Validate(); err != nil {
		return types.NoIndex, err
	}
	data, err := cmd.Encode()
	if err != nil {
		return types.NoIndex, err
	}

	result := make(chan error, 1)
	index := types.NoIndex
	err = m.submit(ctx, func() error {
		if m.leader == nil {
			return ErrNotLeader
		}
		var err error
		index, err = m.propose(cmd.ID, data, result)
		return err
	})
	if err != nil {
		return index, err
	}

	select {
	case err := <-result:
		return index, err
	case <-ctx.Done():
		m.post(func() { delete(m.proposals, cmd.ID) })
		return index, ctx.Err()
	case <-m.done:
		return index, ErrStopped
	}
}

func (m *Member) propose(id uuid.UUID, data []byte, result chan error) (types.LogIndex, error) {
	e := replog.NewEntry(m.log.LastIndex()+1, m.leader.Term(), data)
	m.proposals[id] = proposal{index: e.Index(), result: result}

	if err := m.log.AppendAndPersist(e, m.leaderPersisted, m.cfg.AsyncJournal); err != nil {
		return types.NoIndex, fmt.Errorf("persist entry %d: %w", e.Index(), err)
	}
	m.metrics.IncCounter(metrics.EntriesAppended, m.labels, 1)
	return e.Index(), nil
}

// leaderPersisted runs once the journal has the leader's entry. A failed
// write drops the entry and everything after it.
func (m *Member) leaderPersisted(e replog.Entry, err error) {
	if err != nil {
		m.metrics.IncCounter(metrics.PersistFailures, m.labels, 1)
		m.dropTail(e.Index(), fmt.Errorf("persist entry %d: %w", e.Index(), err))
		return
	}
	m.advance()
	m.sendAll(m.leader.Broadcast())
}

// dropTail removes the entries from index from on and fails their
// proposals. A staged compaction forbids truncation, so the removal waits
// in dropFrom until the snapshot is committed or rolled back; until then
// commit stays below it.
func (m *Member) dropTail(from types.LogIndex, cause error) {
	for id, p := range m.proposals {
		if p.index >= from {
			p.result <- cause
			delete(m.proposals, id)
		}
	}

	if m.log.SnapshotState() == replog.SnapshotStaged {
		if m.dropFrom == types.NoIndex || from < m.dropFrom {
			m.dropFrom = from
			m.dropCause = cause
		}
		m.logger.Warn("snapshot staged, deferring removal of unpersisted entries", "from", from)
		return
	}
	if _, err := m.log.RemoveFromAndPersist(from); err != nil {
		m.logger.Error("failed to drop unpersisted entries", "from", from, "error", err)
	}
}

// Step hands a message from another member to this one.
func (m *Member) Step(ctx context.Context, msg raftpb.Message) error {
	return m.submit(ctx, func() error { return m.step(msg) })
}

func (m *Member) step(msg raftpb.Message) error {
	switch msg.Type {
	case raftpb.MsgApp, raftpb.MsgHeartbeat, raftpb.MsgSnap:
		if m.follower == nil {
			return fmt.Errorf("%w: %s from %d", ErrUnexpectedMessage, msg.Type, msg.From)
		}
		return m.stepFollower(msg)
	case raftpb.MsgAppResp, raftpb.MsgHeartbeatResp:
		if m.leader == nil {
			return fmt.Errorf("%w: %s from %d", ErrUnexpectedMessage, msg.Type, msg.From)
		}
		return m.stepLeader(msg)
	default:
		return fmt.Errorf("%w: %s from %d", ErrUnexpectedMessage, msg.Type, msg.From)
	}
}

func (m *Member) stepFollower(msg raftpb.Message) error {
	var (
		reply raftpb.Message
		err   error
	)
	switch msg.Type {
	case raftpb.MsgApp:
		reply, err = m.follower.HandleAppend(msg)
	case raftpb.MsgHeartbeat:
		reply, err = m.follower.HandleHeartbeat(msg)
	case raftpb.MsgSnap:
		return m.installSnapshot(msg)
	}
	if reply.To != 0 {
		m.send(reply)
	}
	m.advance()
	return err
}

func (m *Member) installSnapshot(msg raftpb.Message) error {
	if !m.follower.Accept(msg) {
		m.send(m.follower.SnapshotReply(msg, replication.ErrStaleTerm))
		return replication.ErrStaleTerm
	}

	var s snapshot.Snapshot
	if err := json.Unmarshal(msg.Snapshot.Data, &s); err != nil {
		m.send(m.follower.SnapshotReply(msg, err))
		return fmt.Errorf("decode snapshot from %d: %w", msg.From, err)
	}

	if s.LastAppliedIndex <= m.lastApplied {
		m.logger.Debug("snapshot is behind the state machine, skipping install",
			"snapshot_index", s.LastAppliedIndex, "last_applied", m.lastApplied)
		reply := m.follower.SnapshotReply(msg, nil)
		reply.Index = m.lastApplied.Wire()
		m.send(reply)
		return nil
	}

	m.snapshots.Apply(s, func(err error) {
		if err == nil {
			m.lastApplied = s.LastAppliedIndex
			m.commit = max(m.commit, s.LastAppliedIndex)
			m.follower.SetCommitIndex(s.LastAppliedIndex)
			m.failProposalsThrough(s.LastAppliedIndex)
		}
		m.send(m.follower.SnapshotReply(msg, err))
	})
	return nil
}

func (m *Member) stepLeader(msg raftpb.Message) error {
	advanced, err := m.leader.HandleResponse(msg)
	if err != nil {
		if errors.Is(err, replication.ErrStaleTerm) {
			m.logger.Warn("a follower is in a newer term", "from", msg.From, "term", msg.Term)
		}
		return err
	}
	if advanced {
		m.advance()
	}

	follower := types.NodeID(msg.From)
	p, ok := m.leader.Progress(follower)
	if !ok || p.PendingSnapshot != types.NoIndex {
		return nil
	}
	if msg.Type == raftpb.MsgAppResp && (msg.Reject || p.Next <= m.log.LastIndex()) {
		next, err := m.leader.Next(follower)
		if err != nil {
			return err
		}
		m.send(next)
	}
	return nil
}

// advance moves the commit index as far as the current role allows and
// applies what became committed.
func (m *Member) advance() {
	if m.leader != nil {
		end := m.log.LastIndex() + 1
		if m.dropFrom != types.NoIndex {
			end = m.dropFrom
		}
		m.commit = max(m.commit, m.leader.CommitIndexBelow(end))
	} else {
		m.commit = max(m.commit, m.follower.CommitIndex())
	}
	m.applyCommitted()
}

func (m *Member) applyCommitted() {
	for m.lastApplied < m.commit {
		e, ok := m.log.Get(m.lastApplied + 1)
		if !ok {
			m.logger.Warn("committed entry is not in memory", "index", m.lastApplied+1, "commit", m.commit)
			return
		}
		id, err := m.sm.Apply(e)
		m.lastApplied = e.Index()
		if err != nil {
			m.logger.Error("failed to apply entry", "index", e.Index(), "error", err)
		}
		if p, ok := m.proposals[id]; ok && id != uuid.Nil {
			p.result <- err
			delete(m.proposals, id)
		}
	}
}

// failProposalsThrough fails proposals whose entries were replaced by an
// installed snapshot.
func (m *Member) failProposalsThrough(i types.LogIndex) {
	for id, p := range m.proposals {
		if p.index <= i {
			p.result <- ErrNotLeader
			delete(m.proposals, id)
		}
	}
}

// snapshotFor serves the leader a snapshot covering through: the stored
// one when it is recent enough, otherwise a fresh image of the state
// machine.
func (m *Member) snapshotFor(through types.LogIndex) (snapshot.Snapshot, error) {
	latest, err := m.store.Latest()
	switch {
	case err == nil && latest.LastAppliedIndex >= through:
		return latest, nil
	case err != nil && !errors.Is(err, snapshot.ErrNotFound):
		return snapshot.Snapshot{}, fmt.Errorf("load latest snapshot: %w", err)
	}

	if m.lastApplied < through {
		return snapshot.Snapshot{}, fmt.Errorf("no snapshot covers index %d, applied through %d", through, m.lastApplied)
	}
	term, ok := m.termAt(m.lastApplied)
	if !ok {
		return snapshot.Snapshot{}, fmt.Errorf("term of applied index %d is unknown", m.lastApplied)
	}
	state, err := m.sm.CreateSnapshot()
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}
	return snapshot.Snapshot{
		ID:               uuid.New(),
		State:            state,
		UnAppliedEntries: m.log.GetFrom(m.lastApplied + 1),
		LastIndex:        m.log.LastIndex(),
		LastTerm:         m.log.LastTerm(),
		LastAppliedIndex: m.lastApplied,
		LastAppliedTerm:  term,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func (m *Member) termAt(i types.LogIndex) (types.Term, bool) {
	if e, ok := m.log.Get(i); ok {
		return e.Term(), true
	}
	if i == m.log.SnapshotIndex() {
		return m.log.SnapshotTerm(), true
	}
	if idx, term, ok := m.log.StagedSnapshot(); ok && idx == i {
		return term, true
	}
	return types.NoTerm, false
}

func (m *Member) sendAll(msgs []raftpb.Message) {
	for _, msg := range msgs {
		m.send(msg)
	}
}

// send delivers msg on its own goroutine so a slow peer never blocks the
// member.
func (m *Member) send(msg raftpb.Message) {
	if msg.To == uint64(m.cfg.ID) || m.transport == nil {
		return
	}
	go func() {
		if err := m.transport.Send(msg); err != nil {
			m.metrics.IncCounter(metrics.MessagesFailed, m.labels, 1)
			m.logger.Error("failed to send message",
				"to", msg.To, "type", msg.Type, "error", err)
			return
		}
		m.metrics.IncCounter(metrics.MessagesSent, m.labels, 1)
	}()
}
