package member

import (
	"cmp"
	"context"
	"slices"

	"replog/pkg/replog"
	"replog/pkg/snapshot"
	"replog/pkg/types"
)

type FollowerStatus struct {
	ID              types.NodeID   `json:"id"`
	Match           types.LogIndex `json:"match"`
	Next            types.LogIndex `json:"next"`
	PendingSnapshot types.LogIndex `json:"pending_snapshot"`
}

// Status is a point-in-time view of the member's log.
type Status struct {
	ID       types.NodeID `json:"id"`
	Term     types.Term   `json:"term"`
	Leader   types.NodeID `json:"leader"`
	IsLeader bool         `json:"is_leader"`

	LastIndex     types.LogIndex `json:"last_index"`
	LastTerm      types.Term     `json:"last_term"`
	SnapshotIndex types.LogIndex `json:"snapshot_index"`
	SnapshotTerm  types.Term     `json:"snapshot_term"`
	Size          int            `json:"size"`
	DataSize      int64          `json:"data_size"`

	CommitIndex     types.LogIndex `json:"commit_index"`
	LastApplied     types.LogIndex `json:"last_applied"`
	ReplicatedToAll types.LogIndex `json:"replicated_to_all"`

	LogSnapshotState string `json:"log_snapshot_state"`
	CaptureState     string `json:"capture_state"`

	Followers []FollowerStatus `json:"followers,omitempty"`
}

func (m *Member) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.submit(ctx, func() error {
		st = m.status()
		return nil
	})
	return st, err
}

func (m *Member) status() Status {
	st := Status{
		ID:               m.cfg.ID,
		Term:             m.cfg.Term,
		Leader:           m.cfg.Leader,
		IsLeader:         m.IsLeader(),
		LastIndex:        m.log.LastIndex(),
		LastTerm:         m.log.LastTerm(),
		SnapshotIndex:    m.log.SnapshotIndex(),
		SnapshotTerm:     m.log.SnapshotTerm(),
		Size:             m.log.Size(),
		DataSize:         m.log.DataSize(),
		CommitIndex:      m.commit,
		LastApplied:      m.lastApplied,
		ReplicatedToAll:  m.ReplicatedToAll(),
		LogSnapshotState: m.log.SnapshotState().String(),
		CaptureState:     m.snapshots.State().String(),
	}
	if m.leader == nil {
		return st
	}
	for _, id := range m.leader.Followers() {
		p, ok := m.leader.Progress(id)
		if !ok {
			continue
		}
		st.Followers = append(st.Followers, FollowerStatus{
			ID:              id,
			Match:           p.Match,
			Next:            p.Next,
			PendingSnapshot: p.PendingSnapshot,
		})
	}
	slices.SortFunc(st.Followers, func(a, b FollowerStatus) int { return cmp.Compare(a.ID, b.ID) })
	return st
}

// Entries returns a bounded copy of the in-memory log starting at from.
func (m *Member) Entries(ctx context.Context, from types.LogIndex, maxEntries int, maxBytes int64) ([]replog.Entry, error) {
	var out []replog.Entry
	err := m.submit(ctx, func() error {
		out = m.log.GetFromBounded(from, maxEntries, maxBytes)
		return nil
	})
	return out, err
}

// Snapshot captures a snapshot as of the last entry.
func (m *Member) Snapshot(ctx context.Context) error {
	return m.submit(ctx, func() error {
		last, ok := m.log.Last()
		if !ok {
			return ErrEmptyLog
		}
		if m.snapshots.IsCapturing() {
			return snapshot.ErrBusy
		}
		if !m.snapshots.Capture(last, m.ReplicatedToAll()) {
			return snapshot.ErrBusy
		}
		return nil
	})
}

// Trim drops applied entries up to desired without taking a snapshot. It
// returns the new snapshot index, or types.NoIndex if nothing was dropped.
func (m *Member) Trim(ctx context.Context, desired types.LogIndex) (types.LogIndex, error) {
	trimmed := types.NoIndex
	err := m.submit(ctx, func() error {
		trimmed = m.snapshots.TrimLog(desired)
		return nil
	})
	return trimmed, err
}
