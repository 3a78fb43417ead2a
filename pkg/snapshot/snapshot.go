package snapshot

import (
	"errors"
	"time"

	"replog/pkg/replog"
	"replog/pkg/types"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("snapshot: not found")
	ErrBusy     = errors.New("snapshot: another snapshot is in progress")
)

// Snapshot is the durable image of a member: the state machine bytes as of
// LastAppliedIndex plus the entries that were not applied yet.
type Snapshot struct {
	ID uuid.UUID `json:"id"`

	State            []byte         `json:"state"`
	UnAppliedEntries []replog.Entry `json:"unapplied_entries"`

	LastIndex        types.LogIndex `json:"last_index"`
	LastTerm         types.Term     `json:"last_term"`
	LastAppliedIndex types.LogIndex `json:"last_applied_index"`
	LastAppliedTerm  types.Term     `json:"last_applied_term"`

	CreatedAt time.Time `json:"created_at"`
}

// Store keeps persisted snapshots.
type Store interface {
	Save(s Snapshot) error
	Latest() (Snapshot, error)
	Prune(retain int) error
}

// Cohort is the state machine side of a snapshot.
type Cohort interface {
	CreateSnapshot() ([]byte, error)
	ApplySnapshot(state []byte) error
}

// Journal is the durable log the manager trims once a snapshot is saved.
type Journal interface {
	Compact(through types.LogIndex) error
	Truncate(from types.LogIndex) error
}

// Context exposes what the manager needs to know about its member.
type Context interface {
	LastApplied() types.LogIndex
	HasFollowers() bool
	// ReplicatedToAll is the highest index stored on every follower, or
	// types.NoIndex.
	ReplicatedToAll() types.LogIndex
	SetReplicatedToAll(types.LogIndex)
}
