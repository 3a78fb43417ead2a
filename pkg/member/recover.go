package member

import (
	"errors"
	"fmt"

	"replog/pkg/replog"
	"replog/pkg/snapshot"
	"replog/pkg/types"
)

// recover rebuilds the state machine from the latest snapshot and the log
// from the journal entries that follow it. When the journal is empty the
// snapshot's unapplied entries stand in for it.
func (m *Member) recover() error {
	base, baseTerm := types.NoIndex, types.NoTerm

	snap, err := m.store.Latest()
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load latest snapshot: %w", err)
	default:
		if err := m.sm.ApplySnapshot(snap.State); err != nil {
			return fmt.Errorf("apply snapshot %s: %w", snap.ID, err)
		}
		base, baseTerm = snap.LastAppliedIndex, snap.LastAppliedTerm
	}

	var entries []replog.Entry
	if m.journal != nil {
		if entries, err = m.journal.Replay(); err != nil {
			return fmt.Errorf("replay journal: %w", err)
		}
	}
	if len(entries) == 0 && base != types.NoIndex {
		entries = snap.UnAppliedEntries
	}

	entries = after(entries, base)
	next := base + 1
	for _, e := range entries {
		if e.Index() != next {
			return fmt.Errorf("%w: expected entry %d after %d, found %d", ErrJournalGap, next, base, e.Index())
		}
		next++
	}

	if err := m.log.Restore(base, baseTerm, entries); err != nil {
		return fmt.Errorf("restore log: %w", err)
	}
	m.commit = base
	m.lastApplied = base

	m.logger.Info("recovered replicated log",
		"snapshot_index", base, "snapshot_term", baseTerm,
		"entries", len(entries), "last_index", m.log.LastIndex())
	return nil
}

func after(entries []replog.Entry, base types.LogIndex) []replog.Entry {
	for i, e := range entries {
		if e.Index() > base {
			return entries[i:]
		}
	}
	return nil
}
