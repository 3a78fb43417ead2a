package snapshot

import (
	"errors"
	"sync"
	"testing"

	"replog/pkg/replog"
	"replog/pkg/types"
)

type fakeMember struct {
	lastApplied     types.LogIndex
	hasFollowers    bool
	replicatedToAll types.LogIndex
}

func (m *fakeMember) LastApplied() types.LogIndex { return m.lastApplied }

func (m *fakeMember) HasFollowers() bool { return m.hasFollowers }

func (m *fakeMember) ReplicatedToAll() types.LogIndex { return m.replicatedToAll }

func (m *fakeMember) SetReplicatedToAll(i types.LogIndex) { m.replicatedToAll = i }

type fakeCohort struct {
	state     []byte
	createErr error
	applied   [][]byte
}

func (c *fakeCohort) CreateSnapshot() ([]byte, error) {
	return c.state, c.createErr
}

func (c *fakeCohort) ApplySnapshot(state []byte) error {
	c.applied = append(c.applied, state)
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []Snapshot
	saveErr error
	pruned  []int
}

func (s *fakeStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *fakeStore) Latest() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return s.saved[len(s.saved)-1], nil
}

func (s *fakeStore) Prune(retain int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, retain)
	return nil
}

type fakeJournal struct {
	compacted []types.LogIndex
	truncated []types.LogIndex
}

func (j *fakeJournal) Compact(through types.LogIndex) error {
	j.compacted = append(j.compacted, through)
	return nil
}

func (j *fakeJournal) Truncate(from types.LogIndex) error {
	j.truncated = append(j.truncated, from)
	return nil
}

type queueDispatcher struct {
	mu     sync.Mutex
	queued []func()
	posted chan struct{}
}

func newQueueDispatcher() *queueDispatcher {
	return &queueDispatcher{posted: make(chan struct{}, 16)}
}

func (d *queueDispatcher) dispatch(fn func()) {
	d.mu.Lock()
	d.queued = append(d.queued, fn)
	d.mu.Unlock()
	d.posted <- struct{}{}
}

// runNext waits for one posted completion and runs it on the test goroutine.
func (d *queueDispatcher) runNext() {
	<-d.posted
	d.mu.Lock()
	fn := d.queued[0]
	d.queued = d.queued[1:]
	d.mu.Unlock()
	fn()
}

type fixture struct {
	log     *replog.Log
	member  *fakeMember
	cohort  *fakeCohort
	store   *fakeStore
	journal *fakeJournal
	manager *Manager
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		log:     replog.New(),
		member:  &fakeMember{lastApplied: types.NoIndex, replicatedToAll: types.NoIndex},
		cohort:  &fakeCohort{state: []byte("state")},
		store:   &fakeStore{},
		journal: &fakeJournal{},
	}
	opts = append([]Option{WithJournal(f.journal)}, opts...)
	f.manager = NewManager(cfg, f.log, f.member, f.cohort, f.store, opts...)
	return f
}

func (f *fixture) appendN(n int, term types.Term) {
	for i := 0; i < n; i++ {
		f.log.Append(replog.NewEntry(f.log.LastIndex()+1, term, []byte("xx")))
	}
}

func TestManager_ShouldCaptureSnapshot(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 4, DataThresholdPercentage: 50, TotalMemory: 100})

	if f.manager.ShouldCaptureSnapshot(2) {
		t.Fatal("did not expect capture at index 2")
	}
	if !f.manager.ShouldCaptureSnapshot(3) || !f.manager.ShouldCaptureSnapshot(7) {
		t.Fatal("expected capture at batch boundaries")
	}

	// 26 entries of 2 bytes exceed the 50 byte threshold
	f.appendN(26, 1)
	if !f.manager.ShouldCaptureSnapshot(25) {
		t.Fatal("expected capture when data size exceeds the threshold")
	}
}

func TestManager_CaptureWithoutFollowersCompactsToLastEntry(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 4, Retain: 2})
	f.appendN(4, 1)
	last, _ := f.log.Last()

	if !f.manager.Capture(last, types.NoIndex) {
		t.Fatal("expected capture to start")
	}
	if f.manager.State() != Idle {
		t.Fatalf("expected idle after synchronous save, got %s", f.manager.State())
	}
	if f.log.SnapshotIndex() != 3 || f.log.SnapshotTerm() != 1 || f.log.Size() != 0 {
		t.Fatalf("expected whole log compacted, snapshot=(%d,%d) size=%d",
			f.log.SnapshotIndex(), f.log.SnapshotTerm(), f.log.Size())
	}
	if len(f.store.saved) != 1 {
		t.Fatalf("expected one saved snapshot, got %d", len(f.store.saved))
	}
	s := f.store.saved[0]
	if s.LastAppliedIndex != 3 || string(s.State) != "state" || len(s.UnAppliedEntries) != 0 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if len(f.journal.compacted) != 1 || f.journal.compacted[0] != 3 {
		t.Fatalf("expected journal compacted through 3, got %v", f.journal.compacted)
	}
	if len(f.store.pruned) != 1 || f.store.pruned[0] != 2 {
		t.Fatalf("expected prune to retain 2, got %v", f.store.pruned)
	}
}

func TestManager_CaptureWithFollowersUsesReplicatedToAll(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 100})
	f.member.hasFollowers = true
	f.member.lastApplied = 4
	f.appendN(6, 1)
	last, _ := f.log.Last()

	if !f.manager.Capture(last, 2) {
		t.Fatal("expected capture to start")
	}
	if f.log.SnapshotIndex() != 2 {
		t.Fatalf("expected log compacted to the replicated-to-all index, got %d", f.log.SnapshotIndex())
	}
	if f.member.replicatedToAll != 2 {
		t.Fatalf("expected replicated-to-all 2, got %d", f.member.replicatedToAll)
	}
	s := f.store.saved[0]
	if s.LastAppliedIndex != 4 || len(s.UnAppliedEntries) != 1 || s.UnAppliedEntries[0].Index() != 5 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestManager_CaptureWithoutReplicatedToAllKeepsLog(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 100})
	f.member.hasFollowers = true
	f.member.lastApplied = 2
	f.appendN(4, 1)
	last, _ := f.log.Last()

	if !f.manager.Capture(last, types.NoIndex) {
		t.Fatal("expected capture to start")
	}
	if f.log.Size() != 4 || f.log.SnapshotIndex() != types.NoIndex {
		t.Fatalf("expected log untouched, size=%d snapshot=%d", f.log.Size(), f.log.SnapshotIndex())
	}
	if len(f.store.saved) != 1 {
		t.Fatal("expected snapshot to be saved anyway")
	}
}

func TestManager_BatchCountForcesTrimToLastApplied(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 4})
	f.member.hasFollowers = true
	f.member.lastApplied = 2
	f.appendN(5, 1)
	last, _ := f.log.Last()

	if !f.manager.Capture(last, types.NoIndex) {
		t.Fatal("expected capture to start")
	}
	if f.log.SnapshotIndex() != 2 {
		t.Fatalf("expected log trimmed to last applied 2, got %d", f.log.SnapshotIndex())
	}
}

func TestManager_SaveFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 4})
	f.store.saveErr = errors.New("disk full")
	f.appendN(4, 1)
	last, _ := f.log.Last()

	if !f.manager.Capture(last, types.NoIndex) {
		t.Fatal("expected capture to start")
	}
	if f.manager.State() != Idle {
		t.Fatalf("expected idle after rollback, got %s", f.manager.State())
	}
	if f.log.Size() != 4 || f.log.SnapshotIndex() != types.NoIndex || f.log.DataSize() != 8 {
		t.Fatalf("expected log restored, size=%d snapshot=%d data=%d",
			f.log.Size(), f.log.SnapshotIndex(), f.log.DataSize())
	}
	if len(f.journal.compacted) != 0 {
		t.Fatalf("expected no journal compaction, got %v", f.journal.compacted)
	}
}

func TestManager_CreateFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 4})
	f.cohort.createErr = errors.New("boom")
	f.appendN(4, 1)
	last, _ := f.log.Last()

	if f.manager.Capture(last, types.NoIndex) {
		t.Fatal("expected capture to fail")
	}
	if f.manager.State() != Idle || f.log.SnapshotState() != replog.SnapshotIdle {
		t.Fatalf("expected idle, manager=%s log=%s", f.manager.State(), f.log.SnapshotState())
	}
}

func TestManager_AsyncSaveStagesLogUntilDurable(t *testing.T) {
	d := newQueueDispatcher()
	f := newFixture(t, Config{BatchCount: 4}, WithAsyncSave(d.dispatch))
	f.appendN(4, 1)
	last, _ := f.log.Last()

	if !f.manager.Capture(last, types.NoIndex) {
		t.Fatal("expected capture to start")
	}
	if f.manager.State() != Persisting || f.log.SnapshotState() != replog.SnapshotStaged {
		t.Fatalf("expected persisting/staged, got %s/%s", f.manager.State(), f.log.SnapshotState())
	}
	if f.manager.Capture(last, types.NoIndex) {
		t.Fatal("expected a second capture to be refused")
	}

	// appends keep flowing while the snapshot is saved
	f.log.Append(replog.NewEntry(4, 1, []byte("y")))

	d.runNext()
	if f.manager.State() != Idle || f.log.SnapshotIndex() != 3 || f.log.Size() != 1 {
		t.Fatalf("expected committed snapshot at 3 with one entry, state=%s snapshot=%d size=%d",
			f.manager.State(), f.log.SnapshotIndex(), f.log.Size())
	}
}

func TestManager_CaptureSnapshotIfReadyFromLog(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 3})
	for i := types.LogIndex(0); i < 3; i++ {
		if err := f.log.AppendAndPersist(replog.NewEntry(i, 1, []byte("x")), nil, false); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	if f.log.SnapshotIndex() != 2 || len(f.store.saved) != 1 {
		t.Fatalf("expected snapshot at 2 after the third entry, got %d (%d saved)",
			f.log.SnapshotIndex(), len(f.store.saved))
	}
}

func TestManager_ApplyFromLeader(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 100})
	f.appendN(3, 1)

	var got error
	called := false
	f.manager.Apply(Snapshot{State: []byte("leader"), LastAppliedIndex: 9, LastAppliedTerm: 4, LastIndex: 9, LastTerm: 4},
		func(err error) {
			called = true
			got = err
		})

	if !called || got != nil {
		t.Fatalf("expected successful apply, called=%v err=%v", called, got)
	}
	if f.log.Size() != 0 || f.log.SnapshotIndex() != 9 || f.log.SnapshotTerm() != 4 {
		t.Fatalf("expected log reset to (9,4), size=%d snapshot=(%d,%d)",
			f.log.Size(), f.log.SnapshotIndex(), f.log.SnapshotTerm())
	}
	if len(f.cohort.applied) != 1 || string(f.cohort.applied[0]) != "leader" {
		t.Fatalf("expected state applied, got %v", f.cohort.applied)
	}
	if len(f.journal.truncated) != 1 || f.journal.truncated[0] != 10 {
		t.Fatalf("expected journal truncated from 10, got %v", f.journal.truncated)
	}
	if len(f.store.saved) != 1 || f.store.saved[0].ID.String() == "" {
		t.Fatal("expected the leader snapshot to be stored with an id")
	}
}

func TestManager_ApplyFailureKeepsLog(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 100})
	f.store.saveErr = errors.New("disk full")
	f.appendN(3, 1)

	var got error
	f.manager.Apply(Snapshot{LastAppliedIndex: 9, LastAppliedTerm: 4}, func(err error) { got = err })

	if got == nil {
		t.Fatal("expected apply to fail")
	}
	if f.log.Size() != 3 || f.manager.State() != Idle {
		t.Fatalf("expected log kept and idle, size=%d state=%s", f.log.Size(), f.manager.State())
	}
}

func TestManager_ApplyWhileBusy(t *testing.T) {
	d := newQueueDispatcher()
	f := newFixture(t, Config{BatchCount: 4}, WithAsyncSave(d.dispatch))
	f.appendN(4, 1)
	last, _ := f.log.Last()
	f.manager.Capture(last, types.NoIndex)

	var got error
	f.manager.Apply(Snapshot{LastAppliedIndex: 9}, func(err error) { got = err })
	if !errors.Is(got, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", got)
	}
	d.runNext()
}

func TestManager_TrimLog(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 100})
	f.appendN(6, 1)

	f.member.lastApplied = 4
	if got := f.manager.TrimLog(10); got != 3 {
		t.Fatalf("expected trim to last applied - 1 = 3, got %d", got)
	}
	if f.log.SnapshotIndex() != 3 || f.log.Size() != 2 {
		t.Fatalf("unexpected log after trim, snapshot=%d size=%d", f.log.SnapshotIndex(), f.log.Size())
	}

	if got := f.manager.TrimLog(1); got != types.NoIndex {
		t.Fatalf("expected no trim below the snapshot, got %d", got)
	}
	if f.member.replicatedToAll != 1 {
		t.Fatalf("expected replicated-to-all moved to 1, got %d", f.member.replicatedToAll)
	}

	f.member.lastApplied = types.NoIndex
	if got := f.manager.TrimLog(5); got != types.NoIndex {
		t.Fatalf("expected no trim without applied entries, got %d", got)
	}
}

func TestManager_CommitRollbackWhenIdle(t *testing.T) {
	f := newFixture(t, Config{BatchCount: 4})
	f.appendN(2, 1)

	f.manager.Commit()
	f.manager.Rollback()
	if err := f.manager.Persist([]byte("x")); err != nil {
		t.Fatalf("expected persist to be ignored when idle, got %v", err)
	}
	if f.log.Size() != 2 || len(f.store.saved) != 0 {
		t.Fatalf("expected nothing to change, size=%d saved=%d", f.log.Size(), len(f.store.saved))
	}
}

func TestState_String(t *testing.T) {
	if Idle.String() != "idle" || Creating.String() != "creating" || Persisting.String() != "persisting" {
		t.Fatalf("unexpected state names: %s %s %s", Idle, Creating, Persisting)
	}
}
