package replog

import (
	"errors"
	"sync"
	"testing"

	"replog/pkg/types"
)

// fakeJournal records calls and lets tests decide the outcome
type fakeJournal struct {
	mu        sync.Mutex
	appended  []Entry
	truncated []types.LogIndex
	appendErr error
	truncErr  error
	// pending async completions, run by flush
	queued []func()
}

func (j *fakeJournal) Append(e Entry, async bool, done func(error)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appended = append(j.appended, e)
	err := j.appendErr
	if async {
		j.queued = append(j.queued, func() { done(err) })
		return
	}
	done(err)
}

func (j *fakeJournal) Truncate(from types.LogIndex) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.truncated = append(j.truncated, from)
	return j.truncErr
}

func (j *fakeJournal) flush() {
	j.mu.Lock()
	queued := j.queued
	j.queued = nil
	j.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// fakePolicy records which entries it was consulted for
type fakePolicy struct {
	every   types.LogIndex
	checked []types.LogIndex
	ready   []Entry
}

func (p *fakePolicy) ShouldCaptureSnapshot(i types.LogIndex) bool {
	p.checked = append(p.checked, i)
	return p.every > 0 && (i+1)%p.every == 0
}

func (p *fakePolicy) CaptureSnapshotIfReady(e Entry) {
	if p.ShouldCaptureSnapshot(e.Index()) {
		p.ready = append(p.ready, e)
	}
}

func newLogWith(t *testing.T, terms []types.Term, payloads []string) *Log {
	t.Helper()
	l := New()
	for i, term := range terms {
		l.Append(NewEntry(types.LogIndex(i), term, []byte(payloads[i])))
	}
	return l
}

func TestLog_ScenarioA_PreCommitThenCommit(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 1, 1, 2}, []string{"A", "B", "C", "D"})

	if err := l.SnapshotPreCommit(1, 1); err != nil {
		t.Fatalf("precommit failed: %v", err)
	}
	if l.Size() != 2 {
		t.Fatalf("expected size 2 after precommit, got %d", l.Size())
	}

	l.SnapshotCommit()

	if l.SnapshotIndex() != 1 || l.SnapshotTerm() != 1 {
		t.Fatalf("expected snapshot (1,1), got (%d,%d)", l.SnapshotIndex(), l.SnapshotTerm())
	}
	if l.LastIndex() != 3 || l.LastTerm() != 2 {
		t.Fatalf("expected last (3,2), got (%d,%d)", l.LastIndex(), l.LastTerm())
	}
	if _, ok := l.Get(0); ok {
		t.Fatal("expected get(0) to be absent")
	}
	if _, ok := l.Get(1); ok {
		t.Fatal("expected get(1) to be absent")
	}
	e, ok := l.Get(2)
	if !ok {
		t.Fatal("expected get(2) to be present")
	}
	if string(e.Data()) != "C" {
		t.Fatalf("expected payload C at index 2, got %q", e.Data())
	}
}

func TestLog_ScenarioB_Empty(t *testing.T) {
	l := New()

	if l.SnapshotIndex() != -1 {
		t.Fatalf("expected snapshot index -1, got %d", l.SnapshotIndex())
	}
	if l.LastIndex() != -1 {
		t.Fatalf("expected last index -1, got %d", l.LastIndex())
	}
	if l.IsPresent(0) {
		t.Fatal("expected index 0 to be absent")
	}
	if _, ok := l.Get(0); ok {
		t.Fatal("expected get(0) to be absent")
	}
	if _, ok := l.Last(); ok {
		t.Fatal("expected last() to be absent")
	}
	if got := l.GetFromBounded(0, 1, NoMaxSize); len(got) != 0 {
		t.Fatalf("expected empty batch, got %d entries", len(got))
	}
	if pos := l.RemoveFrom(1); pos != -1 {
		t.Fatalf("expected removeFrom(1) == -1, got %d", pos)
	}
}

func TestLog_ScenarioC_RemoveFromSizes(t *testing.T) {
	l := newLogWith(t,
		[]types.Term{1, 1, 1, 1, 1, 1},
		[]string{"a", "b", "c", "d", "ee", "fff"})

	if l.DataSize() != 9 {
		t.Fatalf("expected data size 9, got %d", l.DataSize())
	}

	pos := l.RemoveFrom(4)
	if pos != 4 {
		t.Fatalf("expected removeFrom(4) == 4, got %d", pos)
	}
	if l.Size() != 4 {
		t.Fatalf("expected size 4, got %d", l.Size())
	}
	if l.DataSize() != 4 {
		t.Fatalf("expected data size 4, got %d", l.DataSize())
	}
	if l.LastIndex() != 3 {
		t.Fatalf("expected last index 3, got %d", l.LastIndex())
	}
}

func TestLog_AppendTracksLastIndexAndSize(t *testing.T) {
	l := New()
	for i := 0; i < 10; i++ {
		l.Append(NewEntry(types.LogIndex(i), types.Term(i/3), []byte{byte(i)}))
		if l.LastIndex() != types.LogIndex(i) {
			t.Fatalf("expected last index %d, got %d", i, l.LastIndex())
		}
		if l.Size() != i+1 {
			t.Fatalf("expected size %d, got %d", i+1, l.Size())
		}
	}

	if err := l.SnapshotPreCommit(4, 1); err != nil {
		t.Fatalf("precommit failed: %v", err)
	}
	l.SnapshotCommit()

	l.Append(NewEntry(10, 3, []byte("x")))
	l.Append(NewEntry(11, 3, []byte("y")))

	// 5 left after the snapshot plus 2 new ones
	if l.Size() != 7 {
		t.Fatalf("expected size 7, got %d", l.Size())
	}
	if l.LastIndex() != 11 {
		t.Fatalf("expected last index 11, got %d", l.LastIndex())
	}
}

func TestLog_AppendPanicsOnGap(t *testing.T) {
	l := newLogWith(t, []types.Term{1}, []string{"a"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected append with a gap to panic")
		}
	}()
	l.Append(NewEntry(5, 1, nil))
}

func TestLog_AppendPanicsOnDuplicateIndex(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 1}, []string{"a", "b"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected append of an existing index to panic")
		}
	}()
	l.Append(NewEntry(1, 1, nil))
}

func TestLog_AppendPanicsOnTermRegression(t *testing.T) {
	l := newLogWith(t, []types.Term{3}, []string{"a"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected append with a lower term to panic")
		}
	}()
	l.Append(NewEntry(1, 2, nil))
}

func TestLog_AppendAfterSnapshotChecksSnapshotTerm(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 4}, []string{"a", "b"})
	if err := l.SnapshotPreCommit(1, 4); err != nil {
		t.Fatalf("precommit failed: %v", err)
	}
	l.SnapshotCommit()

	if l.LastIndex() != 1 || l.LastTerm() != 4 {
		t.Fatalf("expected empty window to report (1,4), got (%d,%d)", l.LastIndex(), l.LastTerm())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected append below the snapshot term to panic")
		}
	}()
	l.Append(NewEntry(2, 3, nil))
}

func TestLog_PresentAndInSnapshotAreExclusive(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 1, 2, 2, 3, 3}, []string{"a", "b", "c", "d", "e", "f"})
	if err := l.SnapshotPreCommit(2, 2); err != nil {
		t.Fatalf("precommit failed: %v", err)
	}
	l.SnapshotCommit()
	l.RemoveFrom(5)

	for i := types.LogIndex(-2); i < 10; i++ {
		present := l.IsPresent(i)
		inSnapshot := l.IsInSnapshot(i)

		wantPresent := i > l.SnapshotIndex() && i <= l.LastIndex()
		wantInSnapshot := i <= l.SnapshotIndex()

		if present != wantPresent {
			t.Fatalf("isPresent(%d) = %v, want %v", i, present, wantPresent)
		}
		if inSnapshot != wantInSnapshot {
			t.Fatalf("isInSnapshot(%d) = %v, want %v", i, inSnapshot, wantInSnapshot)
		}
		if present && inSnapshot {
			t.Fatalf("index %d is both present and in snapshot", i)
		}
	}
}

func TestLog_IsInSnapshotWithoutSnapshot(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 1}, []string{"a", "b"})
	for i := types.LogIndex(-1); i < 3; i++ {
		if l.IsInSnapshot(i) {
			t.Fatalf("expected no index in snapshot, got true for %d", i)
		}
	}
}

func TestLog_GetReturnsAppendedEntry(t *testing.T) {
	payloads := []string{"zero", "one", "two", "three"}
	l := newLogWith(t, []types.Term{1, 1, 2, 2}, payloads)

	for i, p := range payloads {
		e, ok := l.Get(types.LogIndex(i))
		if !ok {
			t.Fatalf("expected entry at %d", i)
		}
		if !e.Equal(NewEntry(types.LogIndex(i), e.Term(), []byte(p))) {
			t.Fatalf("unexpected entry at %d: %v", i, e)
		}
	}
	if _, ok := l.Get(4); ok {
		t.Fatal("expected get past the tail to be absent")
	}
	if _, ok := l.Get(-1); ok {
		t.Fatal("expected get(-1) to be absent")
	}
}

func TestLog_GetFromUnbounded(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 1, 1, 1, 1}, []string{"a", "b", "c", "d", "e"})

	for from := types.LogIndex(0); from < 5; from++ {
		for n := 1; n <= 7; n++ {
			got := l.GetFromBounded(from, n, NoMaxSize)
			want := n
			if rest := int(l.LastIndex()-from) + 1; rest < want {
				want = rest
			}
			if len(got) != want {
				t.Fatalf("getFrom(%d,%d): expected %d entries, got %d", from, n, want, len(got))
			}
			for k, e := range got {
				if e.Index() != from+types.LogIndex(k) {
					t.Fatalf("getFrom(%d,%d): entry %d has index %d", from, n, k, e.Index())
				}
			}
		}
	}

	if got := l.GetFrom(2); len(got) != 3 {
		t.Fatalf("expected 3 entries from index 2, got %d", len(got))
	}
	if got := l.GetFromBounded(0, 0, NoMaxSize); len(got) != 0 {
		t.Fatalf("expected empty batch for maxEntries=0, got %d", len(got))
	}
}

func TestLog_GetFromRespectsSizeCap(t *testing.T) {
	// sizes 1, 1, 1, 1, 2, 3
	l := newLogWith(t,
		[]types.Term{1, 1, 1, 1, 1, 1},
		[]string{"a", "b", "c", "d", "ee", "fff"})

	got := l.GetFromBounded(0, 10, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries within 3 bytes, got %d", len(got))
	}

	got = l.GetFromBounded(3, 10, 3)
	if len(got) != 2 {
		t.Fatalf("expected entries 3 and 4 within 3 bytes, got %d", len(got))
	}

	// a single entry larger than the cap is still returned alone
	got = l.GetFromBounded(5, 10, 1)
	if len(got) != 1 || got[0].Index() != 5 {
		t.Fatalf("expected oversized entry 5 alone, got %v", got)
	}
	got = l.GetFromBounded(4, 10, 1)
	if len(got) != 1 || got[0].Index() != 4 {
		t.Fatalf("expected oversized entry 4 alone, got %v", got)
	}

	// entry count still caps before size does
	got = l.GetFromBounded(0, 2, 100)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
}

func TestLog_GetFromIsIndependentCopy(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 1, 1}, []string{"a", "b", "c"})

	batch := l.GetFrom(0)
	l.RemoveFrom(1)
	l.Append(NewEntry(1, 2, []byte("x")))

	if len(batch) != 3 {
		t.Fatalf("expected batch to keep 3 entries, got %d", len(batch))
	}
	if string(batch[1].Data()) != "b" || batch[1].Term() != 1 {
		t.Fatalf("batch was modified by later mutation: %v", batch[1])
	}
}

func TestLog_GetFromSnapshottedIndexIsEmpty(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 1, 1, 1}, []string{"a", "b", "c", "d"})
	if err := l.SnapshotPreCommit(1, 1); err != nil {
		t.Fatalf("precommit failed: %v", err)
	}
	l.SnapshotCommit()

	if got := l.GetFrom(0); len(got) != 0 {
		t.Fatalf("expected no entries for a snapshotted index, got %d", len(got))
	}
	if got := l.GetFrom(2); len(got) != 2 {
		t.Fatalf("expected 2 entries from index 2, got %d", len(got))
	}
}

func TestLog_RemoveFromInvalidLeavesStateUnchanged(t *testing.T) {
	l := newLogWith(t, []types.Term{1, 1, 1, 1}, []string{"a", "b", "c", "d"})
	if err := l.SnapshotPreCommit(1, 1); err != nil {
		t.Fatalf("precommit failed: %v", err)
	}
	l.SnapshotCommit()

	for _, i := range []types.LogIndex{-1, 0, 1, 4, 100} {
		if pos := l.RemoveFrom(i); pos != -1 {
			t.Fatalf("removeFrom(%d): expected -1, got %d", i, pos)
		}
		if l.Size() != 2 || l.DataSize() != 2 || l.LastIndex() != 3 {
			t.Fatalf("removeFrom(%d) changed state: size=%d data=%d last=%d", i, l.Size(), l.DataSize(), l.LastIndex())
		}
	}

	if pos := l.RemoveFrom(2); pos != 0 {
		t.Fatalf("expected removeFrom(2) == 0, got %d", pos)
	}
	if l.Size() != 0 || l.DataSize() != 0 {
		t.Fatalf("expected empty window, size=%d data=%d", l.Size(), l.DataSize())
	}
	if l.LastIndex() != 1 || l.LastTerm() != 1 {
		t.Fatalf("expected last (1,1) from snapshot, got (%d,%d)", l.LastIndex(), l.LastTerm())
	}
}

func TestLog_RemoveFromAndPersist(t *testing.T) {
	j := &fakeJournal{}
	l := New(WithJournal(j))
	for i := 0; i < 4; i++ {
		l.Append(NewEntry(types.LogIndex(i), 1, []byte("x")))
	}

	pos, err := l.RemoveFromAndPersist(2)
	if err != nil {
		t.Fatalf("removeFromAndPersist failed: %v", err)
	}
	if pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}
	if len(j.truncated) != 1 || j.truncated[0] != 2 {
		t.Fatalf("expected journal truncation at 2, got %v", j.truncated)
	}

	// invalid index does not reach the journal
	if pos, err = l.RemoveFromAndPersist(7); pos != -1 || err != nil {
		t.Fatalf("expected (-1, nil), got (%d, %v)", pos, err)
	}
	if len(j.truncated) != 1 {
		t.Fatalf("expected no extra journal truncation, got %v", j.truncated)
	}

	j.truncErr = errors.New("disk full")
	pos, err = l.RemoveFromAndPersist(1)
	if err == nil || !errors.Is(err, j.truncErr) {
		t.Fatalf("expected wrapped journal error, got %v", err)
	}
	if pos != 1 || l.Size() != 1 {
		t.Fatalf("expected in-memory truncation to stand, pos=%d size=%d", pos, l.Size())
	}
}

func TestLog_AppendAndPersistSync(t *testing.T) {
	j := &fakeJournal{}
	p := &fakePolicy{every: 2}
	l := New(WithJournal(j), WithSnapshotPolicy(p))

	var durable []types.LogIndex
	for i := 0; i < 4; i++ {
		err := l.AppendAndPersist(NewEntry(types.LogIndex(i), 1, []byte("x")), func(e Entry, err error) {
			if err != nil {
				t.Fatalf("unexpected persist error: %v", err)
			}
			durable = append(durable, e.Index())
		}, false)
		if err != nil {
			t.Fatalf("appendAndPersist failed: %v", err)
		}
	}

	if len(durable) != 4 {
		t.Fatalf("expected 4 durable callbacks, got %d", len(durable))
	}
	if len(j.appended) != 4 {
		t.Fatalf("expected 4 journal appends, got %d", len(j.appended))
	}
	if len(p.ready) != 2 || p.ready[0].Index() != 1 || p.ready[1].Index() != 3 {
		t.Fatalf("expected policy to fire for indices 1 and 3, got %v", p.ready)
	}
}

func TestLog_AppendAndPersistAsyncUsesDispatcher(t *testing.T) {
	j := &fakeJournal{}
	p := &fakePolicy{every: 1}

	var dispatched int
	l := New(WithJournal(j), WithSnapshotPolicy(p), WithDispatcher(func(fn func()) {
		dispatched++
		fn()
	}))

	var called bool
	err := l.AppendAndPersist(NewEntry(0, 1, []byte("x")), func(Entry, error) { called = true }, true)
	if err != nil {
		t.Fatalf("appendAndPersist failed: %v", err)
	}

	// in-memory append is immediate, durability is not
	if l.Size() != 1 {
		t.Fatalf("expected entry in memory before durability, size=%d", l.Size())
	}
	if called || len(p.ready) != 0 {
		t.Fatal("expected no callback before the journal completes")
	}

	j.flush()

	if !called {
		t.Fatal("expected durable callback after flush")
	}
	if dispatched != 1 {
		t.Fatalf("expected completion to go through the dispatcher once, got %d", dispatched)
	}
	if len(p.ready) != 1 {
		t.Fatalf("expected policy to run after durability, got %d", len(p.ready))
	}
}

func TestLog_AppendAndPersistFailureKeepsEntry(t *testing.T) {
	j := &fakeJournal{appendErr: errors.New("io error")}
	p := &fakePolicy{every: 1}
	l := New(WithJournal(j), WithSnapshotPolicy(p))

	var gotErr error
	err := l.AppendAndPersist(NewEntry(0, 1, []byte("x")), func(_ Entry, err error) { gotErr = err }, false)
	if err == nil || gotErr == nil {
		t.Fatalf("expected persist error to be reported, got %v / %v", err, gotErr)
	}
	if l.Size() != 1 {
		t.Fatalf("expected entry to stay in memory, size=%d", l.Size())
	}
	if len(p.ready) != 0 {
		t.Fatal("expected policy not to run after a failed write")
	}

	// the caller's remedy is an explicit truncation
	if pos := l.RemoveFrom(0); pos != 0 {
		t.Fatalf("expected removeFrom(0) == 0, got %d", pos)
	}
}

func TestLog_AppendAndPersistWithoutJournal(t *testing.T) {
	p := &fakePolicy{every: 1}
	l := New(WithSnapshotPolicy(p))

	var called bool
	if err := l.AppendAndPersist(NewEntry(0, 1, nil), func(Entry, error) { called = true }, true); err != nil {
		t.Fatalf("appendAndPersist failed: %v", err)
	}
	if !called || len(p.ready) != 1 {
		t.Fatalf("expected immediate completion without a journal, called=%v ready=%d", called, len(p.ready))
	}
}

func TestLog_PolicyDelegation(t *testing.T) {
	l := New()
	if l.ShouldCaptureSnapshot(9) {
		t.Fatal("expected no capture without a policy")
	}
	l.CaptureSnapshotIfReady(NewEntry(0, 1, nil))

	p := &fakePolicy{every: 10}
	l.SetSnapshotPolicy(p)
	if !l.ShouldCaptureSnapshot(9) {
		t.Fatal("expected policy to be consulted")
	}
	if len(p.checked) != 1 || p.checked[0] != 9 {
		t.Fatalf("unexpected policy calls: %v", p.checked)
	}
}

func TestLog_RestoreAndReset(t *testing.T) {
	l := New()
	entries := []Entry{
		NewEntry(3, 2, []byte("skip")),
		NewEntry(5, 2, []byte("a")),
		NewEntry(6, 3, []byte("bb")),
	}
	if err := l.Restore(4, 2, entries); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if l.SnapshotIndex() != 4 || l.Size() != 2 || l.DataSize() != 3 || l.LastIndex() != 6 {
		t.Fatalf("unexpected restored state: snap=%d size=%d data=%d last=%d",
			l.SnapshotIndex(), l.Size(), l.DataSize(), l.LastIndex())
	}

	if err := l.Reset(10, 4); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if l.Size() != 0 || l.DataSize() != 0 || l.LastIndex() != 10 || l.LastTerm() != 4 {
		t.Fatalf("unexpected reset state: size=%d data=%d last=(%d,%d)", l.Size(), l.DataSize(), l.LastIndex(), l.LastTerm())
	}
}

func TestLog_RestoreRejectsGaps(t *testing.T) {
	cases := []struct {
		name    string
		entries []Entry
	}{
		{"missing middle", []Entry{NewEntry(5, 2, nil), NewEntry(7, 2, nil)}},
		{"missing head", []Entry{NewEntry(6, 2, nil)}},
		{"term regression", []Entry{NewEntry(5, 3, nil), NewEntry(6, 2, nil)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := New()
			l.Append(NewEntry(0, 1, []byte("keep")))

			err := l.Restore(4, 2, tc.entries)
			if !errors.Is(err, ErrNotContiguous) {
				t.Fatalf("expected ErrNotContiguous, got %v", err)
			}
			if l.Size() != 1 || l.LastIndex() != 0 || l.SnapshotIndex() != types.NoIndex {
				t.Fatalf("log changed by a failed restore: size=%d last=%d snap=%d",
					l.Size(), l.LastIndex(), l.SnapshotIndex())
			}
		})
	}
}

func TestEntry_CopiesPayload(t *testing.T) {
	buf := []byte("abc")
	e := NewEntry(0, 1, buf)
	buf[0] = 'z'

	if string(e.Data()) != "abc" {
		t.Fatalf("entry payload changed with caller buffer: %q", e.Data())
	}
	if e.Size() != 3 {
		t.Fatalf("expected size 3, got %d", e.Size())
	}
}

func TestEntry_JSON(t *testing.T) {
	e := NewEntry(7, 3, []byte("payload"))
	data, err := e.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got Entry
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !got.Equal(e) {
		t.Fatalf("expected %v, got %v", e, got)
	}
}
