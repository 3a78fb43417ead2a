package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"replog/pkg/metrics"
	"replog/pkg/replog"
	"replog/pkg/types"

	"github.com/google/uuid"
)

// State is the stage of the snapshot in progress.
type State uint8

const (
	Idle State = iota
	Creating
	Persisting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Creating:
		return "creating"
	case Persisting:
		return "persisting"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

type Config struct {
	// BatchCount triggers a capture every BatchCount entries.
	BatchCount int64
	// DataThresholdPercentage of TotalMemory triggers a capture once the
	// in-memory log grows past it.
	DataThresholdPercentage int64
	TotalMemory             int64
	// Retain is how many snapshots the store keeps after a commit.
	Retain int
}

func (c Config) dataThreshold() int64 {
	return c.TotalMemory * c.DataThresholdPercentage / 100
}

type captureRequest struct {
	lastIndex types.LogIndex
	lastTerm  types.Term

	lastAppliedIndex types.LogIndex
	lastAppliedTerm  types.Term

	replicatedToAllIndex types.LogIndex
	replicatedToAllTerm  types.Term

	unApplied     []replog.Entry
	mandatoryTrim bool
}

type applyRequest struct {
	snapshot Snapshot
	done     func(error)
}

// Manager drives the snapshot lifecycle of one member: capture the state
// machine, compact the log, save the snapshot and then commit or roll
// back. It also acts as the log's snapshot policy.
//
// Manager is owned by the member goroutine, like the log itself.
type Manager struct {
	cfg     Config
	log     *replog.Log
	member  Context
	cohort  Cohort
	store   Store
	journal Journal

	dispatch replog.Dispatcher
	metrics  metrics.Collector
	labels   map[string]string
	logger   *slog.Logger

	state    State
	capture  *captureRequest
	applying *applyRequest
	pending  Snapshot

	lastSaved time.Time
}

type Option func(*Manager)

// WithJournal compacts j after every committed snapshot.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithAsyncSave saves snapshots on a separate goroutine and reports the
// outcome through d, which must run its argument on the owner goroutine.
func WithAsyncSave(d replog.Dispatcher) Option {
	return func(m *Manager) { m.dispatch = d }
}

func WithMetrics(c metrics.Collector, labels map[string]string) Option {
	return func(m *Manager) {
		m.metrics = c
		m.labels = labels
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager attaches itself to l as its snapshot policy.
func NewManager(cfg Config, l *replog.Log, member Context, cohort Cohort, store Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     l,
		member:  member,
		cohort:  cohort,
		store:   store,
		metrics: metrics.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "snapshot")
	l.SetSnapshotPolicy(m)
	return m
}

func (m *Manager) State() State { return m.state }

func (m *Manager) IsCapturing() bool { return m.state != Idle }

func (m *Manager) IsApplying() bool { return m.applying != nil }

// LastSaved is when the last snapshot was durably stored.
func (m *Manager) LastSaved() time.Time { return m.lastSaved }

// ShouldCaptureSnapshot reports whether the entry at logIndex closes a
// batch or the in-memory log outgrew the data threshold.
func (m *Manager) ShouldCaptureSnapshot(logIndex types.LogIndex) bool {
	if m.cfg.BatchCount > 0 && (int64(logIndex)+1)%m.cfg.BatchCount == 0 {
		return true
	}
	return m.cfg.dataThreshold() > 0 && m.log.DataSize() > m.cfg.dataThreshold()
}

func (m *Manager) CaptureSnapshotIfReady(e replog.Entry) {
	if !m.ShouldCaptureSnapshot(e.Index()) {
		return
	}
	m.Capture(e, m.member.ReplicatedToAll())
}

// Capture starts a snapshot as of last. It returns false when another
// snapshot is in progress or the state machine could not produce its
// state.
func (m *Manager) Capture(last replog.Entry, replicatedToAllIndex types.LogIndex) bool {
	return m.startCapture(last, replicatedToAllIndex, false)
}

// CaptureWithForcedTrim is Capture that always trims the log up to the
// last applied index.
func (m *Manager) CaptureWithForcedTrim(last replog.Entry, replicatedToAllIndex types.LogIndex) bool {
	return m.startCapture(last, replicatedToAllIndex, true)
}

func (m *Manager) startCapture(last replog.Entry, replicatedToAllIndex types.LogIndex, mandatoryTrim bool) bool {
	if m.state != Idle {
		m.logger.Debug("capture should not be called in this state", "state", m.state)
		return false
	}

	req := m.newCaptureRequest(last, replicatedToAllIndex, mandatoryTrim)
	m.logger.Info("initiating snapshot capture",
		"last_index", req.lastIndex, "last_applied_index", req.lastAppliedIndex,
		"replicated_to_all_index", req.replicatedToAllIndex, "unapplied", len(req.unApplied))

	m.capture = req
	m.state = Creating

	state, err := m.cohort.CreateSnapshot()
	if err != nil {
		m.logger.Error("error creating snapshot", "error", err)
		m.capture = nil
		m.state = Idle
		return false
	}
	if err := m.Persist(state); err != nil {
		m.logger.Error("error persisting snapshot", "error", err)
	}
	return true
}

func (m *Manager) newCaptureRequest(last replog.Entry, replicatedToAllIndex types.LogIndex, mandatoryTrim bool) *captureRequest {
	req := &captureRequest{
		lastIndex:            last.Index(),
		lastTerm:             last.Term(),
		lastAppliedIndex:     types.NoIndex,
		lastAppliedTerm:      types.NoTerm,
		replicatedToAllIndex: types.NoIndex,
		replicatedToAllTerm:  types.NoTerm,
		mandatoryTrim:        mandatoryTrim,
	}

	switch applied, ok := m.log.Get(m.member.LastApplied()); {
	case !m.member.HasFollowers():
		// the last entry is already journaled, so snapshot from it
		req.lastAppliedIndex = last.Index()
		req.lastAppliedTerm = last.Term()
	case ok:
		req.lastAppliedIndex = applied.Index()
		req.lastAppliedTerm = applied.Term()
	case m.log.SnapshotIndex() > types.NoIndex:
		req.lastAppliedIndex = m.log.SnapshotIndex()
		req.lastAppliedTerm = m.log.SnapshotTerm()
	}

	if e, ok := m.log.Get(replicatedToAllIndex); ok {
		req.replicatedToAllIndex = e.Index()
		req.replicatedToAllTerm = e.Term()
	}

	req.unApplied = m.log.GetFrom(req.lastAppliedIndex + 1)
	return req
}

// Persist compacts the log for the capture in progress and saves the
// snapshot built from state.
func (m *Manager) Persist(state []byte) error {
	if m.state != Creating || m.capture == nil {
		m.logger.Debug("persist should not be called in this state", "state", m.state)
		return nil
	}
	req := m.capture

	m.pending = Snapshot{
		ID:               uuid.New(),
		State:            state,
		UnAppliedEntries: req.unApplied,
		LastIndex:        req.lastIndex,
		LastTerm:         req.lastTerm,
		LastAppliedIndex: req.lastAppliedIndex,
		LastAppliedTerm:  req.lastAppliedTerm,
		CreatedAt:        time.Now().UTC(),
	}

	if err := m.preCommit(req); err != nil {
		m.capture = nil
		m.state = Idle
		return fmt.Errorf("precommit snapshot at %d: %w", req.lastAppliedIndex, err)
	}

	m.state = Persisting
	m.save(m.pending)
	return nil
}

func (m *Manager) preCommit(req *captureRequest) error {
	dataThreshold := m.cfg.dataThreshold()
	dataSizeExceeded := dataThreshold > 0 && m.log.DataSize() > dataThreshold
	batchCountExceeded := m.cfg.BatchCount > 0 && int64(m.log.Size()) >= m.cfg.BatchCount

	switch {
	case dataSizeExceeded || batchCountExceeded || req.mandatoryTrim:
		// keep the memory footprint in check even if a follower lags
		m.logger.Debug("trimming log to last applied index",
			"index", req.lastAppliedIndex, "data_size", m.log.DataSize(), "size", m.log.Size(),
			"data_threshold", dataThreshold, "mandatory", req.mandatoryTrim)
		if err := m.log.SnapshotPreCommit(req.lastAppliedIndex, req.lastAppliedTerm); err != nil {
			return err
		}
		if req.replicatedToAllIndex >= 0 {
			m.member.SetReplicatedToAll(req.replicatedToAllIndex)
		}
	case req.replicatedToAllIndex != types.NoIndex:
		if err := m.log.SnapshotPreCommit(req.replicatedToAllIndex, req.replicatedToAllTerm); err != nil {
			return err
		}
		m.member.SetReplicatedToAll(req.replicatedToAllIndex)
	default:
		// nothing replicated to all yet: save the snapshot but keep the log
		if err := m.log.SnapshotPreCommit(m.log.SnapshotIndex(), m.log.SnapshotTerm()); err != nil {
			return err
		}
	}

	m.logger.Info("removed in-memory snapshotted entries",
		"snapshot_index", m.log.SnapshotIndex(), "snapshot_term", m.log.SnapshotTerm(), "size", m.log.Size())
	return nil
}

func (m *Manager) save(s Snapshot) {
	if m.dispatch == nil {
		m.saved(m.store.Save(s))
		return
	}
	go func() {
		err := m.store.Save(s)
		m.dispatch(func() { m.saved(err) })
	}()
}

func (m *Manager) saved(err error) {
	if err != nil {
		m.logger.Error("snapshot is not durable", "error", err)
		m.rollback(err)
		return
	}
	m.lastSaved = time.Now()
	m.logger.Info("snapshot is durable", "index", m.pending.LastAppliedIndex, "id", m.pending.ID)
	m.Commit()
}

// Apply installs a snapshot sent by the leader. done runs once the
// snapshot is saved and applied, or with the error that stopped it.
func (m *Manager) Apply(s Snapshot, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if m.state != Idle {
		m.logger.Debug("apply should not be called in this state", "state", m.state)
		done(ErrBusy)
		return
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	m.logger.Info("applying snapshot from leader",
		"last_applied_index", s.LastAppliedIndex, "last_applied_term", s.LastAppliedTerm)

	m.applying = &applyRequest{snapshot: s, done: done}
	m.pending = s
	m.state = Persisting
	m.save(s)
}

// Commit finishes the snapshot in progress once it is durable.
func (m *Manager) Commit() {
	if m.state != Persisting {
		m.logger.Debug("commit should not be called in this state", "state", m.state)
		return
	}

	through := m.pending.LastAppliedIndex
	if m.applying != nil {
		m.commitApply(*m.applying)
	} else {
		m.log.SnapshotCommit()
	}
	m.metrics.IncCounter(metrics.SnapshotCommits, m.labels, 1)

	if m.journal != nil && through >= 0 {
		if err := m.journal.Compact(through); err != nil {
			m.logger.Error("failed to compact journal", "through", through, "error", err)
		}
	}
	if m.cfg.Retain > 0 {
		if err := m.store.Prune(m.cfg.Retain); err != nil {
			m.logger.Warn("failed to prune snapshots", "retain", m.cfg.Retain, "error", err)
		}
	}

	m.complete()
}

func (m *Manager) commitApply(req applyRequest) {
	s := req.snapshot
	err := m.log.Reset(s.LastAppliedIndex, s.LastAppliedTerm)
	if err == nil && m.journal != nil {
		// everything the follower had journaled is replaced by the snapshot
		err = m.journal.Truncate(s.LastAppliedIndex + 1)
	}
	if err == nil && s.State != nil {
		err = m.cohort.ApplySnapshot(s.State)
	}
	if err != nil {
		m.logger.Error("error applying snapshot", "error", err)
	}
	req.done(err)
}

// Rollback abandons the snapshot in progress and restores the log.
func (m *Manager) Rollback() {
	m.rollback(errors.New("snapshot rolled back"))
}

func (m *Manager) rollback(cause error) {
	switch {
	case m.state != Persisting:
		m.logger.Debug("rollback should not be called in this state", "state", m.state)
		return
	case m.applying != nil:
		// nothing to undo for a leader snapshot
		m.applying.done(cause)
	default:
		m.log.SnapshotRollback()
		m.logger.Info("replicated log rolled back, snapshot will be attempted in the next cycle",
			"snapshot_index", m.log.SnapshotIndex(), "snapshot_term", m.log.SnapshotTerm(), "size", m.log.Size())
	}
	m.metrics.IncCounter(metrics.SnapshotRollbacks, m.labels, 1)
	m.complete()
}

func (m *Manager) complete() {
	m.state = Idle
	m.capture = nil
	m.applying = nil
	m.pending = Snapshot{}
}

// TrimLog drops entries up to desired without taking a snapshot, keeping
// the last applied entry. It returns the new snapshot index, or
// types.NoIndex when nothing was trimmed.
func (m *Manager) TrimLog(desired types.LogIndex) types.LogIndex {
	if m.state != Idle {
		m.logger.Debug("trimLog should not be called in this state", "state", m.state)
		return types.NoIndex
	}

	lastApplied := m.member.LastApplied()
	tempMin := types.NoIndex
	if lastApplied > types.NoIndex {
		tempMin = min(desired, lastApplied-1)
	}

	if tempMin > types.NoIndex {
		if e, ok := m.log.Get(tempMin); ok {
			m.logger.Debug("purging log without snapshot", "index", tempMin, "term", e.Term())
			if err := m.log.SnapshotPreCommit(tempMin, e.Term()); err != nil {
				m.logger.Error("failed to trim log", "index", tempMin, "error", err)
				return types.NoIndex
			}
			m.log.SnapshotCommit()
			return tempMin
		}
	}

	if tempMin > m.member.ReplicatedToAll() {
		// a lagging follower caught up through a snapshot install
		m.member.SetReplicatedToAll(tempMin)
	}
	return types.NoIndex
}

var _ replog.SnapshotPolicy = (*Manager)(nil)
