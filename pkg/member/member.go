package member

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"replog/pkg/metrics"
	"replog/pkg/replication"
	"replog/pkg/replog"
	"replog/pkg/snapshot"
	"replog/pkg/types"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	defaultMailboxSize  = 256
)

var (
	ErrNotLeader         = errors.New("member: not the leader")
	ErrStopped           = errors.New("member: stopped")
	ErrEmptyLog          = errors.New("member: log is empty")
	ErrUnexpectedMessage = errors.New("member: unexpected message for this role")
	ErrJournalGap        = errors.New("member: journal has a gap")
)

type Config struct {
	ID     types.NodeID
	Term   types.Term
	Leader types.NodeID
	// Peers maps every member of the group, this one included, to its
	// HTTP address.
	Peers map[types.NodeID]string

	TickInterval time.Duration
	MailboxSize  int
	// AsyncJournal queues journal writes instead of waiting for each one.
	AsyncJournal bool
	// AsyncSnapshotSave stores snapshots off the member goroutine.
	AsyncSnapshotSave bool

	Replication replication.Config
	Snapshot    snapshot.Config
}

// StateMachine consumes committed entries. Apply returns the ID of the
// command it executed so the proposer can be woken up.
type StateMachine interface {
	snapshot.Cohort
	Apply(e replog.Entry) (uuid.UUID, error)
}

// Journal is the durable log a member recovers from.
type Journal interface {
	replog.Journal
	snapshot.Journal
	Replay() ([]replog.Entry, error)
}

type Transport interface {
	Send(msg raftpb.Message) error
}

type proposal struct {
	index  types.LogIndex
	result chan error
}

// Member owns the replicated log of one shard member together with its
// snapshot manager, state machine and replication role. Every operation on
// them runs on the goroutine started by Run; public methods submit work to
// its mailbox and wait for the answer.
type Member struct {
	cfg Config

	log       *replog.Log
	journal   Journal
	snapshots *snapshot.Manager
	store     snapshot.Store
	sm        StateMachine
	transport Transport

	leader   *replication.Leader
	follower *replication.Follower

	commit          types.LogIndex
	lastApplied     types.LogIndex
	replicatedToAll types.LogIndex
	captureDue      bool

	// unpersisted tail waiting for a staged snapshot to finish
	dropFrom  types.LogIndex
	dropCause error

	proposals map[uuid.UUID]proposal

	mailbox chan func()
	// completions from the journal and the snapshot store; unbounded, so
	// posting never blocks
	postedMu sync.Mutex
	posted   []func()
	wake     chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  sync.Once

	metrics metrics.Collector
	labels  map[string]string
	logger  *slog.Logger
}

type Option func(*Member)

func WithJournal(j Journal) Option {
	return func(m *Member) { m.journal = j }
}

func WithMetrics(c metrics.Collector) Option {
	return func(m *Member) { m.metrics = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Member) { m.logger = logger }
}

// New recovers the member from store and the journal and prepares its
// replication role. Nothing runs until Run is called.
func New(cfg Config, sm StateMachine, store snapshot.Store, transport Transport, opts ...Option) (*Member, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if _, ok := cfg.Peers[cfg.Leader]; !ok {
		return nil, fmt.Errorf("leader %d is not a peer", cfg.Leader)
	}

	m := &Member{
		cfg:             cfg,
		store:           store,
		sm:              sm,
		transport:       transport,
		commit:          types.NoIndex,
		lastApplied:     types.NoIndex,
		replicatedToAll: types.NoIndex,
		dropFrom:        types.NoIndex,
		proposals:       make(map[uuid.UUID]proposal),
		mailbox:         make(chan func(), cfg.MailboxSize),
		wake:            make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		metrics:         metrics.Nop{},
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.labels = map[string]string{"member": strconv.FormatUint(uint64(cfg.ID), 10)}
	m.logger = m.logger.With("member", cfg.ID)

	logOpts := []replog.Option{replog.WithDispatcher(m.post), replog.WithLogger(m.logger)}
	if m.journal != nil {
		logOpts = append(logOpts, replog.WithJournal(m.journal))
	}
	m.log = replog.New(logOpts...)

	snapOpts := []snapshot.Option{
		snapshot.WithMetrics(m.metrics, m.labels),
		snapshot.WithLogger(m.logger),
	}
	if m.journal != nil {
		snapOpts = append(snapOpts, snapshot.WithJournal(m.journal))
	}
	if cfg.AsyncSnapshotSave {
		snapOpts = append(snapOpts, snapshot.WithAsyncSave(m.post))
	}
	m.snapshots = snapshot.NewManager(cfg.Snapshot, m.log, m, sm, store, snapOpts...)
	m.log.SetSnapshotPolicy(capturePolicy{m: m})

	if err := m.recover(); err != nil {
		return nil, fmt.Errorf("recover member %d: %w", cfg.ID, err)
	}

	if m.IsLeader() {
		followers := make([]types.NodeID, 0, len(cfg.Peers))
		for id := range cfg.Peers {
			followers = append(followers, id)
		}
		m.leader = replication.NewLeader(cfg.ID, cfg.Term, m.log, followers, cfg.Replication, m.snapshotFor,
			replication.WithLeaderMetrics(m.metrics, m.labels),
			replication.WithLeaderLogger(m.logger))
		m.leader.SetCommitIndex(m.commit)
	} else {
		m.follower = replication.NewFollower(cfg.ID, cfg.Term, m.log,
			replication.WithFollowerMetrics(m.metrics, m.labels),
			replication.WithFollowerLogger(m.logger))
		m.follower.SetCommitIndex(m.commit)
	}
	return m, nil
}

func (m *Member) ID() types.NodeID { return m.cfg.ID }

func (m *Member) IsLeader() bool { return m.cfg.Leader == m.cfg.ID }

// LeaderAddr is the HTTP address of the group's leader.
func (m *Member) LeaderAddr() string { return m.cfg.Peers[m.cfg.Leader] }

// Run drives the member until ctx ends or Stop is called.
func (m *Member) Run(ctx context.Context) error {
	started := false
	m.running.Do(func() { started = true })
	if !started {
		return fmt.Errorf("member %d is already running", m.cfg.ID)
	}
	defer m.shutdown()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info("member started",
		"leader", m.IsLeader(), "term", m.cfg.Term,
		"last_index", m.log.LastIndex(), "snapshot_index", m.log.SnapshotIndex())

	// a leader without followers commits what it recovered right away
	m.advance()
	m.afterTask()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-ticker.C:
			m.tick()
		case <-m.wake:
			m.runPosted()
		case fn := <-m.mailbox:
			fn()
		}
		m.afterTask()
	}
}

// Stop ends Run. Pending and future calls fail with ErrStopped.
func (m *Member) Stop() error {
	m.stopOnce.Do(func() {
		m.logger.Info("stopping member")
		close(m.stop)
	})
	return nil
}

// Done is closed once Run has returned.
func (m *Member) Done() <-chan struct{} { return m.done }

func (m *Member) shutdown() {
	for id, p := range m.proposals {
		p.result <- ErrStopped
		delete(m.proposals, id)
	}
	close(m.done)
	m.logger.Info("member stopped")
}

// post queues fn for the member goroutine without blocking. It is the
// dispatcher handed to the log and the snapshot manager; work posted after
// shutdown is dropped.
func (m *Member) post(fn func()) {
	select {
	case <-m.done:
		return
	default:
	}

	m.postedMu.Lock()
	m.posted = append(m.posted, fn)
	m.postedMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Member) runPosted() {
	m.postedMu.Lock()
	tasks := m.posted
	m.posted = nil
	m.postedMu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

// submit runs fn on the member goroutine and waits for its result.
func (m *Member) submit(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	task := func() { reply <- fn() }

	select {
	case m.mailbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrStopped
	case <-m.done:
		return ErrStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

func (m *Member) tick() {
	if m.leader != nil {
		m.sendAll(m.leader.Broadcast())
	}
	m.publish()
}

// afterTask finishes a deferred tail removal once no compaction is staged,
// then runs a capture requested while the last task was running, once
// everything it committed has been applied.
func (m *Member) afterTask() {
	if m.dropFrom != types.NoIndex && m.log.SnapshotState() == replog.SnapshotIdle {
		from, cause := m.dropFrom, m.dropCause
		m.dropFrom, m.dropCause = types.NoIndex, nil
		m.dropTail(from, cause)
	}
	if !m.captureDue {
		return
	}
	m.captureDue = false
	if m.snapshots.IsCapturing() {
		return
	}
	if last, ok := m.log.Last(); ok {
		m.snapshots.Capture(last, m.ReplicatedToAll())
	}
}

func (m *Member) publish() {
	m.metrics.SetGauge(metrics.LogSize, m.labels, float64(m.log.Size()))
	m.metrics.SetGauge(metrics.LogDataSize, m.labels, float64(m.log.DataSize()))
	m.metrics.SetGauge(metrics.LogLastIndex, m.labels, float64(m.log.LastIndex()))
	m.metrics.SetGauge(metrics.SnapshotIndex, m.labels, float64(m.log.SnapshotIndex()))
	m.metrics.SetGauge(metrics.SnapshotTerm, m.labels, float64(m.log.SnapshotTerm()))
	m.metrics.SetGauge(metrics.CommitIndex, m.labels, float64(m.commit))
	m.metrics.SetGauge(metrics.LastApplied, m.labels, float64(m.lastApplied))
}

// capturePolicy defers the snapshot manager's captures to the end of the
// current mailbox task.
type capturePolicy struct {
	m *Member
}

func (p capturePolicy) ShouldCaptureSnapshot(i types.LogIndex) bool {
	return p.m.snapshots.ShouldCaptureSnapshot(i)
}

func (p capturePolicy) CaptureSnapshotIfReady(e replog.Entry) {
	if p.m.snapshots.ShouldCaptureSnapshot(e.Index()) {
		p.m.captureDue = true
	}
}

// LastApplied is the index of the last entry handed to the state machine.
func (m *Member) LastApplied() types.LogIndex { return m.lastApplied }

// HasFollowers is false only for a leader that replicates to nobody. A
// follower answers true so its snapshots stop at the last applied entry.
func (m *Member) HasFollowers() bool {
	return m.leader == nil || m.leader.HasFollowers()
}

// ReplicatedToAll never runs ahead of the state machine, so compaction
// keeps every entry that still has to be applied.
func (m *Member) ReplicatedToAll() types.LogIndex {
	idx := m.replicatedToAll
	if m.leader != nil && m.leader.HasFollowers() {
		idx = m.leader.ReplicatedToAll()
	}
	return min(idx, m.lastApplied)
}

func (m *Member) SetReplicatedToAll(i types.LogIndex) {
	m.replicatedToAll = i
}

var _ snapshot.Context = (*Member)(nil)
