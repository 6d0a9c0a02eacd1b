// Package raft implements the Copycat replicated state machine: a Raft
// variant with five member roles (Follower, Candidate, Leader, Passive,
// Remote), pre-vote elections, lease-based linearizable reads, and
// majority-catch-up member promotion, driven by a segmented on-disk log
// (see storage/) and a session-aware state machine executor (see session/
// and cluster/).
package raft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/cluster"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
	"github.com/copycat-project/copycat/session"
	"github.com/copycat-project/copycat/storage"
)

// Raft is a single Copycat member.
type Raft struct {
	wg sync.WaitGroup
	mu sync.RWMutex

	cfg       api.RaftConfig
	persister api.Persister
	transport api.Transport
	fsm       api.FSM
	cluster   *cluster.Cluster
	sessions  *session.Registry
	compactor *storage.Compactor

	logger *slog.Logger
	dead   int32

	roleVal uint32 // atomic, one of the Role constants

	// Persistent state (mirrored into the persister on every change).
	currentTerm uint64
	votedFor    string

	leader    codec.Address
	hasLeader bool

	// Volatile state.
	commitIndex uint64
	lastApplied uint64
	globalIndex uint64

	// Leader-only, reinitialized on every becomeLeader.
	replicators         map[codec.Address]*peerProgress
	commitTimes         map[codec.Address]time.Time
	configChangePending bool

	// Applied-entry waiters: an index maps to every channel waiting for
	// that index to be applied, closed by the applier once it is.
	waiters map[uint64][]chan struct{}

	electionTimer    *time.Timer
	heartbeatTicker  *time.Ticker
	resetElectionCh  chan struct{}
	resetHeartbeatCh chan struct{}
	signalApplierCh  chan struct{}

	lastSnapshotIndex uint64
	lastSnapshotTerm  uint64
	lastSnapshot      []byte

	monitoring *monitoringServer

	ctx    context.Context
	cancel context.CancelFunc
}

// newRaft wires together the members common to every construction path.
// Callers (builder.go, NewRaft) still need to set role-specific fields.
func newRaft(cfg api.RaftConfig, persister api.Persister, transport api.Transport, fsm api.FSM, clu *cluster.Cluster, lg *slog.Logger) *Raft {
	ctx, cancel := context.WithCancel(context.Background())
	return &Raft{
		cfg:              cfg,
		persister:        persister,
		transport:        transport,
		fsm:              fsm,
		cluster:          clu,
		sessions:         session.NewRegistry(cfg.Session.Timeout),
		logger:           lg,
		waiters:          make(map[uint64][]chan struct{}),
		resetElectionCh:  make(chan struct{}, 1),
		resetHeartbeatCh: make(chan struct{}, 1),
		signalApplierCh:  make(chan struct{}, 1),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// NewRaft constructs a Raft member directly, without the builder. Most
// callers should prefer NewNodeBuilder.
func NewRaft(cfg api.RaftConfig, persister api.Persister, transport api.Transport, fsm api.FSM, self codec.Address, active, passive []codec.Address) (api.Raft, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("raft: invalid config: %w", err)
	}

	var lg *slog.Logger
	if cfg.Log.Env == logger.Dev {
		_, lg = logger.NewTestLogger()
	} else {
		lg = logger.NewLogger(cfg.Log.Env, false).With(slog.String("member", self.String()))
	}

	clu := cluster.New(self, active, passive)
	rf := newRaft(cfg, persister, transport, fsm, clu, lg)

	if fp, ok := persister.(*storage.FilePersister); ok {
		rf.compactor = storage.NewCompactor(fp.Log(), rf.cleanableEntry, lg.With(slog.String("component", "compactor")))
	}
	return rf, nil
}

// Start restores persisted state, starts all background goroutines, and
// begins as a Follower (or Passive, if this member is not in the active
// set).
func (rf *Raft) Start() error {
	meta, err := rf.persister.ReadMetadata()
	if err != nil {
		return fmt.Errorf("raft: failed to read persisted metadata: %w", err)
	}

	rf.mu.Lock()
	rf.currentTerm = meta.CurrentTerm
	rf.votedFor = meta.VotedFor
	rf.globalIndex = meta.GlobalIndex
	rf.commitIndex = rf.globalIndex
	rf.lastApplied = rf.globalIndex

	rf.electionTimer = time.NewTimer(rf.randElectionInterval())
	rf.heartbeatTicker = time.NewTicker(rf.cfg.Timings.HeartbeatTimeout)
	rf.heartbeatTicker.Stop()

	if rf.cluster.IsActive(rf.cluster.Self()) {
		atomic.StoreUint32(&rf.roleVal, RoleFollower)
	} else {
		atomic.StoreUint32(&rf.roleVal, RolePassive)
	}
	rf.mu.Unlock()

	rf.wg.Add(2)
	go rf.applier()
	go rf.ticker()

	if rf.compactor != nil {
		rf.wg.Add(1)
		go rf.compactionLoop()
	}

	rf.wg.Add(1)
	go func() {
		defer rf.wg.Done()
		rf.fsm.Start(rf.ctx)
	}()

	if rf.cfg.HttpMonitoringAddr != "" {
		rf.monitoring = newMonitoringServer(rf, rf.cfg.HttpMonitoringAddr)
		rf.monitoring.start(&rf.wg)
	}

	return nil
}

// Stop halts every background goroutine and releases the persister and
// transport. Safe to call once.
func (rf *Raft) Stop() error {
	atomic.StoreInt32(&rf.dead, 1)
	rf.cancel()

	rf.mu.Lock()
	rf.stopReplicators()
	rf.mu.Unlock()

	rf.wg.Wait()

	if rf.monitoring != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), rf.cfg.Timings.ShutdownTimeout)
		defer tcancel()
		rf.monitoring.stop(tctx)
	}
	perr := rf.persister.Close()
	if terr := rf.transport.Close(); terr != nil && perr == nil {
		return terr
	}
	return perr
}

// PersistedStateSize returns the size in bytes of the persisted state.
func (rf *Raft) PersistedStateSize() (int, error) {
	return rf.persister.RaftStateSize()
}

// Snapshot informs Raft that fsm state through index has been captured in
// snapshot, so entries at or below index may safely be dropped by
// compaction once globalIndex reaches it. The raw bytes are retained and
// shipped via InstallSnapshot to any tracked peer whose replication cursor
// has fallen behind the leader's retained log prefix -- the only way such a
// peer (typically a learner that joined after compaction already ran) can
// ever catch back up.
func (rf *Raft) Snapshot(index uint64, snapshot []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if index <= rf.lastSnapshotIndex {
		return api.ErrOldSnapshot
	}
	rf.lastSnapshotIndex = index
	rf.lastSnapshotTerm = rf.termAtLocked(index)
	rf.lastSnapshot = snapshot
	return nil
}

// persistMetadata writes the term/votedFor pair to the persister. Assumes
// rf.mu is held; does not release it.
func (rf *Raft) persistMetadata() error {
	if err := rf.persister.SetMetadata(rf.currentTerm, rf.votedFor); err != nil {
		return fmt.Errorf("raft: persist metadata: %w", err)
	}
	return nil
}

// handlePersistenceError logs a fatal storage failure and halts the
// process: once persistence is unreliable this member can no longer act as
// a correct replica.
func (rf *Raft) handlePersistenceError(op string, err error) {
	rf.logger.Error("fatal: persistence failure, halting member",
		slog.String("op", op), logger.ErrAttr(err))
	panic(fmt.Sprintf("raft: persistence failure in %s: %v", op, err))
}

func (rf *Raft) randElectionInterval() time.Duration {
	return rf.cfg.Timings.ElectionTimeoutBase + randDuration(rf.cfg.Timings.ElectionTimeoutRandomDelta)
}
