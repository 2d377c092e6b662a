package statemachine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticedb/cluster/config"
	"github.com/latticedb/cluster/internal/logger"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/internal/quorum"
	"github.com/latticedb/cluster/internal/wire"
	"github.com/latticedb/cluster/message"
)

var plog = logger.GetLogger("statemachine")

// LocalEngine is the minimal read-only view the state machine needs of
// this node's own SQL engine handle: its current commit position. The
// full read/write interface lives in internal/sqlengine and is driven by
// the replication pipeline, not by the state machine directly.
type LocalEngine interface {
	GetCommitCount() (uint64, error)
	GetCommitHash(n uint64) (string, error)
}

// Machine is the sync-thread-owned node lifecycle state machine. All of
// its non-atomic fields are owned by the single sync thread that calls
// Update and HandleMessage; the exceptions are documented per-field.
type Machine struct {
	cfg    *config.Config
	peers  []*peer.Peer
	self   *peer.Peer // a synthetic Peer-shaped view of our own identity/priority/commit, for quorum math symmetry
	engine LocalEngine
	wire   wire.Sender

	state atomic.Int32 // State

	// leadPeer is read by replication workers (to route ACKs) and
	// mutated by the sync thread, protected by leadMu.
	leadMu   sync.RWMutex
	leadPeer *peer.Peer
	leaderVersion string

	priority         atomic.Int64 // -1 while probing, then originalPriority
	originalPriority int64

	commitState       atomic.Int32 // CommitState
	commitConsistency config.ConsistencyLevel

	stateChangeCount atomic.Int64

	stateTimeout time.Time // deadline for the current state

	lastSentTransactionID uint64 // per-node, not process-global

	lastQuorumTime time.Time

	syncPeer *peer.Peer

	gracefulShutdownDeadline time.Time // zero means not shutting down
	standDownDeadline        time.Time

	replicationThreadCount atomic.Int64
	replicationThreadsShouldExit atomic.Bool

	// forceResync is set by a replication worker that hits a non-retryable
	// commit divergence and consumed by updateFollowing on its next tick.
	forceResync atomic.Bool

	escalatedCommandCount atomic.Int64 // set by the escalation manager via SetEscalatedCommandCount

	syncApplier          SyncApplier           // set by the replication pipeline via SetSyncApplier
	replicationCanceller ReplicationCanceller // set by the replication pipeline via SetReplicationCanceller
}

// New constructs a Machine. engine provides this node's own commit
// position; sender is the connection manager used to broadcast/send
// messages.
func New(cfg *config.Config, peers []*peer.Peer, engine LocalEngine, sender wire.Sender) *Machine {
	m := &Machine{
		cfg:              cfg,
		peers:            peers,
		engine:           engine,
		wire:             sender,
		originalPriority: cfg.Priority,
	}
	m.priority.Store(-1)
	m.state.Store(int32(Searching))
	m.commitState.Store(int32(CommitUninitialized))
	m.stateTimeout = time.Now().Add(cfg.FirstTimeout)
	return m
}

// State returns the current lifecycle state. Safe for concurrent use.
func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) setState(s State) {
	old := State(m.state.Load())
	if old == s {
		return
	}
	m.state.Store(int32(s))
	m.stateChangeCount.Add(1)
	plog.Infof("state change: %s -> %s", old, s)
	switch s {
	case Searching:
		m.stateTimeout = time.Now().Add(m.cfg.FirstTimeout)
		m.setLeadPeer(nil, "")
		m.syncPeer = nil
	case StandingUp:
		for _, p := range m.peers {
			p.SetStandupResponse(peer.ResponseNone)
		}
		m.stateTimeout = time.Now().Add(5 * time.Second)
	case StandingDown:
		m.standDownDeadline = time.Now().Add(m.cfg.Expert.StandDownTimeout)
	default:
		m.stateTimeout = time.Now().Add(5 * time.Second)
	}
}

// StateChangeCount returns the current generation counter embedded in
// outgoing STANDUP messages, so stale approvals can be detected.
func (m *Machine) StateChangeCount() int64 { return m.stateChangeCount.Load() }

// Priority returns this node's current election priority, -1 while still
// probing during SEARCHING.
func (m *Machine) Priority() int64 { return m.priority.Load() }

// LeadPeer returns the currently recognized leader peer, or nil if there
// is none or we are the leader ourselves. Safe for concurrent use by
// replication workers.
func (m *Machine) LeadPeer() *peer.Peer {
	m.leadMu.RLock()
	defer m.leadMu.RUnlock()
	return m.leadPeer
}

// LeaderVersion returns the version string last advertised by the leader.
func (m *Machine) LeaderVersion() string {
	m.leadMu.RLock()
	defer m.leadMu.RUnlock()
	return m.leaderVersion
}

func (m *Machine) setLeadPeer(p *peer.Peer, version string) {
	m.leadMu.Lock()
	m.leadPeer = p
	m.leaderVersion = version
	m.leadMu.Unlock()
}

// LeaderState returns the state the lead peer last reported of itself, or
// Unknown if there is no leader or we are the leader (supplemented
// feature from the original source's SQLiteNode::leaderState).
func (m *Machine) LeaderState() State {
	p := m.LeadPeer()
	if p == nil {
		return Unknown
	}
	return State(p.State())
}

// LeaderCommandAddress returns the command address advertised by the
// current leader, or "" if there is none.
func (m *Machine) LeaderCommandAddress() string {
	p := m.LeadPeer()
	if p == nil {
		return ""
	}
	return p.CommandAddress()
}

// CommitInProgress reports whether a leader-side commit is currently
// in flight.
func (m *Machine) CommitInProgress() bool {
	cs := CommitState(m.commitState.Load())
	return cs == CommitWaiting || cs == CommitCommitting
}

// CommitSucceeded reports whether the last commit attempt succeeded. It
// returns false while a commit is in progress.
func (m *Machine) CommitSucceeded() bool {
	return CommitState(m.commitState.Load()) == CommitSuccess
}

func (m *Machine) setCommitState(cs CommitState) { m.commitState.Store(int32(cs)) }

// HasQuorum reports whether, while LEADING, enough followers are
// SUBSCRIBED right now to satisfy a QUORUM commit (supplemented feature
// from the original source's SQLiteNode::hasQuorum). Best-effort outside
// the sync thread.
func (m *Machine) HasQuorum() bool {
	if m.State() != Leading {
		return false
	}
	approvals := 1 // self
	n := 0
	for _, p := range m.peers {
		if p.PermaFollower {
			continue
		}
		n++
		if p.Subscribed() {
			approvals++
		}
	}
	return quorum.Satisfied(approvals, n)
}

// nonPermaFollowerCount returns the number of configured peers (excluding
// self) that are not permafollowers.
func (m *Machine) nonPermaFollowerCount() int {
	n := 0
	for _, p := range m.peers {
		if !p.PermaFollower {
			n++
		}
	}
	return n
}

func (m *Machine) loggedInNonPermaFollowerCount() int {
	n := 0
	for _, p := range m.peers {
		if !p.PermaFollower && p.LoggedIn() {
			n++
		}
	}
	return n
}

// BeginShutdown arms graceful shutdown: the state machine keeps running
// but refuses to STANDUP, and if LEADING, stops taking new commits and
// waits for in-flight ones to drain before standing down.
func (m *Machine) BeginShutdown(wait time.Duration) {
	m.gracefulShutdownDeadline = time.Now().Add(wait)
}

// GracefulShutdown reports whether BeginShutdown has been called.
func (m *Machine) GracefulShutdown() bool {
	return !m.gracefulShutdownDeadline.IsZero()
}

// ShutdownComplete reports whether shutdown has finished: every peer
// socket closed (delegated to the caller, which owns sockets), no
// replication threads remain, there are no escalated commands in flight,
// and the commit state is terminal -- or the shutdown deadline has
// passed. socketsClosed is supplied by the caller (the connection
// manager owns socket lifecycle, not this package).
func (m *Machine) ShutdownComplete(socketsClosed bool) bool {
	if !m.GracefulShutdown() {
		return false
	}
	if time.Now().After(m.gracefulShutdownDeadline) {
		return true
	}
	noReplicationThreads := m.replicationThreadCount.Load() == 0
	noEscalated := m.escalatedCommandCount.Load() == 0
	terminalCommit := !m.CommitInProgress()
	return socketsClosed && noReplicationThreads && noEscalated && terminalCommit
}

// SetEscalatedCommandCount lets the escalation manager report its current
// in-flight count, used by ShutdownComplete.
func (m *Machine) SetEscalatedCommandCount(n int) {
	m.escalatedCommandCount.Store(int64(n))
}

// IncReplicationThreadCount and DecReplicationThreadCount are used by the
// replication pipeline to track in-flight follower workers.
func (m *Machine) IncReplicationThreadCount() { m.replicationThreadCount.Add(1) }
func (m *Machine) DecReplicationThreadCount() { m.replicationThreadCount.Add(-1) }
func (m *Machine) ReplicationThreadCount() int64 { return m.replicationThreadCount.Load() }

// ReplicationThreadsShouldExit reports whether in-flight replication
// workers should abandon their transaction and exit, set when the node
// leaves FOLLOWING.
func (m *Machine) ReplicationThreadsShouldExit() bool {
	return m.replicationThreadsShouldExit.Load()
}

// RequestResync is called by a replication worker that commits a
// transaction whose hash doesn't match the leader's claim for a reason
// other than a transient write-write conflict: the local log has diverged
// and needs a full resynchronization. It's picked up by updateFollowing
// on its next tick, which forces the node back to SEARCHING.
func (m *Machine) RequestResync() {
	m.forceResync.Store(true)
}

func (m *Machine) Peers() []*peer.Peer { return m.peers }

func (m *Machine) Config() *config.Config { return m.cfg }

// broadcastState sends our current STATE to all peers, carrying our
// priority, commit position, and stateChangeCount.
func (m *Machine) broadcastState() {
	count, hash := m.localCommit()
	msg := message.New(message.State).
		Set(message.HeaderState, m.State().String()).
		Set(message.HeaderPriority, itoa64(m.priority.Load())).
		Set(message.HeaderCommitCount, utoa(count)).
		Set(message.HeaderHash, hash).
		Set(message.HeaderStateChangeCount, itoa64(m.stateChangeCount.Load()))
	m.wire.Broadcast(msg, false)
}

func (m *Machine) localCommit() (uint64, string) {
	count, err := m.engine.GetCommitCount()
	if err != nil {
		plog.Warningf("failed to read local commit count: %v", err)
		return 0, ""
	}
	hash, err := m.engine.GetCommitHash(count)
	if err != nil {
		plog.Warningf("failed to read local commit hash: %v", err)
		return count, ""
	}
	return count, hash
}
