// Package peer models a single configured neighbor in the cluster: its
// immutable identity, its atomically-updated liveness/state scalars, and
// the commit position which must be updated atomically as a (count, hash)
// pair.
package peer

import (
	"sync"
	"sync/atomic"
)

// Response is a peer's answer to a STANDUP or a transaction approval
// request.
type Response int32

const (
	ResponseNone Response = iota
	ResponseApprove
	ResponseDeny
)

func (r Response) String() string {
	switch r {
	case ResponseApprove:
		return "APPROVE"
	case ResponseDeny:
		return "DENY"
	default:
		return "NONE"
	}
}

// State mirrors the node lifecycle states this peer last reported of
// itself, see internal/statemachine.State. Declared here (as an int32) to
// avoid an import cycle between peer and statemachine; statemachine
// converts to/from its own State type at the boundary.
type State int32

// Peer is safe for concurrent access: immutable fields need no
// synchronization, atomic scalars may be read lock-free, and commitCount +
// commitHash are kept consistent with each other under mu.
type Peer struct {
	// Immutable for the lifetime of the Peer.
	Name          string
	Host          string
	ID            uint64
	Params        map[string]string
	PermaFollower bool

	loggedIn            atomic.Bool
	state                atomic.Int32
	latencyMicros        atomic.Uint64
	failedConnections    atomic.Int64
	nextReconnectUnixNs  atomic.Int64
	priority             atomic.Int64
	version              atomic.Value // string
	commandAddress       atomic.Value // string
	subscribed           atomic.Bool
	standupResponse      atomic.Int32
	transactionResponse  atomic.Int32

	mu          sync.Mutex
	commitCount uint64
	commitHash  string

	// socket is the opaque handle into the connection manager's socket
	// table, owned by the sync thread. A zero value means "not connected".
	socketID uint64
	connected bool
}

// New constructs a Peer. id must be a stable index assigned once by the
// node at construction time; the peer set is static for the lifetime of a
// running node.
func New(name, host string, id uint64, params map[string]string, permaFollower bool) *Peer {
	p := &Peer{
		Name:          name,
		Host:          host,
		ID:            id,
		Params:        params,
		PermaFollower: permaFollower,
	}
	p.version.Store("")
	p.commandAddress.Store("")
	return p
}

// Reset clears all session-scoped atomics, as happens on disconnect:
// loggedIn, subscribed, both response fields, and the recorded socket.
// Commit position is left untouched; it's a property of the replicated
// log, not the session.
func (p *Peer) Reset() {
	p.loggedIn.Store(false)
	p.subscribed.Store(false)
	p.standupResponse.Store(int32(ResponseNone))
	p.transactionResponse.Store(int32(ResponseNone))
	p.mu.Lock()
	p.socketID = 0
	p.connected = false
	p.mu.Unlock()
}

func (p *Peer) LoggedIn() bool      { return p.loggedIn.Load() }
func (p *Peer) SetLoggedIn(v bool)  { p.loggedIn.Store(v) }

func (p *Peer) State() State     { return State(p.state.Load()) }
func (p *Peer) SetState(s State) { p.state.Store(int32(s)) }

func (p *Peer) LatencyMicros() uint64     { return p.latencyMicros.Load() }
func (p *Peer) SetLatencyMicros(us uint64) { p.latencyMicros.Store(us) }

func (p *Peer) FailedConnections() int64 { return p.failedConnections.Load() }
func (p *Peer) IncrFailedConnections() int64 {
	return p.failedConnections.Add(1)
}
func (p *Peer) ResetFailedConnections() { p.failedConnections.Store(0) }

func (p *Peer) NextReconnectUnixNs() int64     { return p.nextReconnectUnixNs.Load() }
func (p *Peer) SetNextReconnectUnixNs(ns int64) { p.nextReconnectUnixNs.Store(ns) }

func (p *Peer) Priority() int64     { return p.priority.Load() }
func (p *Peer) SetPriority(v int64) { p.priority.Store(v) }

func (p *Peer) Version() string     { return p.version.Load().(string) }
func (p *Peer) SetVersion(v string) { p.version.Store(v) }

func (p *Peer) CommandAddress() string     { return p.commandAddress.Load().(string) }
func (p *Peer) SetCommandAddress(v string) { p.commandAddress.Store(v) }

func (p *Peer) Subscribed() bool     { return p.subscribed.Load() }
func (p *Peer) SetSubscribed(v bool) { p.subscribed.Store(v) }

func (p *Peer) StandupResponse() Response { return Response(p.standupResponse.Load()) }
func (p *Peer) SetStandupResponse(r Response) {
	p.standupResponse.Store(int32(r))
}

func (p *Peer) TransactionResponse() Response { return Response(p.transactionResponse.Load()) }
func (p *Peer) SetTransactionResponse(r Response) {
	p.transactionResponse.Store(int32(r))
}

// SetCommit atomically updates commitCount and commitHash together, so a
// reader via GetCommit never observes a count paired with the wrong hash.
func (p *Peer) SetCommit(count uint64, hash string) {
	p.mu.Lock()
	p.commitCount = count
	p.commitHash = hash
	p.mu.Unlock()
}

// GetCommit atomically reads back the (count, hash) pair set by SetCommit.
func (p *Peer) GetCommit() (count uint64, hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitCount, p.commitHash
}

// SetSocket records the connection manager's handle for this peer's active
// socket. Owned by the sync thread.
func (p *Peer) SetSocket(id uint64) {
	p.mu.Lock()
	p.socketID = id
	p.connected = true
	p.mu.Unlock()
}

// ClearSocket forgets the current socket handle, e.g. on disconnect.
func (p *Peer) ClearSocket() {
	p.mu.Lock()
	p.socketID = 0
	p.connected = false
	p.mu.Unlock()
}

// Socket returns the connection manager's handle for this peer's socket
// and whether one is currently assigned.
func (p *Peer) Socket() (id uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socketID, p.connected
}

// Connected reports whether this peer currently has an active socket.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}
