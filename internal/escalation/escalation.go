// Package escalation lets a follower forward a client command it cannot
// service itself (because only the leader commits transactions) to the
// current leader, and lets the leader execute that command on the
// follower's behalf and return the result. It tracks in-flight escalated
// commands so the node lifecycle state machine can hold up a graceful
// shutdown until they drain, and so operators can list what's currently
// outstanding.
package escalation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/latticedb/cluster/internal/logger"
	"github.com/latticedb/cluster/internal/metrics"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/internal/statemachine"
	"github.com/latticedb/cluster/internal/wire"
	"github.com/latticedb/cluster/message"
)

var plog = logger.GetLogger("escalation")

// ErrNoLeader is returned by Escalate when there is no recognized leader
// to escalate to.
var ErrNoLeader = errors.New("escalation: no leader to escalate to")

// Executor runs an escalated command on the leader's behalf. It is
// implemented by whatever owns the command-to-SQL translation outside this
// module; this package only carries the method name and opaque body.
type Executor interface {
	Execute(ctx context.Context, method string, body []byte) (result []byte, err error)
}

// Info describes one in-flight escalated command, for diagnostics.
type Info struct {
	ID        uint64
	Method    string
	StartedAt time.Time
}

// Manager owns both directions of escalation: sending our own commands to
// the leader, and (when we are the leader) executing commands escalated
// to us by followers.
type Manager struct {
	machine *statemachine.Machine
	wire    wire.Sender
	exec    Executor

	nextID atomic.Uint64

	mu       sync.Mutex
	outbound map[uint64]*outboundCommand // commands we escalated, awaiting a response
}

type outboundCommand struct {
	method    string
	startedAt time.Time
	done      chan *message.Message
}

// NewManager constructs a Manager. exec is used only when this node is
// leading and receives an ESCALATE from a follower; it may be nil on a
// node that never expects to lead.
func NewManager(m *statemachine.Machine, sender wire.Sender, exec Executor) *Manager {
	return &Manager{
		machine:  m,
		wire:     sender,
		exec:     exec,
		outbound: make(map[uint64]*outboundCommand),
	}
}

// Escalate forwards method/body to the current leader and blocks for its
// response. Returns ErrNoLeader if this node doesn't currently recognize
// one.
func (mgr *Manager) Escalate(ctx context.Context, method string, body []byte) ([]byte, error) {
	leader := mgr.machine.LeadPeer()
	if leader == nil {
		return nil, ErrNoLeader
	}
	start := time.Now()
	defer func() { metrics.EscalationLatencySeconds.Update(time.Since(start).Seconds()) }()

	id := mgr.nextID.Add(1)
	oc := &outboundCommand{method: method, startedAt: start, done: make(chan *message.Message, 1)}
	mgr.mu.Lock()
	mgr.outbound[id] = oc
	mgr.updateInFlightCount()
	mgr.mu.Unlock()
	defer func() {
		mgr.mu.Lock()
		delete(mgr.outbound, id)
		mgr.updateInFlightCount()
		mgr.mu.Unlock()
	}()

	req := message.New(message.Escalate).
		Set(message.HeaderID, utoa(id)).
		Set(message.HeaderQuery, method).
		SetBody(body)
	if err := mgr.wire.SendToPeer(leader.ID, req); err != nil {
		return nil, errors.Wrap(err, "escalation: send ESCALATE")
	}

	select {
	case resp := <-oc.done:
		if reason, ok := resp.Get(message.HeaderReason); ok && reason != "" {
			return nil, errors.Newf("escalation: leader rejected command: %s", reason)
		}
		return resp.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleEscalate executes method/body locally (this node must be leading)
// and replies with ESCALATE_RESPONSE carrying the result or a failure
// reason.
func (mgr *Manager) HandleEscalate(p *peer.Peer, msg *message.Message) error {
	id := headerU64(msg, message.HeaderID)
	method, _ := msg.Get(message.HeaderQuery)
	resp := message.New(message.EscalateResponse).Set(message.HeaderID, utoa(id))

	if mgr.machine.State() != statemachine.Leading {
		resp.Set(message.HeaderReason, "not leading")
		return mgr.wire.SendToPeer(p.ID, resp)
	}
	if mgr.exec == nil {
		resp.Set(message.HeaderReason, "no executor configured")
		return mgr.wire.SendToPeer(p.ID, resp)
	}

	result, err := mgr.exec.Execute(context.Background(), method, msg.Body)
	if err != nil {
		resp.Set(message.HeaderReason, err.Error())
		return mgr.wire.SendToPeer(p.ID, resp)
	}
	resp.SetBody(result)
	return mgr.wire.SendToPeer(p.ID, resp)
}

// HandleEscalateResponse delivers a leader's response to the waiting
// Escalate call.
func (mgr *Manager) HandleEscalateResponse(p *peer.Peer, msg *message.Message) error {
	id := headerU64(msg, message.HeaderID)
	mgr.mu.Lock()
	oc, ok := mgr.outbound[id]
	mgr.mu.Unlock()
	if !ok {
		plog.Debugf("dropping ESCALATE_RESPONSE for unknown id %d", id)
		return nil
	}
	select {
	case oc.done <- msg:
	default:
	}
	return nil
}

// InFlight lists every command this node currently has escalated and is
// awaiting a response for.
func (mgr *Manager) InFlight() []Info {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]Info, 0, len(mgr.outbound))
	for id, oc := range mgr.outbound {
		out = append(out, Info{ID: id, Method: oc.method, StartedAt: oc.startedAt})
	}
	return out
}

// updateInFlightCount must be called with mu held. It reports our
// outstanding escalation count to the state machine so
// Machine.ShutdownComplete can hold up a graceful shutdown until it
// drains.
func (mgr *Manager) updateInFlightCount() {
	mgr.machine.SetEscalatedCommandCount(len(mgr.outbound))
}
