package statemachine

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/message"
)

// ErrUnhandledMessage is returned by HandleMessage for message names this
// package does not own (BEGIN_TRANSACTION and friends belong to the
// replication package, ESCALATE to the escalation package).
var ErrUnhandledMessage = errors.New("statemachine: unhandled message")

// HandleMessage dispatches one incoming message from p. It returns
// ErrUnhandledMessage for names owned by other components (replication,
// escalation, synchronize chunk streaming), which the caller should route
// elsewhere.
func (m *Machine) HandleMessage(p *peer.Peer, msg *message.Message) error {
	switch msg.Name {
	case message.NodeLogin:
		return m.handleNodeLogin(p, msg)
	case message.State:
		return m.handleState(p, msg)
	case message.Standup:
		return m.handleStandup(p, msg)
	case message.StandupResponse:
		return m.handleStandupResponse(p, msg)
	case message.Subscribe:
		return m.handleSubscribe(p, msg)
	case message.SubscriptionApproved:
		return m.handleSubscriptionApproved(p, msg)
	case message.SubscriptionDenied:
		return m.handleSubscriptionDenied(p, msg)
	case message.Ping:
		return m.handlePing(p, msg)
	case message.Pong:
		return m.handlePong(p, msg)
	case message.Synchronize:
		return m.handleSynchronize(p, msg)
	case message.SynchronizeResponse:
		return m.handleSynchronizeResponse(p, msg)
	default:
		return ErrUnhandledMessage
	}
}

func headerU64(msg *message.Message, key string) uint64 {
	v, _ := msg.Get(key)
	return atou64(v)
}

func headerI64(msg *message.Message, key string) int64 {
	v, _ := msg.Get(key)
	return atoi64(v)
}

// handleNodeLogin applies the peer fields carried by a NODE_LOGIN
// handshake and marks the peer logged in. The connection manager is
// responsible for the TCP-level handshake sequencing; this only updates
// peer-list bookkeeping.
func (m *Machine) handleNodeLogin(p *peer.Peer, msg *message.Message) error {
	p.SetPriority(headerI64(msg, message.HeaderPriority))
	if v, ok := msg.Get(message.HeaderVersion); ok {
		p.SetVersion(v)
	}
	if v, ok := msg.Get(message.HeaderCommandAddress); ok {
		p.SetCommandAddress(v)
	}
	p.SetState(peer.State(FromName(mustHeader(msg, message.HeaderState))))
	p.SetCommit(headerU64(msg, message.HeaderCommitCount), mustHeader(msg, message.HeaderHash))
	p.SetLoggedIn(true)
	return nil
}

func mustHeader(msg *message.Message, key string) string {
	v, _ := msg.Get(key)
	return v
}

// LoginMessage builds the NODE_LOGIN message this node sends to every
// peer it connects to.
func (m *Machine) LoginMessage() *message.Message {
	count, hash := m.localCommit()
	return message.New(message.NodeLogin).
		Set(message.HeaderName, m.cfg.Name).
		Set(message.HeaderVersion, m.cfg.Version).
		Set(message.HeaderPriority, itoa64(m.priority.Load())).
		Set(message.HeaderPermafollower, boolStr(m.cfg.IsPermaFollower())).
		Set(message.HeaderCommitCount, utoa(count)).
		Set(message.HeaderHash, hash).
		Set(message.HeaderCommandAddress, m.cfg.CommandAddress).
		Set(message.HeaderState, m.State().String()).
		Set(message.HeaderStateChangeCount, itoa64(m.stateChangeCount.Load()))
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *Machine) handleState(p *peer.Peer, msg *message.Message) error {
	p.SetPriority(headerI64(msg, message.HeaderPriority))
	p.SetState(peer.State(FromName(mustHeader(msg, message.HeaderState))))
	p.SetCommit(headerU64(msg, message.HeaderCommitCount), mustHeader(msg, message.HeaderHash))
	return nil
}

// handleStandup is called when a peer claims leadership. We approve
// unless its commit count is behind our own; no other reason (such as
// another peer already leading) leads to a denial.
func (m *Machine) handleStandup(p *peer.Peer, msg *message.Message) error {
	stateChangeCount := mustHeader(msg, message.HeaderStateChangeCount)
	peerCount := headerU64(msg, message.HeaderCommitCount)
	ourCount, _ := m.localCommit()

	resp := message.New(message.StandupResponse).Set(message.HeaderStateChangeCount, stateChangeCount)
	if peerCount < ourCount {
		resp.Set(message.HeaderResponse, message.ResponseDeny).
			Set(message.HeaderReason, "peer commit count behind ours")
	} else {
		resp.Set(message.HeaderResponse, message.ResponseApprove)
	}
	return m.wire.SendToPeer(p.ID, resp)
}

// handleStandupResponse records an approval/denial from a candidacy
// response, discarding it if its StateChangeCount doesn't match ours
// (a stale response left over from an earlier, abandoned standup).
func (m *Machine) handleStandupResponse(p *peer.Peer, msg *message.Message) error {
	scc := headerI64(msg, message.HeaderStateChangeCount)
	if scc != m.stateChangeCount.Load() {
		plog.Debugf("dropping stale STANDUP_RESPONSE from %s (scc=%d, want %d)", p.Name, scc, m.stateChangeCount.Load())
		return nil
	}
	v, _ := msg.Get(message.HeaderResponse)
	if v == message.ResponseApprove {
		p.SetStandupResponse(peer.ResponseApprove)
	} else {
		p.SetStandupResponse(peer.ResponseDeny)
	}
	return nil
}

// SendStandup broadcasts our leadership claim, entering the STANDINGUP
// approval handshake.
func (m *Machine) SendStandup() {
	count, hash := m.localCommit()
	msg := message.New(message.Standup).
		Set(message.HeaderStateChangeCount, itoa64(m.stateChangeCount.Load())).
		Set(message.HeaderPriority, itoa64(m.priority.Load())).
		Set(message.HeaderCommitCount, utoa(count)).
		Set(message.HeaderHash, hash)
	m.wire.Broadcast(msg, false)
}

func (m *Machine) handleSubscribe(p *peer.Peer, msg *message.Message) error {
	if m.State() != Leading {
		return m.wire.SendToPeer(p.ID, message.New(message.SubscriptionDenied).Set(message.HeaderReason, "not leading"))
	}
	if !versionsCompatible(m.cfg.Version, mustHeader(msg, message.HeaderVersion)) {
		return m.wire.SendToPeer(p.ID, message.New(message.SubscriptionDenied).Set(message.HeaderReason, "incompatible version"))
	}
	p.SetCommit(headerU64(msg, message.HeaderCommitCount), mustHeader(msg, message.HeaderHash))
	p.SetSubscribed(true)
	return m.wire.SendToPeer(p.ID, message.New(message.SubscriptionApproved).
		Set(message.HeaderVersion, m.cfg.Version).
		Set(message.HeaderCommandAddress, m.cfg.CommandAddress))
}

// SendSubscribe sends our SUBSCRIBE request to the chosen leader, entering
// the SUBSCRIBING handshake.
func (m *Machine) SendSubscribe() error {
	p := m.LeadPeer()
	if p == nil {
		return errors.New("statemachine: SendSubscribe called with no lead peer")
	}
	count, hash := m.localCommit()
	msg := message.New(message.Subscribe).
		Set(message.HeaderCommitCount, utoa(count)).
		Set(message.HeaderHash, hash).
		Set(message.HeaderVersion, m.cfg.Version)
	return m.wire.SendToPeer(p.ID, msg)
}

func (m *Machine) handleSubscriptionApproved(p *peer.Peer, msg *message.Message) error {
	if m.State() != Subscribing {
		return nil
	}
	if v, ok := msg.Get(message.HeaderCommandAddress); ok {
		p.SetCommandAddress(v)
	}
	m.setLeadPeer(p, mustHeader(msg, message.HeaderVersion))
	m.ClearReplicationExitFlag()
	m.setState(Following)
	return nil
}

func (m *Machine) handleSubscriptionDenied(p *peer.Peer, msg *message.Message) error {
	if m.State() != Subscribing {
		return nil
	}
	reason, _ := msg.Get(message.HeaderReason)
	plog.Warningf("subscription to %s denied: %s", p.Name, reason)
	m.setState(Searching)
	return nil
}

func (m *Machine) handlePing(p *peer.Peer, msg *message.Message) error {
	pong := message.New(message.Pong)
	if ts, ok := msg.Get(message.HeaderTimestamp); ok {
		pong.Set(message.HeaderTimestamp, ts)
	}
	return m.wire.SendToPeer(p.ID, pong)
}

func (m *Machine) handlePong(p *peer.Peer, msg *message.Message) error {
	ts, ok := msg.Get(message.HeaderTimestamp)
	if !ok {
		return nil
	}
	sentNanos := atoi64(ts)
	if sentNanos <= 0 {
		return nil
	}
	elapsed := time.Now().UnixNano() - sentNanos
	if elapsed < 0 {
		elapsed = 0
	}
	p.SetLatencyMicros(uint64(elapsed / 1000))
	return nil
}

// SendPing sends a liveness probe to p, stamping the current time so the
// matching PONG lets us compute round-trip latency.
func (m *Machine) SendPing(p *peer.Peer) error {
	msg := message.New(message.Ping).Set(message.HeaderTimestamp, itoa64(time.Now().UnixNano()))
	return m.wire.SendToPeer(p.ID, msg)
}
