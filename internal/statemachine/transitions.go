package statemachine

import (
	"time"

	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/internal/quorum"
	"github.com/latticedb/cluster/message"
)

// Update drives one tick of the state machine. It returns true when it
// wants to be called again immediately (progress was made), false when
// it's fine for the caller to read network traffic first.
func (m *Machine) Update(now time.Time) bool {
	state := m.State()

	if state != Leading && state != Following && !m.stateTimeout.IsZero() && now.After(m.stateTimeout) {
		if state == Searching {
			// setState(Searching) is a no-op while already searching, so
			// restart the timer here and keep searching.
			m.stateTimeout = now.Add(m.cfg.FirstTimeout)
		} else {
			plog.Warningf("state %s timed out, returning to SEARCHING", state)
			m.setState(Searching)
			return true
		}
	}

	switch state {
	case Searching:
		return m.updateSearching()
	case Synchronizing:
		return m.updateSynchronizing()
	case Waiting:
		return m.updateWaiting()
	case StandingUp:
		return m.updateStandingUp()
	case Leading:
		return m.updateLeading(now)
	case StandingDown:
		return m.updateStandingDown(now)
	case Subscribing:
		return false
	case Following:
		return m.updateFollowing()
	default:
		m.setState(Searching)
		return true
	}
}

func (m *Machine) updateSearching() bool {
	if len(m.peers) == 0 {
		// Single-node cluster: nothing to search for.
		m.priority.Store(m.originalPriority)
		m.setState(Waiting)
		return true
	}

	anyLoggedIn := false
	var highestPeer *peer.Peer
	for _, p := range m.peers {
		if !p.LoggedIn() {
			continue
		}
		anyLoggedIn = true
		count, _ := p.GetCommit()
		if highestPeer == nil {
			highestPeer = p
		} else {
			hc, _ := highestPeer.GetCommit()
			if count > hc {
				highestPeer = p
			}
		}
	}
	if !anyLoggedIn {
		return false
	}

	ourCount, _ := m.localCommit()
	highestCount, _ := highestPeer.GetCommit()
	m.priority.Store(m.originalPriority)
	if highestCount > ourCount {
		m.setState(Synchronizing)
	} else {
		m.setState(Waiting)
	}
	return true
}

func (m *Machine) updateSynchronizing() bool {
	if m.syncPeer == nil {
		m.updateSyncPeer()
		if m.syncPeer == nil {
			m.setState(Searching)
			return true
		}
		msg := message.New(message.Synchronize)
		count, hash := m.localCommit()
		msg.Set(message.HeaderCommitCount, utoa(count)).Set(message.HeaderHash, hash)
		_ = m.wire.SendToPeer(m.syncPeer.ID, msg)
		return false
	}

	ourCount, _ := m.localCommit()
	peerCount, _ := m.syncPeer.GetCommit()
	if ourCount >= peerCount {
		m.setState(Waiting)
		return true
	}
	return false
}

// updateSyncPeer picks the logged-in peer with the greatest commitCount,
// breaking ties by lowest latency.
func (m *Machine) updateSyncPeer() {
	var best *peer.Peer
	ourCount, _ := m.localCommit()
	var bestCount uint64
	for _, p := range m.peers {
		if !p.LoggedIn() {
			continue
		}
		count, _ := p.GetCommit()
		if count <= ourCount {
			continue
		}
		if best == nil || count > bestCount ||
			(count == bestCount && p.LatencyMicros() < best.LatencyMicros()) {
			best = p
			bestCount = count
		}
	}
	m.syncPeer = best
}

func (m *Machine) updateWaiting() bool {
	m.broadcastState()

	for _, p := range m.peers {
		if p.LoggedIn() && p.State() == peer.State(Leading) {
			if !versionsCompatible(m.cfg.Version, p.Version()) {
				continue
			}
			m.setLeadPeer(p, p.Version())
			m.setState(Subscribing)
			return true
		}
	}

	if m.cfg.IsPermaFollower() {
		return false
	}
	if m.GracefulShutdown() {
		return false
	}

	ourCount, _ := m.localCommit()
	haveHighestPriority := true
	loggedIn := 0
	for _, p := range m.peers {
		if p.PermaFollower {
			continue
		}
		if !p.LoggedIn() {
			continue
		}
		loggedIn++
		count, _ := p.GetCommit()
		if count < ourCount {
			continue
		}
		// See DESIGN.md "Open Questions": equal priority and equal
		// commit count ties are broken in self's favor, so only a
		// strictly higher priority peer blocks standup.
		if p.Priority() > m.priority.Load() {
			haveHighestPriority = false
		}
	}
	if !quorum.HasMajorityConnectivity(loggedIn, m.nonPermaFollowerCount()) {
		return false
	}
	if !haveHighestPriority {
		return false
	}
	m.setState(StandingUp)
	return true
}

func (m *Machine) updateStandingUp() bool {
	approvals := 1 // self
	denied := false
	n := m.nonPermaFollowerCount()
	for _, p := range m.peers {
		if p.PermaFollower {
			continue
		}
		switch p.StandupResponse() {
		case peer.ResponseApprove:
			approvals++
		case peer.ResponseDeny:
			denied = true
		}
		count, _ := p.GetCommit()
		ourCount, _ := m.localCommit()
		if p.LoggedIn() && count > ourCount {
			// A peer with a higher commit appeared mid-standup.
			m.setState(Searching)
			return true
		}
	}
	if denied {
		m.setState(Searching)
		return true
	}
	if quorum.Satisfied(approvals, n) {
		m.priority.Store(m.originalPriority)
		m.setState(Leading)
		return true
	}
	return false
}

func (m *Machine) updateLeading(now time.Time) bool {
	for _, p := range m.peers {
		if p.LoggedIn() && p.Subscribed() && p.Priority() > m.priority.Load() {
			m.setState(StandingDown)
			return true
		}
	}
	if m.GracefulShutdown() && !m.CommitInProgress() {
		m.setState(StandingDown)
		return true
	}
	if !quorum.HasMajorityConnectivity(m.loggedInNonPermaFollowerCount(), m.nonPermaFollowerCount()) {
		m.setState(StandingDown)
		return true
	}
	_ = now
	return false
}

// ShouldForceQuorum reports whether the next commit must be QUORUM
// because quorumCheckpointInterval has elapsed since the last QUORUM
// commit.
func (m *Machine) ShouldForceQuorum(now time.Time) bool {
	if m.lastQuorumTime.IsZero() {
		return true
	}
	return now.Sub(m.lastQuorumTime) > m.cfg.Expert.QuorumCheckpointInterval
}

// RecordQuorumCommit records that a QUORUM commit just succeeded.
func (m *Machine) RecordQuorumCommit(now time.Time) { m.lastQuorumTime = now }

func (m *Machine) updateStandingDown(now time.Time) bool {
	if m.CommitInProgress() {
		if now.After(m.standDownDeadline) {
			plog.Warningf("standdown timed out waiting on in-flight commit")
			m.setState(Searching)
			return true
		}
		return false
	}
	m.setState(Searching)
	return true
}

func (m *Machine) updateFollowing() bool {
	if m.forceResync.Swap(false) {
		plog.Warningf("replication worker requested resync, returning to SEARCHING")
		m.onLeaveFollowing()
		m.setState(Searching)
		return true
	}
	p := m.LeadPeer()
	if p == nil {
		m.setState(Searching)
		return true
	}
	if !p.LoggedIn() || p.State() != peer.State(Leading) {
		m.onLeaveFollowing()
		m.setState(Searching)
		return true
	}
	return false
}

// onLeaveFollowing cancels any in-flight parallel replication above the
// last locally committed transaction and flags existing workers to
// abandon whatever they're doing. The cancellation unblocks workers that
// are parked waiting on a leader decision that will now never arrive;
// replicationThreadsShouldExit is still checked by workers that are past
// that wait, on the path to their own commit.
func (m *Machine) onLeaveFollowing() {
	m.replicationThreadsShouldExit.Store(true)
	if m.replicationCanceller != nil {
		count, _ := m.localCommit()
		m.replicationCanceller.CancelReplicationAfter(count)
	}
}

// ClearReplicationExitFlag is called when a new FOLLOWING phase begins (on
// SUBSCRIPTION_APPROVED), so workers spawned in that phase are not told to
// exit. It does not wait for workers from an earlier phase to drain.
func (m *Machine) ClearReplicationExitFlag() {
	m.replicationThreadsShouldExit.Store(false)
}

func versionsCompatible(ours, theirs string) bool {
	// Exact match is always compatible; a real deployment might relax
	// this to a semver-compatible range.
	return ours == theirs || theirs == ""
}
