package replication

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/latticedb/cluster/config"
	"github.com/latticedb/cluster/internal/metrics"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/internal/quorum"
	"github.com/latticedb/cluster/internal/sqlengine"
	"github.com/latticedb/cluster/internal/statemachine"
	"github.com/latticedb/cluster/internal/wire"
	"github.com/latticedb/cluster/message"
)

// Leader drives the leader side of the commit protocol against a single
// engine handle (transactions are serialized on the leader; parallelism
// happens on the follower side, where execution can overlap network
// round trips).
type Leader struct {
	machine *statemachine.Machine
	pool    sqlengine.Pool
	wire    wire.Sender

	mu      sync.Mutex
	pending map[uint64]*pendingCommit
}

type pendingCommit struct {
	required int // approvals needed to succeed, counting self
	total    int // non-permafollower peers, not counting self
	approvals int
	denies    int
	done      chan struct{}
	closed    bool
	succeeded bool
}

// NewLeader constructs a Leader bound to m, using pool for its own write
// handle and sender to broadcast protocol messages.
func NewLeader(m *statemachine.Machine, pool sqlengine.Pool, sender wire.Sender) *Leader {
	return &Leader{machine: m, pool: pool, wire: sender, pending: make(map[uint64]*pendingCommit)}
}

// Commit stages query on the local engine and drives it through the
// BEGIN/APPROVE/COMMIT protocol at the requested consistency level. It
// blocks until the transaction commits, is rejected, or ctx is done, and
// returns the resulting commit count and hash on success.
func (l *Leader) Commit(ctx context.Context, query []byte, consistency config.ConsistencyLevel) (uint64, string, error) {
	if l.machine.State() != statemachine.Leading {
		return 0, "", errors.New("replication: Commit called while not LEADING")
	}
	start := time.Now()
	defer func() { metrics.CommitLatencySeconds.Update(time.Since(start).Seconds()) }()

	handle, err := l.pool.Get(ctx, 0)
	if err != nil {
		return 0, "", errors.Wrap(err, "replication: acquire leader handle")
	}
	defer handle.Close()

	if err := handle.BeginTransaction(ctx); err != nil {
		return 0, "", errors.Wrap(err, "replication: begin")
	}
	if err := handle.Execute(ctx, query); err != nil {
		_ = handle.Rollback(ctx)
		return 0, "", errors.Wrap(err, "replication: execute")
	}
	preparedQuery, hash, err := handle.Prepare(ctx)
	if err != nil {
		_ = handle.Rollback(ctx)
		return 0, "", errors.Wrap(err, "replication: prepare")
	}
	baseCount, err := handle.GetCommitCount(ctx)
	if err != nil {
		_ = handle.Rollback(ctx)
		return 0, "", errors.Wrap(err, "replication: read commit count")
	}
	newCount := baseCount + 1

	if l.machine.ShouldForceQuorum(time.Now()) {
		consistency = config.Quorum
	}
	total := nonPermaFollowerTotal(l.machine)
	pc := &pendingCommit{
		required: requiredApprovals(consistency, total),
		total:    total,
		approvals: 1, // self
		done:      make(chan struct{}),
	}
	if pc.approvals >= pc.required {
		// No peers to wait on (or none required): self's implicit
		// approval already satisfies this consistency level.
		pc.closed = true
		pc.succeeded = true
		close(pc.done)
	}
	l.mu.Lock()
	l.pending[newCount] = pc
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, newCount)
		l.mu.Unlock()
	}()

	begin := message.New(message.BeginTransaction).
		Set(message.HeaderID, utoa(newCount)).
		Set(message.HeaderNewCount, utoa(newCount)).
		Set(message.HeaderNewHash, hash).
		Set(message.HeaderConsistency, consistency.String()).
		SetBody(preparedQuery)
	l.wire.Broadcast(begin, false)

	if !l.awaitApproval(ctx, pc, consistency) {
		_ = handle.Rollback(ctx)
		l.wire.Broadcast(message.New(message.RollbackTransaction).Set(message.HeaderID, utoa(newCount)), false)
		metrics.CommitConflictsTotal.Inc()
		return 0, "", errors.Newf("replication: commit %d did not reach %s (approvals=%d required=%d)",
			newCount, consistency, pc.approvals, pc.required)
	}

	if err := handle.Commit(ctx, hash); err != nil {
		l.wire.Broadcast(message.New(message.RollbackTransaction).Set(message.HeaderID, utoa(newCount)), false)
		return 0, "", errors.Wrap(err, "replication: leader-side commit")
	}
	if consistency == config.Quorum {
		l.machine.RecordQuorumCommit(time.Now())
	}
	metrics.CommitsTotal(consistency.String()).Inc()
	l.wire.Broadcast(message.New(message.CommitTransaction).
		Set(message.HeaderID, utoa(newCount)).
		Set(message.HeaderNewCount, utoa(newCount)).
		Set(message.HeaderNewHash, hash), false)
	return newCount, hash, nil
}

// awaitApproval blocks until pc resolves (enough approvals, enough denies
// to make success impossible, ctx cancellation, or the configured receive
// timeout elapses) and reports whether the commit succeeded. ASYNC never
// waits: self's implicit approval already satisfies it.
func (l *Leader) awaitApproval(ctx context.Context, pc *pendingCommit, consistency config.ConsistencyLevel) bool {
	if consistency == config.Async {
		return true
	}
	timeout := time.NewTimer(l.machine.Config().Expert.RecvTimeout)
	defer timeout.Stop()
	select {
	case <-pc.done:
		return pc.succeeded
	case <-ctx.Done():
		return false
	case <-timeout.C:
		return false
	}
}

func requiredApprovals(consistency config.ConsistencyLevel, total int) int {
	switch consistency {
	case config.One:
		if total == 0 {
			return 1
		}
		return 2
	case config.Quorum:
		return quorum.Needed(total)
	default:
		return 1
	}
}

func nonPermaFollowerTotal(m *statemachine.Machine) int {
	n := 0
	for _, p := range m.Peers() {
		if !p.PermaFollower {
			n++
		}
	}
	return n
}

// HandleApproveTransaction records a follower's APPROVE_TRANSACTION
// response against its pending commit, waking Commit's waiter once the
// consistency level's required approval count is reached.
func (l *Leader) HandleApproveTransaction(p *peer.Peer, msg *message.Message) error {
	id := headerU64(msg, message.HeaderID)
	l.mu.Lock()
	pc, ok := l.pending[id]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	pc.approvals++
	wake := !pc.closed && pc.approvals >= pc.required
	if wake {
		pc.closed = true
		pc.succeeded = true
	}
	l.mu.Unlock()
	if wake {
		close(pc.done)
	}
	return nil
}

// HandleDenyTransaction records a follower's DENY_TRANSACTION response. If
// enough peers have denied that the required approval count can no longer
// be reached, it fails the pending commit immediately rather than waiting
// out the full receive timeout.
func (l *Leader) HandleDenyTransaction(p *peer.Peer, msg *message.Message) error {
	id := headerU64(msg, message.HeaderID)
	l.mu.Lock()
	pc, ok := l.pending[id]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	pc.denies++
	maxPossible := pc.total + 1 - pc.denies
	wake := !pc.closed && maxPossible < pc.required
	if wake {
		pc.closed = true
		pc.succeeded = false
	}
	l.mu.Unlock()
	if wake {
		close(pc.done)
	}
	plog.Warningf("peer %s denied transaction %d", p.Name, id)
	return nil
}
