package replication

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/latticedb/cluster/internal/metrics"
	"github.com/latticedb/cluster/internal/notifier"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/internal/sqlengine"
	"github.com/latticedb/cluster/internal/statemachine"
	"github.com/latticedb/cluster/internal/wire"
	"github.com/latticedb/cluster/message"
)

// Follower drives the follower side of the commit protocol: stage each
// incoming BEGIN_TRANSACTION on its own engine handle, report APPROVE or
// DENY, then commit or roll back on the leader's word. When
// UseParallelReplication is set, a transaction's worker goroutine starts
// as soon as the message arrives, but it only prepares (and so only
// approves or denies) once notify confirms the predecessor ticket has
// committed -- the prepare hash is meaningless against any earlier base.
// Commits themselves retry in place on a conflicting write and otherwise
// land on the engine in strictly increasing order, matching the engine's
// own sequencing requirement.
type Follower struct {
	machine *statemachine.Machine
	pool    sqlengine.Pool
	wire    wire.Sender
	notify  *notifier.SequentialNotifier

	mu      sync.Mutex
	pending map[uint64]chan *message.Message // txID -> channel fed the COMMIT/ROLLBACK message
}

// NewFollower constructs a Follower bound to m, applying staged
// transactions against pool and replying to the leader through sender.
func NewFollower(m *statemachine.Machine, pool sqlengine.Pool, sender wire.Sender) *Follower {
	f := &Follower{
		machine: m,
		pool:    pool,
		wire:    sender,
		notify:  notifier.New(),
		pending: make(map[uint64]chan *message.Message),
	}
	return f
}

// CancelReplicationAfter implements statemachine.ReplicationCanceller: it
// abandons every worker parked waiting on a ticket above m, used when the
// node leaves FOLLOWING and the leader that would have resolved those
// tickets is no longer recognized.
func (f *Follower) CancelReplicationAfter(m uint64) {
	f.notify.CancelAfter(m)
}

// ApplyRecords implements statemachine.SyncApplier: it commits a batch of
// already-finalized catch-up records directly, bypassing the
// approve/deny handshake since the leader already finalized them.
func (f *Follower) ApplyRecords(ctx context.Context, records []sqlengine.SyncRecord) error {
	if len(records) == 0 {
		return nil
	}
	handle, err := f.pool.Get(ctx, 0)
	if err != nil {
		return errors.Wrap(err, "replication: acquire handle for synchronize apply")
	}
	defer handle.Close()
	for _, rec := range records {
		if err := handle.BeginTransaction(ctx); err != nil {
			return errors.Wrap(err, "replication: begin synchronize record")
		}
		if err := handle.Execute(ctx, rec.Query); err != nil {
			_ = handle.Rollback(ctx)
			return errors.Wrapf(err, "replication: execute synchronize record %d", rec.Count)
		}
		if _, _, err := handle.Prepare(ctx); err != nil {
			_ = handle.Rollback(ctx)
			return errors.Wrapf(err, "replication: prepare synchronize record %d", rec.Count)
		}
		if err := handle.Commit(ctx, rec.Hash); err != nil {
			return errors.Wrapf(err, "replication: commit synchronize record %d", rec.Count)
		}
		f.notify.NotifyThrough(rec.Count)
	}
	return nil
}

// HandleBeginTransaction stages a leader-initiated transaction. It spawns
// a worker goroutine when UseParallelReplication is set, or runs inline
// otherwise (the legacy serial path, easier to reason about but leaves
// network round-trip latency unoverlapped).
func (f *Follower) HandleBeginTransaction(p *peer.Peer, msg *message.Message) error {
	txID := headerU64(msg, message.HeaderID)
	newCount := headerU64(msg, message.HeaderNewCount)
	newHash, _ := msg.Get(message.HeaderNewHash)
	query := msg.Body

	respCh := make(chan *message.Message, 1)
	f.mu.Lock()
	f.pending[txID] = respCh
	f.mu.Unlock()

	f.machine.IncReplicationThreadCount()
	metrics.SetReplicationThreadsActive(f.machine.ReplicationThreadCount())
	run := func() { f.runWorker(p, txID, newCount, newHash, query, respCh) }
	if f.machine.Config().UseParallelReplication {
		go run()
	} else {
		run()
	}
	return nil
}

func (f *Follower) runWorker(p *peer.Peer, txID, newCount uint64, newHash string, query []byte, respCh chan *message.Message) {
	defer func() {
		f.machine.DecReplicationThreadCount()
		metrics.SetReplicationThreadsActive(f.machine.ReplicationThreadCount())
	}()
	defer func() {
		f.mu.Lock()
		delete(f.pending, txID)
		f.mu.Unlock()
	}()

	ctx := context.Background()
	poolIdx := 0
	if n := f.pool.Size(); n > 0 {
		poolIdx = int(txID % uint64(n))
	}
	handle, err := f.pool.Get(ctx, poolIdx)
	if err != nil {
		plog.Warningf("failed to acquire handle for transaction %d: %v", txID, err)
		_ = f.wire.SendToPeer(p.ID, message.New(message.DenyTransaction).Set(message.HeaderID, utoa(txID)))
		return
	}
	defer handle.Close()

	// The prepare hash is only meaningful once it's computed against the
	// predecessor's committed state, so a parallel worker for ticket
	// newCount waits here, before preparing at all, rather than after.
	if newCount > 1 {
		if f.notify.WaitFor(newCount-1) == notifier.Cancelled {
			f.notify.Cancel(newCount)
			return
		}
	}

	approve, hash := f.prepare(ctx, handle, query, newHash)
	if approve {
		_ = f.wire.SendToPeer(p.ID, message.New(message.ApproveTransaction).Set(message.HeaderID, utoa(txID)))
	} else {
		_ = f.wire.SendToPeer(p.ID, message.New(message.DenyTransaction).Set(message.HeaderID, utoa(txID)))
	}

	final := f.awaitFinal(newCount, respCh)
	if final == nil {
		// Cancelled while waiting on the leader's decision: the leader is
		// gone or we've left FOLLOWING. There's no decision to honor.
		_ = handle.Rollback(ctx)
		return
	}
	if final.Name == message.RollbackTransaction {
		_ = handle.Rollback(ctx)
		f.notify.Cancel(newCount)
		return
	}

	if f.machine.ReplicationThreadsShouldExit() {
		_ = handle.Rollback(ctx)
		f.notify.Cancel(newCount)
		return
	}

	for {
		if err := handle.Commit(ctx, hash); err == nil {
			f.notify.NotifyThrough(newCount)
			return
		} else if errors.Is(err, sqlengine.ErrConflict) {
			// A concurrent writer landed on an overlapping key between our
			// prepare and our commit; replay this transaction from scratch
			// against the new base and retry.
			plog.Infof("follower commit %d hit a conflict, re-executing", newCount)
			_ = handle.Rollback(ctx)
			approve, hash = f.prepare(ctx, handle, query, newHash)
			if !approve {
				plog.Warningf("follower retry %d no longer matches leader hash after conflict", newCount)
				f.machine.RequestResync()
				f.notify.Cancel(newCount)
				return
			}
		} else {
			plog.Warningf("follower commit %d failed: %v", newCount, err)
			f.machine.RequestResync()
			f.notify.Cancel(newCount)
			return
		}
	}
}

func (f *Follower) prepare(ctx context.Context, handle sqlengine.Handle, query []byte, wantHash string) (approve bool, hash string) {
	if err := handle.BeginTransaction(ctx); err != nil {
		plog.Warningf("begin failed: %v", err)
		return false, ""
	}
	if err := handle.Execute(ctx, query); err != nil {
		plog.Warningf("execute failed: %v", err)
		return false, ""
	}
	_, hash, err := handle.Prepare(ctx)
	if err != nil {
		plog.Warningf("prepare failed: %v", err)
		return false, ""
	}
	return hash == wantHash, hash
}

// awaitFinal blocks for the leader's COMMIT/ROLLBACK on respCh, but also
// wakes up if ticket is cancelled first -- which happens when the node
// leaves FOLLOWING and the leader that would have sent that decision is no
// longer recognized. Returns nil in the cancelled case.
func (f *Follower) awaitFinal(ticket uint64, respCh chan *message.Message) *message.Message {
	cancelled := make(chan struct{})
	go func() {
		if f.notify.WaitFor(ticket) == notifier.Cancelled {
			close(cancelled)
		}
	}()
	select {
	case msg := <-respCh:
		return msg
	case <-cancelled:
		return nil
	}
}

// HandleCommitTransaction and HandleRollbackTransaction deliver the
// leader's finalizing decision to the worker waiting on this txID.
func (f *Follower) HandleCommitTransaction(p *peer.Peer, msg *message.Message) error {
	return f.deliver(msg)
}

func (f *Follower) HandleRollbackTransaction(p *peer.Peer, msg *message.Message) error {
	return f.deliver(msg)
}

func (f *Follower) deliver(msg *message.Message) error {
	id := headerU64(msg, message.HeaderID)
	f.mu.Lock()
	ch, ok := f.pending[id]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- msg:
	default:
	}
	return nil
}
