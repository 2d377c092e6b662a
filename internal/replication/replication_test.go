package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	pebblevfs "github.com/cockroachdb/pebble/vfs"
	"github.com/latticedb/cluster/config"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/internal/sqlengine"
	"github.com/latticedb/cluster/internal/statemachine"
	"github.com/latticedb/cluster/message"
	"github.com/stretchr/testify/require"
)

// fakeWire is a minimal wire.Sender that records every message it was
// asked to send, and lets a test synchronously deliver a fabricated
// response back into the component under test.
type fakeWire struct {
	mu         sync.Mutex
	sentTo     map[uint64][]*message.Message
	broadcasts []*message.Message
}

func newFakeWire() *fakeWire {
	return &fakeWire{sentTo: make(map[uint64][]*message.Message)}
}

func (w *fakeWire) SendToPeer(peerID uint64, msg *message.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sentTo[peerID] = append(w.sentTo[peerID], msg)
	return nil
}

func (w *fakeWire) Broadcast(msg *message.Message, _ bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcasts = append(w.broadcasts, msg)
}

func (w *fakeWire) last(peerID uint64) *message.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := w.sentTo[peerID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// sentFor reports whether a message named name carrying HeaderID==id was
// ever sent to peerID, regardless of how many other messages followed it.
func sentFor(w *fakeWire, peerID uint64, name, id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, msg := range w.sentTo[peerID] {
		if msg.Name != name {
			continue
		}
		if v, ok := msg.Get(message.HeaderID); ok && v == id {
			return true
		}
	}
	return false
}

// scriptedHandle is a sqlengine.Handle test double that lets a test script
// exactly how Commit behaves call by call, instead of relying on the real
// pebble engine to produce a genuine write-write conflict.
type scriptedHandle struct {
	mu sync.Mutex

	commitErrs []error // popped front-to-back on each Commit call; nil once exhausted
	hashf      func(prepareCalls int) string

	beginCalls    int
	prepareCalls  int
	commitCalls   int
	rollbackCalls int
}

func (h *scriptedHandle) BeginTransaction(context.Context) error {
	h.mu.Lock()
	h.beginCalls++
	h.mu.Unlock()
	return nil
}

func (h *scriptedHandle) Execute(context.Context, []byte) error { return nil }

func (h *scriptedHandle) Prepare(context.Context) ([]byte, string, error) {
	h.mu.Lock()
	h.prepareCalls++
	n := h.prepareCalls
	h.mu.Unlock()
	return nil, h.hashf(n), nil
}

func (h *scriptedHandle) Commit(context.Context, string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commitCalls++
	if len(h.commitErrs) == 0 {
		return nil
	}
	err := h.commitErrs[0]
	h.commitErrs = h.commitErrs[1:]
	return err
}

func (h *scriptedHandle) Rollback(context.Context) error {
	h.mu.Lock()
	h.rollbackCalls++
	h.mu.Unlock()
	return nil
}

func (h *scriptedHandle) GetCommitCount(context.Context) (uint64, error)      { return 0, nil }
func (h *scriptedHandle) GetCommitHash(context.Context, uint64) (string, error) { return "", nil }
func (h *scriptedHandle) Close() error                                        { return nil }

func (h *scriptedHandle) snapshot() (begins, prepares, commits, rollbacks int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beginCalls, h.prepareCalls, h.commitCalls, h.rollbackCalls
}

type scriptedPool struct{ handle *scriptedHandle }

func (p *scriptedPool) Get(context.Context, int) (sqlengine.Handle, error) { return p.handle, nil }
func (p *scriptedPool) Size() int                                          { return 1 }

func testConfig() *config.Config {
	c := &config.Config{
		Name:         "self",
		Host:         "127.0.0.1:9001",
		Priority:     100,
		FirstTimeout: time.Second,
		Version:      "1.0.0",
	}
	c.Prepare()
	return c
}

func newTestEngine(t *testing.T) *sqlengine.Engine {
	t.Helper()
	e, err := sqlengine.Open("test", pebblevfs.NewMem(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// leadSingleNode drives a zero-peer Machine from SEARCHING straight
// through to LEADING, the same path updateSearching/updateWaiting/
// updateStandingUp take when there's nobody else to wait on.
func leadSingleNode(t *testing.T, m *statemachine.Machine) {
	t.Helper()
	for i := 0; i < 5 && m.State() != statemachine.Leading; i++ {
		m.Update(time.Now())
	}
	require.Equal(t, statemachine.Leading, m.State())
}

func TestCommitSingleNodeAsyncSucceedsWithoutWaiting(t *testing.T) {
	engine := newTestEngine(t)
	wire := newFakeWire()
	m := statemachine.New(testConfig(), nil, engine, wire)
	leadSingleNode(t, m)

	l := NewLeader(m, engine.Pool(), wire)
	count, hash, err := l.Commit(context.Background(), []byte(`[{"key":"a","value":"1"}]`), config.Async)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
	require.NotEmpty(t, hash)
}

func TestCommitSingleNodeQuorumDoesNotDeadlock(t *testing.T) {
	// A single-node cluster has no peers to approve a QUORUM commit;
	// self's implicit approval must be enough, or this test times out.
	engine := newTestEngine(t)
	wire := newFakeWire()
	m := statemachine.New(testConfig(), nil, engine, wire)
	leadSingleNode(t, m)

	l := NewLeader(m, engine.Pool(), wire)
	done := make(chan struct{})
	go func() {
		_, _, err := l.Commit(context.Background(), []byte(`[{"key":"a","value":"1"}]`), config.Quorum)
		require.NoError(t, err)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("single-node QUORUM commit deadlocked")
	}
}

func TestCommitNotLeadingIsRejected(t *testing.T) {
	engine := newTestEngine(t)
	wire := newFakeWire()
	m := statemachine.New(testConfig(), nil, engine, wire)
	// Freshly constructed: SEARCHING, not LEADING.
	l := NewLeader(m, engine.Pool(), wire)
	_, _, err := l.Commit(context.Background(), []byte(`[]`), config.Async)
	require.Error(t, err)
}

func TestRequiredApprovals(t *testing.T) {
	require.Equal(t, 1, requiredApprovals(config.Async, 5))
	require.Equal(t, 1, requiredApprovals(config.One, 0))
	require.Equal(t, 2, requiredApprovals(config.One, 3))
	require.Equal(t, 1, requiredApprovals(config.Quorum, 0))
	require.Equal(t, 2, requiredApprovals(config.Quorum, 2))
}

func TestHandleApproveTransactionWakesOnceThresholdReached(t *testing.T) {
	wire := newFakeWire()
	l := &Leader{wire: wire, pending: make(map[uint64]*pendingCommit)}
	pc := &pendingCommit{required: 2, total: 2, approvals: 1, done: make(chan struct{})}
	l.pending[7] = pc

	p := peer.New("peerA", "127.0.0.1:1", 1, nil, false)
	require.NoError(t, l.HandleApproveTransaction(p, message.New(message.ApproveTransaction).Set(message.HeaderID, "7")))

	select {
	case <-pc.done:
	default:
		t.Fatal("pending commit did not wake after reaching required approvals")
	}
	require.True(t, pc.succeeded)
}

func TestHandleDenyTransactionFailsEarlyWhenSuccessImpossible(t *testing.T) {
	wire := newFakeWire()
	l := &Leader{wire: wire, pending: make(map[uint64]*pendingCommit)}
	// total=1 peer, required=2 (ONE): a single deny makes success
	// impossible (maxPossible = total+1-denies = 1+1-1 = 1 < 2).
	pc := &pendingCommit{required: 2, total: 1, approvals: 1, done: make(chan struct{})}
	l.pending[9] = pc

	p := peer.New("peerA", "127.0.0.1:1", 1, nil, false)
	require.NoError(t, l.HandleDenyTransaction(p, message.New(message.DenyTransaction).Set(message.HeaderID, "9")))

	select {
	case <-pc.done:
	default:
		t.Fatal("pending commit did not fail early after an unwinnable deny")
	}
	require.False(t, pc.succeeded)
}

func TestFollowerApplyRecordsCommitsInOrder(t *testing.T) {
	ctx := context.Background()

	// Produce a real committed history on a source engine, the same way
	// a leader would, then replay it onto a fresh engine via
	// ApplyRecords exactly as handleSynchronizeResponse would.
	src := newTestEngine(t)
	var records []sqlengine.SyncRecord
	for i, kv := range []struct{ key, value string }{{"a", "1"}, {"b", "2"}} {
		h, err := src.Pool().Get(ctx, 0)
		require.NoError(t, err)
		query := []byte(`[{"key":"` + kv.key + `","value":"` + kv.value + `"}]`)
		require.NoError(t, h.BeginTransaction(ctx))
		require.NoError(t, h.Execute(ctx, query))
		_, hash, err := h.Prepare(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Commit(ctx, hash))
		h.Close()
		records = append(records, sqlengine.SyncRecord{Count: uint64(i + 1), Hash: hash, Query: query})
	}

	engine := newTestEngine(t)
	wire := newFakeWire()
	m := statemachine.New(testConfig(), nil, engine, wire)
	f := NewFollower(m, engine.Pool(), wire)

	require.NoError(t, f.ApplyRecords(ctx, records))
	count, err := engine.GetCommitCount()
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
	hash, err := engine.GetCommitHash(2)
	require.NoError(t, err)
	require.Equal(t, records[1].Hash, hash)
}

func TestFollowerHandleBeginTransactionApprovesMatchingHash(t *testing.T) {
	engine := newTestEngine(t)
	wire := newFakeWire()
	cfg := testConfig()
	cfg.UseParallelReplication = true // HandleBeginTransaction must return before COMMIT arrives
	m := statemachine.New(cfg, nil, engine, wire)
	f := NewFollower(m, engine.Pool(), wire)

	query := []byte(`[{"key":"a","value":"1"}]`)
	h, err := engine.Pool().Get(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, h.BeginTransaction(context.Background()))
	require.NoError(t, h.Execute(context.Background(), query))
	_, wantHash, err := h.Prepare(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Rollback(context.Background()))
	h.Close()

	leader := peer.New("leader", "127.0.0.1:2", 1, nil, false)
	begin := message.New(message.BeginTransaction).
		Set(message.HeaderID, "1").
		Set(message.HeaderNewCount, "1").
		Set(message.HeaderNewHash, wantHash).
		SetBody(query)
	require.NoError(t, f.HandleBeginTransaction(leader, begin))

	require.Eventually(t, func() bool {
		resp := wire.last(leader.ID)
		return resp != nil && resp.Name == message.ApproveTransaction
	}, time.Second, 5*time.Millisecond)

	commit := message.New(message.CommitTransaction).Set(message.HeaderID, "1")
	require.NoError(t, f.HandleCommitTransaction(leader, commit))

	require.Eventually(t, func() bool {
		count, err := engine.GetCommitCount()
		return err == nil && count == 1
	}, time.Second, 5*time.Millisecond)
}

// TestFollowerHandleBeginTransactionParallelOrdersCommitsAcrossTickets
// drives two overlapping parallel transactions (ticket 2 arrives before
// ticket 1 is even sent) and checks that ticket 2's worker neither
// approves nor denies until ticket 1 has actually committed, since its
// hash is only meaningful once computed against ticket 1's committed
// state.
func TestFollowerHandleBeginTransactionParallelOrdersCommitsAcrossTickets(t *testing.T) {
	ctx := context.Background()
	query1 := []byte(`[{"key":"a","value":"1"}]`)
	query2 := []byte(`[{"key":"b","value":"2"}]`)

	// Compute the expected chain hashes the same way a leader would:
	// serially, on a throwaway engine seeded identically to the
	// follower's.
	scratch := newTestEngine(t)
	h, err := scratch.Pool().Get(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, h.BeginTransaction(ctx))
	require.NoError(t, h.Execute(ctx, query1))
	_, hash1, err := h.Prepare(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Commit(ctx, hash1))
	h.Close()

	h, err = scratch.Pool().Get(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, h.BeginTransaction(ctx))
	require.NoError(t, h.Execute(ctx, query2))
	_, hash2, err := h.Prepare(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Commit(ctx, hash2))
	h.Close()

	engine := newTestEngine(t)
	wire := newFakeWire()
	cfg := testConfig()
	cfg.UseParallelReplication = true
	m := statemachine.New(cfg, nil, engine, wire)
	f := NewFollower(m, engine.Pool(), wire)

	leader := peer.New("leader", "127.0.0.1:2", 1, nil, false)

	begin2 := message.New(message.BeginTransaction).
		Set(message.HeaderID, "2").
		Set(message.HeaderNewCount, "2").
		Set(message.HeaderNewHash, hash2).
		SetBody(query2)
	require.NoError(t, f.HandleBeginTransaction(leader, begin2))

	time.Sleep(20 * time.Millisecond)
	require.False(t, sentFor(wire, leader.ID, message.ApproveTransaction, "2"), "ticket 2 approved before ticket 1 committed")
	require.False(t, sentFor(wire, leader.ID, message.DenyTransaction, "2"), "ticket 2 denied against a stale base instead of waiting")

	begin1 := message.New(message.BeginTransaction).
		Set(message.HeaderID, "1").
		Set(message.HeaderNewCount, "1").
		Set(message.HeaderNewHash, hash1).
		SetBody(query1)
	require.NoError(t, f.HandleBeginTransaction(leader, begin1))

	require.Eventually(t, func() bool {
		return sentFor(wire, leader.ID, message.ApproveTransaction, "1")
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.HandleCommitTransaction(leader, message.New(message.CommitTransaction).Set(message.HeaderID, "1")))

	require.Eventually(t, func() bool {
		count, err := engine.GetCommitCount()
		return err == nil && count == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return sentFor(wire, leader.ID, message.ApproveTransaction, "2")
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.HandleCommitTransaction(leader, message.New(message.CommitTransaction).Set(message.HeaderID, "2")))

	require.Eventually(t, func() bool {
		count, err := engine.GetCommitCount()
		return err == nil && count == 2
	}, time.Second, 5*time.Millisecond)
	gotHash, err := engine.GetCommitHash(2)
	require.NoError(t, err)
	require.Equal(t, hash2, gotHash)
}

// TestFollowerRunWorkerRetriesOnConflictThenCommits forces the engine to
// report ErrConflict on the first commit attempt and checks the worker
// rolls back, re-executes from BeginTransaction, and commits successfully
// on the retry instead of abandoning the transaction.
func TestFollowerRunWorkerRetriesOnConflictThenCommits(t *testing.T) {
	wire := newFakeWire()
	cfg := testConfig()
	cfg.UseParallelReplication = true
	engine := newTestEngine(t)
	m := statemachine.New(cfg, nil, engine, wire)

	handle := &scriptedHandle{
		commitErrs: []error{errors.Mark(errors.New("conflict on key"), sqlengine.ErrConflict)},
		hashf:      func(int) string { return "wanted" },
	}
	f := NewFollower(m, &scriptedPool{handle: handle}, wire)

	leader := peer.New("leader", "127.0.0.1:2", 1, nil, false)
	begin := message.New(message.BeginTransaction).
		Set(message.HeaderID, "1").
		Set(message.HeaderNewCount, "1").
		Set(message.HeaderNewHash, "wanted").
		SetBody([]byte(`[]`))
	require.NoError(t, f.HandleBeginTransaction(leader, begin))

	require.Eventually(t, func() bool {
		return sentFor(wire, leader.ID, message.ApproveTransaction, "1")
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.HandleCommitTransaction(leader, message.New(message.CommitTransaction).Set(message.HeaderID, "1")))

	require.Eventually(t, func() bool {
		return m.ReplicationThreadCount() == 0
	}, time.Second, 5*time.Millisecond)

	begins, prepares, commits, rollbacks := handle.snapshot()
	require.Equal(t, 2, begins, "expected a fresh BeginTransaction on the conflict retry")
	require.Equal(t, 2, prepares, "expected a fresh Prepare on the conflict retry")
	require.Equal(t, 2, commits, "expected the retry's Commit to run after the conflicting one")
	require.Equal(t, 1, rollbacks, "expected exactly one rollback, for the conflicting attempt")
}

// TestFollowerRunWorkerCancelsSuccessorOnNonConflictCommitFailure checks
// that a non-conflict commit failure on ticket 1 doesn't just abandon
// ticket 1: a parallel worker for ticket 2, already blocked waiting on
// ticket 1, must observe the cancellation and give up too instead of
// hanging or committing out of order.
func TestFollowerRunWorkerCancelsSuccessorOnNonConflictCommitFailure(t *testing.T) {
	wire := newFakeWire()
	cfg := testConfig()
	cfg.UseParallelReplication = true
	engine := newTestEngine(t)
	m := statemachine.New(cfg, nil, engine, wire)

	handle := &scriptedHandle{
		commitErrs: []error{errors.New("sqlengine: commit hash mismatch: expected wanted, computed other")},
		hashf:      func(int) string { return "wanted" },
	}
	f := NewFollower(m, &scriptedPool{handle: handle}, wire)

	leader := peer.New("leader", "127.0.0.1:2", 1, nil, false)

	begin2 := message.New(message.BeginTransaction).
		Set(message.HeaderID, "2").
		Set(message.HeaderNewCount, "2").
		Set(message.HeaderNewHash, "irrelevant").
		SetBody([]byte(`[]`))
	require.NoError(t, f.HandleBeginTransaction(leader, begin2))

	begin1 := message.New(message.BeginTransaction).
		Set(message.HeaderID, "1").
		Set(message.HeaderNewCount, "1").
		Set(message.HeaderNewHash, "wanted").
		SetBody([]byte(`[]`))
	require.NoError(t, f.HandleBeginTransaction(leader, begin1))

	require.Eventually(t, func() bool {
		return sentFor(wire, leader.ID, message.ApproveTransaction, "1")
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.HandleCommitTransaction(leader, message.New(message.CommitTransaction).Set(message.HeaderID, "1")))

	require.Eventually(t, func() bool {
		return m.ReplicationThreadCount() == 0
	}, time.Second, 5*time.Millisecond)

	require.False(t, sentFor(wire, leader.ID, message.ApproveTransaction, "2"), "ticket 2 should have been cancelled, not approved")
	require.False(t, sentFor(wire, leader.ID, message.DenyTransaction, "2"), "ticket 2 should have been cancelled, not denied")
}

// TestFollowerCancelReplicationAfterUnblocksWaitingWorker simulates what
// happens when a follower's Machine leaves FOLLOWING (leader lost or gone
// stale) while a worker is already approved and parked waiting for a
// COMMIT/ROLLBACK that, since the leader is gone, will never arrive. It
// must roll back and exit on its own rather than leak forever, which is
// what lets ReplicationThreadCount -- and so Machine.ShutdownComplete --
// actually reach zero.
func TestFollowerCancelReplicationAfterUnblocksWaitingWorker(t *testing.T) {
	wire := newFakeWire()
	cfg := testConfig()
	cfg.UseParallelReplication = true
	engine := newTestEngine(t)
	m := statemachine.New(cfg, nil, engine, wire)

	handle := &scriptedHandle{hashf: func(int) string { return "wanted" }}
	f := NewFollower(m, &scriptedPool{handle: handle}, wire)

	leader := peer.New("leader", "127.0.0.1:2", 1, nil, false)
	begin := message.New(message.BeginTransaction).
		Set(message.HeaderID, "1").
		Set(message.HeaderNewCount, "1").
		Set(message.HeaderNewHash, "wanted").
		SetBody([]byte(`[]`))
	require.NoError(t, f.HandleBeginTransaction(leader, begin))

	require.Eventually(t, func() bool {
		return sentFor(wire, leader.ID, message.ApproveTransaction, "1")
	}, time.Second, 5*time.Millisecond, "worker should have approved and parked waiting for a leader decision")

	// The leader never sends COMMIT or ROLLBACK; CancelReplicationAfter is
	// what onLeaveFollowing calls in its place.
	f.CancelReplicationAfter(0)

	require.Eventually(t, func() bool {
		return m.ReplicationThreadCount() == 0
	}, time.Second, 5*time.Millisecond, "worker leaked instead of unblocking on cancellation")

	_, _, commits, rollbacks := handle.snapshot()
	require.Zero(t, commits, "cancelled worker must not commit")
	require.Equal(t, 1, rollbacks)
}
