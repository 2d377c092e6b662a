// Package sqlengine declares the interface this module expects from the
// embedded SQL engine it is deliberately decoupled from. The engine owns
// transactions, the WAL, conflict detection, and commit-count/hash
// computation; this module only drives it through this interface.
//
// A pebble-backed reference implementation (Engine, in pebble.go) is
// provided so the replication pipeline and state machine can be exercised
// end to end in tests without a real SQL engine.
package sqlengine

import "context"

// ErrConflict is returned by Commit when the engine detects a write-write
// conflict against the expected commit hash; the replication worker
// re-executes the same ticket from the top.
var ErrConflict = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "sqlengine: commit conflict" }

// Handle is one private connection to the engine, as handed out by a Pool.
// Exactly one in-flight transaction may be open on a Handle at a time.
type Handle interface {
	// BeginTransaction starts a new transaction on this handle.
	BeginTransaction(ctx context.Context) error
	// Execute applies the serialized query blob produced by Prepare on
	// the leader against the open transaction.
	Execute(ctx context.Context, query []byte) error
	// Prepare finalizes the open transaction's statements and returns
	// the canonical serialized query blob plus the commit hash the
	// transaction would produce if committed now.
	Prepare(ctx context.Context) (query []byte, hash string, err error)
	// Commit commits the open transaction, asserting that the result
	// matches expectedHash. Returns ErrConflict (wrapped) if a
	// concurrent write invalidated the transaction; the caller should
	// rollback and retry the whole transaction from BeginTransaction.
	Commit(ctx context.Context, expectedHash string) error
	// Rollback discards the open transaction.
	Rollback(ctx context.Context) error
	// GetCommitCount returns the number of transactions committed so
	// far as observed through this handle.
	GetCommitCount(ctx context.Context) (uint64, error)
	// GetCommitHash returns the commit hash recorded at commit index n.
	GetCommitHash(ctx context.Context, n uint64) (string, error)
	// Close releases this handle back to its Pool.
	Close() error
}

// Pool hands out independent Handles, bounding the concurrency of
// replication workers.
type Pool interface {
	// Get acquires a handle identified by a stable pool index, blocking
	// until one is available.
	Get(ctx context.Context, poolIndex int) (Handle, error)
	// Size returns the number of handles in the pool.
	Size() int
}

// SyncRecord is one already-committed transaction as replayed to a
// catching-up peer: the commit position it produced and the same
// serialized query blob Handle.Prepare would have returned for it.
type SyncRecord struct {
	Count uint64 `json:"count"`
	Hash  string `json:"hash"`
	Query []byte `json:"query"`
}

// History is implemented by engines that can serve their own committed
// transaction log for peer catch-up. The reference Engine implements it
// directly; a real embedded SQL engine would back it with its WAL or
// journal.
type History interface {
	// CommitRecordsSince returns up to limit committed records with
	// Count > from, in ascending order by Count.
	CommitRecordsSince(ctx context.Context, from uint64, limit int) ([]SyncRecord, error)
}
