package sqlengine

import (
	"context"
	"encoding/json"
	"testing"

	pebblevfs "github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, poolSize int) *Engine {
	t.Helper()
	e, err := Open("test", pebblevfs.NewMem(), poolSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeBlob(t *testing.T, writes ...Write) []byte {
	t.Helper()
	b, err := json.Marshal(writes)
	require.NoError(t, err)
	return b
}

func TestSingleTransactionCommits(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 1)
	h, err := e.Pool().Get(ctx, 0)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.BeginTransaction(ctx))
	require.NoError(t, h.Execute(ctx, writeBlob(t, Write{Key: "a", Value: "1"})))
	_, hash, err := h.Prepare(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Commit(ctx, hash))

	count, err := h.GetCommitCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestConflictingTransactionThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 2)

	h1, err := e.Pool().Get(ctx, 0)
	require.NoError(t, err)
	defer h1.Close()
	h2, err := e.Pool().Get(ctx, 1)
	require.NoError(t, err)
	defer h2.Close()

	// Both transactions start from the same base and touch the same key.
	require.NoError(t, h1.BeginTransaction(ctx))
	require.NoError(t, h1.Execute(ctx, writeBlob(t, Write{Key: "row", Value: "from-h1"})))
	_, hash1, err := h1.Prepare(ctx)
	require.NoError(t, err)

	require.NoError(t, h2.BeginTransaction(ctx))
	require.NoError(t, h2.Execute(ctx, writeBlob(t, Write{Key: "row", Value: "from-h2"})))
	_, hash2, err := h2.Prepare(ctx)
	require.NoError(t, err)

	// h1 commits first.
	require.NoError(t, h1.Commit(ctx, hash1))

	// h2's commit now conflicts because "row" moved since h2's base.
	err = h2.Commit(ctx, hash2)
	require.ErrorIs(t, err, ErrConflict)

	// Re-execute h2 from the top against the new base (simulating the
	// replication worker's re-execution on conflict).
	require.NoError(t, h2.Rollback(ctx))
	require.NoError(t, h2.BeginTransaction(ctx))
	require.NoError(t, h2.Execute(ctx, writeBlob(t, Write{Key: "row", Value: "from-h2"})))
	_, hash2b, err := h2.Prepare(ctx)
	require.NoError(t, err)
	require.NoError(t, h2.Commit(ctx, hash2b))

	count, err := h2.GetCommitCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestCommitHashMismatchRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 1)
	h, err := e.Pool().Get(ctx, 0)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.BeginTransaction(ctx))
	require.NoError(t, h.Execute(ctx, writeBlob(t, Write{Key: "a", Value: "1"})))
	_, _, err = h.Prepare(ctx)
	require.NoError(t, err)

	err = h.Commit(ctx, "not-the-right-hash")
	require.Error(t, err)
}

func TestTwoFreshEnginesReplayingSameStreamAgree(t *testing.T) {
	ctx := context.Background()
	e1 := newTestEngine(t, 1)
	e2 := newTestEngine(t, 1)

	apply := func(e *Engine, key, value string) (uint64, string) {
		h, err := e.Pool().Get(ctx, 0)
		require.NoError(t, err)
		defer h.Close()
		require.NoError(t, h.BeginTransaction(ctx))
		require.NoError(t, h.Execute(ctx, writeBlob(t, Write{Key: key, Value: value})))
		_, hash, err := h.Prepare(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Commit(ctx, hash))
		count, err := h.GetCommitCount(ctx)
		require.NoError(t, err)
		return count, hash
	}

	c1a, h1a := apply(e1, "x", "1")
	c2a, h2a := apply(e2, "x", "1")
	require.Equal(t, c1a, c2a)
	require.Equal(t, h1a, h2a)

	c1b, h1b := apply(e1, "y", "2")
	c2b, h2b := apply(e2, "y", "2")
	require.Equal(t, c1b, c2b)
	require.Equal(t, h1b, h2b)
}
