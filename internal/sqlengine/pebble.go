package sqlengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Write is one key/value write staged by a transaction. The reference
// engine's "serialized query blob" is simply the JSON encoding of a sorted
// []Write, standing in for whatever wire format a real SQL engine's
// prepared statement log would use.
type Write struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Engine is a pebble-backed reference implementation of the sqlengine
// collaborator interface, used to exercise the replication pipeline end to
// end in tests without a real embedded SQL engine. It stores committed
// key/value state plus a commit-count-indexed hash chain in a single
// pebble.DB.
type Engine struct {
	mu sync.Mutex

	db *pebble.DB

	commitCount uint64
	commitHash  string
	keyVersion  map[string]uint64 // key -> commit count that last wrote it

	handles []*pebbleHandle
}

// Open creates or opens a pebble-backed Engine at dir. Pass
// vfs.NewMem() (github.com/cockroachdb/pebble/vfs) for in-memory tests.
func Open(dir string, fs vfs.FS, poolSize int) (*Engine, error) {
	opts := &pebble.Options{FS: fs}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "sqlengine: open pebble")
	}
	e := &Engine{
		db:         db,
		commitHash: rootHash,
		keyVersion: make(map[string]uint64),
	}
	if err := e.restore(); err != nil {
		db.Close()
		return nil, err
	}
	e.handles = make([]*pebbleHandle, poolSize)
	for i := range e.handles {
		e.handles[i] = &pebbleHandle{engine: e}
	}
	return e, nil
}

const rootHash = "0000000000000000000000000000000000000000000000000000000000000"

func commitKey(n uint64) []byte {
	return []byte(fmt.Sprintf("commit/%020d", n))
}

func dataKey(k string) []byte {
	return []byte("data/" + k)
}

func (e *Engine) restore() error {
	it, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("commit/"),
		UpperBound: []byte("commit0"),
	})
	if err != nil {
		return errors.Wrap(err, "sqlengine: restore iterator")
	}
	defer it.Close()
	var maxCount uint64
	var maxHash string
	for it.First(); it.Valid(); it.Next() {
		var rec commitRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return errors.Wrap(err, "sqlengine: decode commit record")
		}
		if rec.Count >= maxCount {
			maxCount = rec.Count
			maxHash = rec.Hash
		}
		for _, w := range rec.Writes {
			e.keyVersion[w.Key] = rec.Count
		}
	}
	if maxHash != "" {
		e.commitCount = maxCount
		e.commitHash = maxHash
	}
	return nil
}

type commitRecord struct {
	Count  uint64  `json:"count"`
	Hash   string  `json:"hash"`
	Writes []Write `json:"writes"`
}

// Close closes the underlying pebble.DB.
func (e *Engine) Close() error {
	return e.db.Close()
}

// GetCommitCount returns the engine's current commit count, satisfying
// internal/statemachine.LocalEngine.
func (e *Engine) GetCommitCount() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitCount, nil
}

// GetCommitHash returns the hash recorded at commit index n, or "" if not found.
func (e *Engine) GetCommitHash(n uint64) (string, error) {
	v, closer, err := e.db.Get(commitKey(n))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "sqlengine: get commit hash")
	}
	defer closer.Close()
	var rec commitRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return "", errors.Wrap(err, "sqlengine: decode commit record")
	}
	return rec.Hash, nil
}

// CommitRecordsSince implements History by scanning the commit-count-keyed
// records pebble stores alongside the data rows.
func (e *Engine) CommitRecordsSince(_ context.Context, from uint64, limit int) ([]SyncRecord, error) {
	it, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: commitKey(from + 1),
		UpperBound: []byte("commit0"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "sqlengine: scan commit records")
	}
	defer it.Close()

	var out []SyncRecord
	for it.First(); it.Valid() && len(out) < limit; it.Next() {
		var rec commitRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, errors.Wrap(err, "sqlengine: decode commit record")
		}
		query, err := json.Marshal(rec.Writes)
		if err != nil {
			return nil, errors.Wrap(err, "sqlengine: re-encode commit record")
		}
		out = append(out, SyncRecord{Count: rec.Count, Hash: rec.Hash, Query: query})
	}
	return out, nil
}

// Pool adapts the Engine's fixed-size handle set to the sqlengine.Pool
// interface.
func (e *Engine) Pool() Pool { return (*enginePool)(e) }

type enginePool Engine

func (p *enginePool) Size() int { return len(p.handles) }

func (p *enginePool) Get(_ context.Context, poolIndex int) (Handle, error) {
	if poolIndex < 0 || poolIndex >= len(p.handles) {
		return nil, errors.Newf("sqlengine: pool index %d out of range [0,%d)", poolIndex, len(p.handles))
	}
	h := p.handles[poolIndex]
	h.mu.Lock()
	return h, nil
}

// pebbleHandle implements Handle. Its mu enforces "exactly one in-flight
// transaction per handle" and is released by Close.
type pebbleHandle struct {
	mu sync.Mutex

	engine *Engine

	open          bool
	baseCount     uint64
	baseHash      string
	pendingWrites []Write
	touched       map[string]struct{}
}

func (h *pebbleHandle) BeginTransaction(context.Context) error {
	h.engine.mu.Lock()
	h.baseCount = h.engine.commitCount
	h.baseHash = h.engine.commitHash
	h.engine.mu.Unlock()
	h.open = true
	h.pendingWrites = nil
	h.touched = make(map[string]struct{})
	return nil
}

// Execute parses query as JSON-encoded []Write and stages them.
func (h *pebbleHandle) Execute(_ context.Context, query []byte) error {
	if !h.open {
		return errors.New("sqlengine: Execute called without an open transaction")
	}
	var writes []Write
	if err := json.Unmarshal(query, &writes); err != nil {
		return errors.Wrap(err, "sqlengine: decode query blob")
	}
	h.pendingWrites = append(h.pendingWrites, writes...)
	for _, w := range writes {
		h.touched[w.Key] = struct{}{}
	}
	return nil
}

func (h *pebbleHandle) Prepare(context.Context) (query []byte, hash string, err error) {
	if !h.open {
		return nil, "", errors.New("sqlengine: Prepare called without an open transaction")
	}
	sorted := append([]Write(nil), h.pendingWrites...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	query, err = json.Marshal(sorted)
	if err != nil {
		return nil, "", errors.Wrap(err, "sqlengine: encode query blob")
	}
	hash = chainHash(h.baseHash, h.baseCount+1, query)
	return query, hash, nil
}

func chainHash(prevHash string, nextCount uint64, query []byte) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", prevHash, nextCount, query)))
	return hex.EncodeToString(sum[:])
}

func (h *pebbleHandle) Commit(_ context.Context, expectedHash string) error {
	if !h.open {
		return errors.New("sqlengine: Commit called without an open transaction")
	}
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()

	for key := range h.touched {
		if v, ok := h.engine.keyVersion[key]; ok && v > h.baseCount {
			return errors.Wrapf(ErrConflict, "sqlengine: conflict on key %q", key)
		}
	}

	nextCount := h.engine.commitCount + 1
	sorted := append([]Write(nil), h.pendingWrites...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	query, _ := json.Marshal(sorted)
	hash := chainHash(h.engine.commitHash, nextCount, query)
	if expectedHash != hash {
		return errors.Newf("sqlengine: commit hash mismatch: expected %s, computed %s", expectedHash, hash)
	}

	batch := h.engine.db.NewBatch()
	defer batch.Close()
	for _, w := range sorted {
		if err := batch.Set(dataKey(w.Key), []byte(w.Value), nil); err != nil {
			return errors.Wrap(err, "sqlengine: stage data write")
		}
	}
	rec := commitRecord{Count: nextCount, Hash: hash, Writes: sorted}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "sqlengine: encode commit record")
	}
	if err := batch.Set(commitKey(nextCount), recBytes, nil); err != nil {
		return errors.Wrap(err, "sqlengine: stage commit record")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "sqlengine: commit batch")
	}

	for _, w := range sorted {
		h.engine.keyVersion[w.Key] = nextCount
	}
	h.engine.commitCount = nextCount
	h.engine.commitHash = hash

	h.open = false
	h.pendingWrites = nil
	h.touched = nil
	return nil
}

func (h *pebbleHandle) Rollback(context.Context) error {
	h.open = false
	h.pendingWrites = nil
	h.touched = nil
	return nil
}

func (h *pebbleHandle) GetCommitCount(context.Context) (uint64, error) {
	return h.engine.GetCommitCount()
}

func (h *pebbleHandle) GetCommitHash(_ context.Context, n uint64) (string, error) {
	return h.engine.GetCommitHash(n)
}

func (h *pebbleHandle) Close() error {
	h.mu.Unlock()
	return nil
}
