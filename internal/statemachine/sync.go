package statemachine

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/internal/sqlengine"
	"github.com/latticedb/cluster/message"
)

// SyncApplier commits a batch of already-finalized transaction records
// directly into the local engine during catch-up, bypassing the normal
// per-transaction approval handshake since the leader already finalized
// them. Implemented by the replication pipeline, which owns write access
// to the engine.
type SyncApplier interface {
	ApplyRecords(ctx context.Context, records []sqlengine.SyncRecord) error
}

// SetSyncApplier wires the replication pipeline's record applier into the
// state machine, so SYNCHRONIZE_RESPONSE chunks can be committed locally
// without the state machine itself touching engine write handles.
func (m *Machine) SetSyncApplier(a SyncApplier) { m.syncApplier = a }

// ReplicationCanceller abandons any in-flight parallel replication worker
// waiting on a ticket above m. Implemented by the replication pipeline,
// which owns the sequencing primitive those workers wait on.
type ReplicationCanceller interface {
	CancelReplicationAfter(m uint64)
}

// SetReplicationCanceller wires the replication pipeline's cancellation
// hook into the state machine, so leaving FOLLOWING can unblock workers
// stuck waiting on a leader decision that will never arrive.
func (m *Machine) SetReplicationCanceller(c ReplicationCanceller) { m.replicationCanceller = c }

// handleSynchronize answers a peer's SYNCHRONIZE request with up to
// SynchronizeChunkSize committed records past the peer's reported commit
// position. If the local engine can't serve history (it doesn't implement
// sqlengine.History), it responds with an empty, non-final chunk so the
// peer doesn't wait forever.
func (m *Machine) handleSynchronize(p *peer.Peer, msg *message.Message) error {
	ourCount, _ := m.localCommit()
	peerCount := headerU64(msg, message.HeaderCommitCount)

	if peerCount >= ourCount {
		return m.wire.SendToPeer(p.ID, message.New(message.SynchronizeResponse).
			Set(message.HeaderSendAll, "true").
			Set(message.HeaderNewCount, utoa(ourCount)))
	}

	history, ok := m.engine.(sqlengine.History)
	if !ok {
		plog.Warningf("cannot serve SYNCHRONIZE to %s: local engine has no history", p.Name)
		return m.wire.SendToPeer(p.ID, message.New(message.SynchronizeResponse).
			Set(message.HeaderSendAll, "false").
			Set(message.HeaderReason, "no history available"))
	}

	limit := int(m.cfg.Expert.SynchronizeChunkSize)
	if limit <= 0 {
		limit = 500
	}
	records, err := history.CommitRecordsSince(context.Background(), peerCount, limit)
	if err != nil {
		return errors.Wrap(err, "statemachine: read commit history for synchronize")
	}
	body, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "statemachine: encode synchronize chunk")
	}

	sendAll := len(records) == 0 || peerCount+uint64(len(records)) >= ourCount
	resp := message.New(message.SynchronizeResponse).
		Set(message.HeaderSendAll, boolStr(sendAll)).
		Set(message.HeaderNewCount, utoa(ourCount)).
		SetBody(body)
	return m.wire.SendToPeer(p.ID, resp)
}

// handleSynchronizeResponse applies one chunk of a SYNCHRONIZE_RESPONSE and,
// if the chunk wasn't the last one, immediately asks for the next chunk
// from our new commit position.
func (m *Machine) handleSynchronizeResponse(p *peer.Peer, msg *message.Message) error {
	if m.State() != Synchronizing {
		return nil
	}

	var records []sqlengine.SyncRecord
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &records); err != nil {
			return errors.Wrap(err, "statemachine: decode synchronize chunk")
		}
	}
	if len(records) > 0 {
		if m.syncApplier == nil {
			plog.Warningf("received synchronize chunk with no applier registered, dropping %d records", len(records))
		} else if err := m.syncApplier.ApplyRecords(context.Background(), records); err != nil {
			plog.Warningf("failed to apply synchronize chunk from %s: %v", p.Name, err)
			return nil
		}
	}

	sendAll, _ := msg.Get(message.HeaderSendAll)
	if sendAll == "true" {
		return nil
	}

	count, hash := m.localCommit()
	next := message.New(message.Synchronize).
		Set(message.HeaderCommitCount, utoa(count)).
		Set(message.HeaderHash, hash)
	return m.wire.SendToPeer(p.ID, next)
}
