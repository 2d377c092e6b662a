// Package wire declares the small sending interface the state machine,
// replication pipeline, and escalation manager use to talk to peers,
// without depending on the concrete transport package (which in turn
// depends on message and peer): structs, interfaces and functions required
// to plug in a transport module, kept separate from any single
// implementation.
package wire

import "github.com/latticedb/cluster/message"

// Sender is implemented by the connection manager (transport.Manager).
// SendToPeer and Broadcast are safe to call from any goroutine: replication
// workers use them to send ACKs directly to the leader.
type Sender interface {
	// SendToPeer sends msg to exactly one peer, identified by its stable
	// ID. Returns an error if the peer has no active session.
	SendToPeer(peerID uint64, msg *message.Message) error
	// Broadcast sends msg to every peer, or only to SUBSCRIBED peers
	// when subscribedOnly is true.
	Broadcast(msg *message.Message, subscribedOnly bool)
}
