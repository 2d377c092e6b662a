// Copyright 2017-2021 Lei Ni (nilei81@gmail.com) and other contributors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport owns every TCP socket this node holds open to its
// peers: listening for inbound connections, dialing outbound ones with
// jittered exponential backoff, and running the read/write pump that
// turns socket bytes into message.Message values and back. It implements
// internal/wire.Sender so the state machine, replication pipeline and
// escalation manager can send without depending on any of this.
package transport

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/ratelimit"
	"github.com/latticedb/cluster/internal/logger"
	"github.com/latticedb/cluster/internal/metrics"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/message"
)

var plog = logger.GetLogger("transport")

// ErrStopped is returned by send paths once the Manager has been Closed.
var ErrStopped = errors.New("transport: manager stopped")

// Dispatcher receives every decoded message read off a peer socket. The
// top-level node wires this to statemachine.Machine.HandleMessage plus the
// replication and escalation handlers, keyed by message name.
type Dispatcher interface {
	Dispatch(p *peer.Peer, msg *message.Message) error
}

// Manager owns the sockets for a static peer set and implements
// wire.Sender. Call Listen once to accept inbound connections and
// ConnectAll to start outbound dial loops; Close tears everything down.
type Manager struct {
	self     *peer.Peer
	peers    []*peer.Peer
	byID     map[uint64]*peer.Peer
	codec    *message.Codec
	dispatch Dispatcher

	backoffBase time.Duration
	backoffMax  time.Duration
	rateLimit   int64

	mu        sync.Mutex
	conns     map[uint64]*conn
	listener  net.Listener
	closed    bool
	closeOnce sync.Once
	stopc     chan struct{}
}

type conn struct {
	peerID  uint64
	netConn net.Conn
	bucket  *ratelimit.Bucket
	writeMu sync.Mutex
}

// Config bundles the tuning knobs Manager needs from config.ExpertConfig,
// kept separate so this package doesn't need to import config directly.
type Config struct {
	ReconnectBackoffBase   time.Duration
	ReconnectBackoffMax    time.Duration
	OutboundRateLimitBytes int64
}

// New constructs a Manager for self among peers, using codec to frame
// messages on the wire and dispatch to deliver decoded messages inbound.
func New(self *peer.Peer, peers []*peer.Peer, codec *message.Codec, dispatch Dispatcher, cfg Config) *Manager {
	byID := make(map[uint64]*peer.Peer, len(peers))
	for _, p := range peers {
		byID[p.ID] = p
	}
	backoffBase := cfg.ReconnectBackoffBase
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	backoffMax := cfg.ReconnectBackoffMax
	if backoffMax <= 0 {
		backoffMax = 5 * time.Second
	}
	return &Manager{
		self:        self,
		peers:       peers,
		byID:        byID,
		codec:       codec,
		dispatch:    dispatch,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		rateLimit:   cfg.OutboundRateLimitBytes,
		conns:       make(map[uint64]*conn),
		stopc:       make(chan struct{}),
	}
}

// Listen starts accepting inbound peer connections on self's Host.
func (m *Manager) Listen() error {
	ln, err := net.Listen("tcp", m.self.Host)
	if err != nil {
		return errors.Wrapf(err, "transport: listen on %s", m.self.Host)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()
	go m.acceptLoop(ln)
	return nil
}

func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-m.stopc:
				return
			default:
			}
			plog.Warningf("accept failed: %v", err)
			continue
		}
		go m.handleInbound(nc)
	}
}

// handleInbound waits for the peer's NODE_LOGIN (always the first frame on
// a freshly accepted connection) to learn which configured peer this
// socket belongs to, then hands off to the shared read pump.
func (m *Manager) handleInbound(nc net.Conn) {
	msg, err := m.readOne(nc)
	if err != nil || msg.Name != message.NodeLogin {
		plog.Warningf("inbound connection from %s did not open with NODE_LOGIN: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	name, _ := msg.Get(message.HeaderName)
	p := m.findByName(name)
	if p == nil {
		plog.Warningf("inbound NODE_LOGIN from unknown peer %q", name)
		nc.Close()
		return
	}
	c := m.registerConn(p, nc)
	if err := m.dispatch.Dispatch(p, msg); err != nil {
		plog.Warningf("dispatch NODE_LOGIN from %s failed: %v", p.Name, err)
	}
	m.readPump(p, c)
}

func (m *Manager) findByName(name string) *peer.Peer {
	for _, p := range m.peers {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ConnectAll starts one outbound dial loop per configured peer. Each loop
// reconnects with jittered exponential backoff until Close is called.
func (m *Manager) ConnectAll(ctx context.Context, login func() *message.Message) {
	for _, p := range m.peers {
		go m.dialLoop(ctx, p, login)
	}
}

func (m *Manager) dialLoop(ctx context.Context, p *peer.Peer, login func() *message.Message) {
	for {
		select {
		case <-m.stopc:
			return
		case <-ctx.Done():
			return
		default:
		}
		nc, err := net.DialTimeout("tcp", p.Host, 5*time.Second)
		if err != nil {
			p.IncrFailedConnections()
			d := m.backoff(p)
			plog.Debugf("dial %s failed, retrying in %s: %v", p.Name, d, err)
			select {
			case <-time.After(d):
				continue
			case <-m.stopc:
				return
			}
		}
		p.ResetFailedConnections()
		c := m.registerConn(p, nc)
		if err := m.send(c, login()); err != nil {
			plog.Warningf("send NODE_LOGIN to %s failed: %v", p.Name, err)
			nc.Close()
			continue
		}
		m.readPump(p, c)
		select {
		case <-m.stopc:
			return
		default:
		}
	}
}

// backoff returns a jittered exponential delay driven by the peer's
// accumulated failure count. The exponential part is capped at backoffMax
// before up to 25% jitter is added on top.
func (m *Manager) backoff(p *peer.Peer) time.Duration {
	n := p.FailedConnections()
	d := m.backoffBase
	for i := int64(1); i < n && d < m.backoffMax; i++ {
		d *= 2
	}
	if d > m.backoffMax {
		d = m.backoffMax
	}
	jitter := int64(d) / 4
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(jitter))
}

func (m *Manager) registerConn(p *peer.Peer, nc net.Conn) *conn {
	var bucket *ratelimit.Bucket
	if m.rateLimit > 0 {
		bucket = ratelimit.NewBucketWithRate(float64(m.rateLimit), m.rateLimit)
	}
	c := &conn{peerID: p.ID, netConn: nc, bucket: bucket}
	m.mu.Lock()
	if old, ok := m.conns[p.ID]; ok {
		old.netConn.Close()
	}
	m.conns[p.ID] = c
	m.mu.Unlock()
	p.SetSocket(p.ID)
	return c
}

func (m *Manager) unregisterConn(p *peer.Peer, c *conn) {
	m.mu.Lock()
	if cur, ok := m.conns[p.ID]; ok && cur == c {
		delete(m.conns, p.ID)
	}
	m.mu.Unlock()
	p.ClearSocket()
	p.Reset()
}

func (m *Manager) readOne(nc net.Conn) (*message.Message, error) {
	buf := make([]byte, 64*1024)
	n, err := nc.Read(buf)
	if err != nil {
		return nil, err
	}
	msg, _, err := message.TryDecode(buf[:n])
	return msg, err
}

// readPump drains nc, decoding frames with the manager's codec and
// dispatching each complete message, until the connection breaks or the
// manager stops.
func (m *Manager) readPump(p *peer.Peer, c *conn) {
	defer func() {
		c.netConn.Close()
		m.unregisterConn(p, c)
	}()
	var buf []byte
	chunk := make([]byte, 64*1024)
	for {
		n, err := c.netConn.Read(chunk)
		if err != nil {
			plog.Debugf("connection to %s closed: %v", p.Name, err)
			return
		}
		metrics.PeerBytesReceived(p.Name).Add(n)
		buf = append(buf, chunk[:n]...)
		for {
			msg, consumed, err := message.TryDecode(buf)
			if errors.Is(err, message.ErrShortBuffer) {
				break
			}
			if err != nil {
				plog.Warningf("malformed frame from %s, dropping connection: %v", p.Name, err)
				return
			}
			buf = buf[consumed:]
			if dispatchErr := m.dispatch.Dispatch(p, msg); dispatchErr != nil {
				plog.Warningf("dispatch %s from %s failed: %v", msg.Name, p.Name, dispatchErr)
			}
		}
	}
}

func (m *Manager) send(c *conn, msg *message.Message) error {
	var out bytes.Buffer
	if err := m.codec.Encode(&out, msg); err != nil {
		return errors.Wrap(err, "transport: encode message")
	}
	encoded := out.Bytes()
	if c.bucket != nil {
		c.bucket.Wait(int64(len(encoded)))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.netConn.Write(encoded)
	if err == nil {
		metrics.PeerBytesSent(peerNameFor(m, c.peerID)).Add(len(encoded))
	}
	return err
}

func peerNameFor(m *Manager, id uint64) string {
	if p, ok := m.byID[id]; ok {
		return p.Name
	}
	return "unknown"
}

// SendToPeer implements wire.Sender.
func (m *Manager) SendToPeer(peerID uint64, msg *message.Message) error {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrStopped
	}
	if !ok {
		return errors.Newf("transport: no active connection to peer %d", peerID)
	}
	return m.send(c, msg)
}

// Broadcast implements wire.Sender.
func (m *Manager) Broadcast(msg *message.Message, subscribedOnly bool) {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for id, c := range m.conns {
		if subscribedOnly {
			if p, ok := m.byID[id]; !ok || !p.Subscribed() {
				continue
			}
		}
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		if err := m.send(c, msg); err != nil {
			plog.Debugf("broadcast to peer %d failed: %v", c.peerID, err)
		}
	}
}

// Close stops accepting new connections and severs every open socket.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		ln := m.listener
		conns := make([]*conn, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.Unlock()
		close(m.stopc)
		if ln != nil {
			ln.Close()
		}
		for _, c := range conns {
			c.netConn.Close()
		}
	})
	return nil
}

// SocketsClosed reports whether every peer connection has been torn down,
// used by Machine.ShutdownComplete.
func (m *Manager) SocketsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns) == 0
}
