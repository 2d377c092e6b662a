package cluster

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/latticedb/cluster/config"
	"github.com/latticedb/cluster/internal/escalation"
	"github.com/latticedb/cluster/internal/logger"
	"github.com/latticedb/cluster/internal/metrics"
	"github.com/latticedb/cluster/internal/peer"
	"github.com/latticedb/cluster/internal/replication"
	"github.com/latticedb/cluster/internal/sqlengine"
	"github.com/latticedb/cluster/internal/statemachine"
	"github.com/latticedb/cluster/message"
	"github.com/latticedb/cluster/transport"

	"github.com/cockroachdb/pebble/vfs"
)

var plog = logger.GetLogger("cluster")

// tickInterval is how often the sync thread drives Machine.Update when
// nothing else woke it up first.
const tickInterval = 100 * time.Millisecond

// Node is the facade for one participant in the cluster: it owns the
// local engine, the peer sockets, the lifecycle state machine and the
// commit/escalation pipelines built on top of it. Construct one with
// Open, call Start to join the cluster, and Execute to commit writes.
type Node struct {
	cfg    *config.Config
	peers  []*peer.Peer
	engine *sqlengine.Engine

	transport  *transport.Manager
	machine    *statemachine.Machine
	leader     *replication.Leader
	follower   *replication.Follower
	escalation *escalation.Manager
	events     *eventPump

	// userExecutor runs escalated commands other than EXECUTE; EXECUTE
	// itself is always serviced by nodeExecutor below, since committing
	// a write is this package's own job, not something a host process
	// should have to reimplement.
	userExecutor escalation.Executor

	wg      sync.WaitGroup
	stopc   chan struct{}
	started bool
	mu      sync.Mutex
}

// Options bundles everything Open needs beyond the node's own Config.
type Options struct {
	// Dir is the directory the reference pebble-backed engine stores its
	// data under.
	Dir string
	// FS lets tests substitute an in-memory filesystem; nil means the
	// real OS filesystem.
	FS vfs.FS
	// EnginePoolSize bounds how many concurrent engine handles the
	// replication pipeline may use; 0 defaults to 4.
	EnginePoolSize int
	// Executor runs commands escalated to us by followers when we are
	// leading. May be nil on a node that never expects to lead.
	Executor escalation.Executor
	// EventListener receives lifecycle notifications; nil is fine.
	EventListener EventListener
}

// Open parses cfg's peer list, opens the local engine and wires together
// the state machine, replication pipeline and escalation manager. It does
// not touch the network; call Start for that.
func Open(cfg *config.Config, opts Options) (*Node, error) {
	cfg.Prepare()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "cluster: invalid config")
	}
	peers, err := peer.ParseList(cfg.PeerList)
	if err != nil {
		return nil, errors.Wrap(err, "cluster: parse peer list")
	}

	poolSize := opts.EnginePoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default
	}
	engine, err := sqlengine.Open(opts.Dir, fs, poolSize)
	if err != nil {
		return nil, errors.Wrap(err, "cluster: open engine")
	}

	n := &Node{
		cfg:          cfg,
		peers:        peers,
		engine:       engine,
		stopc:        make(chan struct{}),
		userExecutor: opts.Executor,
	}

	listener := opts.EventListener
	if listener == nil {
		listener = noopEventListener{}
	}
	n.events = newEventPump(listener)

	codec := message.NewCodec(cfg.Expert.BodyCompression)
	n.transport = transport.New(n.selfPeer(), peers, codec, n, transport.Config{
		ReconnectBackoffBase:   cfg.Expert.ReconnectBackoffBase,
		ReconnectBackoffMax:    cfg.Expert.ReconnectBackoffMax,
		OutboundRateLimitBytes: cfg.Expert.OutboundRateLimitPerSecond,
	})

	n.machine = statemachine.New(cfg, peers, engine, n.transport)
	n.leader = replication.NewLeader(n.machine, engine.Pool(), n.transport)
	n.follower = replication.NewFollower(n.machine, engine.Pool(), n.transport)
	n.machine.SetSyncApplier(n.follower)
	n.machine.SetReplicationCanceller(n.follower)
	n.escalation = escalation.NewManager(n.machine, n.transport, &nodeExecutor{n: n})

	return n, nil
}

// selfPeer returns a synthetic Peer carrying this node's own listen
// address, used only so transport.Manager can bind to it; it is never
// added to the peer list the state machine reasons about.
func (n *Node) selfPeer() *peer.Peer {
	return peer.New(n.cfg.Name, n.cfg.Host, 0, nil, n.cfg.IsPermaFollower())
}

// Start begins listening for inbound peer connections, dials every
// configured peer, and launches the sync thread that drives the lifecycle
// state machine. It returns once listening has started; the dial loops
// and sync thread continue in the background until Stop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("cluster: already started")
	}
	n.started = true
	n.mu.Unlock()

	if err := n.transport.Listen(); err != nil {
		return errors.Wrap(err, "cluster: listen")
	}
	n.transport.ConnectAll(ctx, n.machine.LoginMessage)

	n.wg.Add(1)
	go n.syncLoop()
	return nil
}

// Stop arms graceful shutdown (draining in-flight commits and
// replication) and blocks until the node has fully wound down or wait has
// elapsed, then tears down every socket.
func (n *Node) Stop(wait time.Duration) error {
	n.machine.BeginShutdown(wait)
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if n.machine.ShutdownComplete(n.transport.SocketsClosed()) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	close(n.stopc)
	n.wg.Wait()
	n.events.close()
	if err := n.transport.Close(); err != nil {
		return err
	}
	return n.engine.Close()
}

// State returns the node's current lifecycle state.
func (n *Node) State() statemachine.State { return n.machine.State() }

// IsLeading reports whether this node currently believes it is leader.
func (n *Node) IsLeading() bool { return n.machine.State() == statemachine.Leading }

// LeaderState returns the state the current lead peer last reported of
// itself, UNKNOWN if there is none or we are the leader.
func (n *Node) LeaderState() statemachine.State { return n.machine.LeaderState() }

// LeaderCommandAddress returns the command address advertised by the
// current leader, or "" if there is none.
func (n *Node) LeaderCommandAddress() string { return n.machine.LeaderCommandAddress() }

// HasQuorum reports whether, while leading, enough followers are
// subscribed right now to satisfy a QUORUM commit. Best-effort outside
// the sync thread.
func (n *Node) HasQuorum() bool { return n.machine.HasQuorum() }

// Execute commits query at the requested consistency level if this node
// is currently leading, or forwards it to the leader via escalation
// otherwise. It blocks until the write is finalized (or rejected) and
// returns the resulting commit count and hash on success.
func (n *Node) Execute(ctx context.Context, query []byte, consistency config.ConsistencyLevel) (uint64, string, error) {
	if n.machine.State() == statemachine.Leading {
		count, hash, err := n.leader.Commit(ctx, query, consistency)
		n.events.publish(event{kind: eventCommitCompleted, commitCount: count, consistency: consistency.String(), commitErr: err})
		return count, hash, err
	}
	result, err := n.escalation.Escalate(ctx, escalateMethodExecute, query)
	if err != nil {
		return 0, "", err
	}
	return parseCommitResult(result)
}

// nodeExecutor implements escalation.Executor on the leader side: it is
// the bridge between a follower's escalated command and this node's own
// commit path, so escalation never needs to know how commits work.
type nodeExecutor struct{ n *Node }

const escalateMethodExecute = "EXECUTE"

func (e *nodeExecutor) Execute(ctx context.Context, method string, body []byte) ([]byte, error) {
	if method != escalateMethodExecute {
		if e.n.userExecutor == nil {
			return nil, errors.Newf("cluster: no executor registered for escalated method %q", method)
		}
		return e.n.userExecutor.Execute(ctx, method, body)
	}
	count, hash, err := e.n.leader.Commit(ctx, body, config.Quorum)
	if err != nil {
		return nil, err
	}
	return []byte(strconv.FormatUint(count, 10) + ":" + hash), nil
}

func parseCommitResult(result []byte) (uint64, string, error) {
	parts := strings.SplitN(string(result), ":", 2)
	if len(parts) != 2 {
		return 0, "", errors.Newf("cluster: malformed escalated commit result %q", result)
	}
	count, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", errors.Wrap(err, "cluster: parse escalated commit count")
	}
	return count, parts[1], nil
}

// Escalate forwards an arbitrary command (not necessarily a write) to the
// current leader and returns its raw response, failing with
// escalation.ErrNoLeader if none is recognized.
func (n *Node) Escalate(ctx context.Context, method string, body []byte) ([]byte, error) {
	return n.escalation.Escalate(ctx, method, body)
}

// InFlightEscalations lists commands this node currently has escalated
// and is awaiting a response for.
func (n *Node) InFlightEscalations() []escalation.Info { return n.escalation.InFlight() }

// Dispatch implements transport.Dispatcher, routing each decoded inbound
// message to whichever component owns its name.
func (n *Node) Dispatch(p *peer.Peer, msg *message.Message) error {
	switch msg.Name {
	case message.BeginTransaction:
		return n.follower.HandleBeginTransaction(p, msg)
	case message.ApproveTransaction:
		return n.leader.HandleApproveTransaction(p, msg)
	case message.DenyTransaction:
		return n.leader.HandleDenyTransaction(p, msg)
	case message.CommitTransaction:
		return n.follower.HandleCommitTransaction(p, msg)
	case message.RollbackTransaction:
		return n.follower.HandleRollbackTransaction(p, msg)
	case message.Escalate:
		return n.escalation.HandleEscalate(p, msg)
	case message.EscalateResponse:
		return n.escalation.HandleEscalateResponse(p, msg)
	default:
		err := n.machine.HandleMessage(p, msg)
		if errors.Is(err, statemachine.ErrUnhandledMessage) {
			plog.Warningf("no handler for message %s from %s", msg.Name, p.Name)
			return nil
		}
		return err
	}
}

// syncLoop is the single sync thread: it repeatedly drives Machine.Update
// and reacts to state/leader transitions, sleeping between ticks unless
// Update asks to be called again immediately.
func (n *Node) syncLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	prevState := n.machine.State()
	prevLeader := ""

	for {
		select {
		case <-n.stopc:
			return
		case <-ticker.C:
		}

		for {
			n.runStateActions()
			again := n.machine.Update(time.Now())

			state := n.machine.State()
			if state != prevState {
				n.events.publish(event{kind: eventStateChanged, stateFrom: prevState, stateTo: state})
				metrics.StateChangesTotal.Inc()
				prevState = state
			}
			leaderName := ""
			if lp := n.machine.LeadPeer(); lp != nil {
				leaderName = lp.Name
			}
			if leaderName != prevLeader {
				n.events.publish(event{kind: eventLeaderChanged, leaderName: leaderName})
				prevLeader = leaderName
			}

			if !again {
				break
			}
			select {
			case <-n.stopc:
				return
			default:
			}
		}
	}
}

// runStateActions performs the sends a state needs (STANDUP while
// STANDINGUP, SUBSCRIBE while SUBSCRIBING) that Update itself, being a pure
// transition function, does not perform. It runs on every tick spent in
// that state, so the message is re-sent until the state changes.
func (n *Node) runStateActions() {
	switch n.machine.State() {
	case statemachine.StandingUp:
		n.machine.SendStandup()
	case statemachine.Subscribing:
		if err := n.machine.SendSubscribe(); err != nil {
			plog.Warningf("send subscribe failed: %v", err)
		}
	}
}
