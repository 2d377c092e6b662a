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

package cluster

import (
	"github.com/latticedb/cluster/internal/statemachine"
)

// EventListener receives node lifecycle notifications. A host process
// supplies one via Options to observe elections and commits without
// polling Node's getters. Every method is called from the Node's own
// event-dispatch goroutine, never from the sync thread directly, so an
// implementation that blocks only stalls event delivery, not replication.
type EventListener interface {
	// StateChanged fires every time the lifecycle state machine moves to
	// a new state.
	StateChanged(from, to statemachine.State)
	// LeaderChanged fires whenever the recognized leader changes,
	// including transitions to/from no leader. peerName is "" when there
	// is no leader (including while we are leader ourselves).
	LeaderChanged(peerName string)
	// CommitCompleted fires after a leader-side commit attempt finalizes,
	// successful or not.
	CommitCompleted(count uint64, consistency string, err error)
}

// event is the union of everything Node.publish can send down the event
// channel; exactly one field is meaningful per event, selected by kind.
type event struct {
	kind        eventKind
	stateFrom   statemachine.State
	stateTo     statemachine.State
	leaderName  string
	commitCount uint64
	consistency string
	commitErr   error
}

type eventKind int

const (
	eventStateChanged eventKind = iota
	eventLeaderChanged
	eventCommitCompleted
)

// eventPump decouples whatever calls publish (the sync thread, a
// replication worker) from a possibly slow EventListener: publish never
// blocks; when the pump's bounded queue is full the event is dropped.
type eventPump struct {
	listener EventListener
	events   chan event
	stopc    chan struct{}
	donec    chan struct{}
}

func newEventPump(l EventListener) *eventPump {
	p := &eventPump{
		listener: l,
		events:   make(chan event, 256),
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
	go p.run()
	return p
}

// publish enqueues e for delivery, dropping it if the queue is full rather
// than blocking the caller; a lifecycle notification is advisory, not
// part of the replicated log.
func (p *eventPump) publish(e event) {
	if p.listener == nil {
		return
	}
	select {
	case p.events <- e:
	case <-p.stopc:
	default:
		plog.Warningf("event queue full, dropping %v", e.kind)
	}
}

func (p *eventPump) run() {
	defer close(p.donec)
	for {
		select {
		case e := <-p.events:
			p.handle(e)
		case <-p.stopc:
			return
		}
	}
}

func (p *eventPump) handle(e event) {
	switch e.kind {
	case eventStateChanged:
		p.listener.StateChanged(e.stateFrom, e.stateTo)
	case eventLeaderChanged:
		p.listener.LeaderChanged(e.leaderName)
	case eventCommitCompleted:
		p.listener.CommitCompleted(e.commitCount, e.consistency, e.commitErr)
	}
}

func (p *eventPump) close() {
	close(p.stopc)
	<-p.donec
}

// noopEventListener is used when Options.EventListener is nil, so Node
// never needs a nil check on the hot path.
type noopEventListener struct{}

func (noopEventListener) StateChanged(statemachine.State, statemachine.State) {}
func (noopEventListener) LeaderChanged(string)                                {}
func (noopEventListener) CommitCompleted(uint64, string, error)               {}

var _ EventListener = noopEventListener{}
