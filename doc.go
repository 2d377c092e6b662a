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

/*
Package cluster implements a small clustered SQL replication core: a fixed
set of nodes elect a single leader through a priority-ordered handshake,
the leader commits writes locally and replicates them to followers at a
chosen consistency level (ASYNC, ONE or QUORUM), and a node that falls
behind catches up by streaming its missing commit history from whichever
peer is furthest ahead.

The Node type is the facade for all of this: construction parses the peer
list and opens the local engine, Start dials or accepts TCP connections to
every peer and begins driving the lifecycle state machine, and Execute (or
Escalate, on a follower) is how a caller gets a write committed. Everything
below Node -- the state machine, the wire codec, the commit protocol, the
catch-up protocol and command escalation -- is usable on its own through
the internal packages, but most applications only need Node.

A Node never reconfigures its peer set at runtime; growing or shrinking the
cluster means restarting every node with a new peer list. This mirrors the
static-membership design of the system this module's protocol is modeled
on: simplicity of the election and replication logic was chosen over
dynamic membership.
*/
package cluster
