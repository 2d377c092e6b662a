// Copyright 2017-2020 Lei Ni (nilei81@gmail.com) and other contributors.
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

// Package config contains the configuration surface for a cluster node,
// following a Config/ExpertConfig split and a Validate()/Prepare() pattern.
package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/stringutil"
)

var (
	// DefaultRecvTimeout is the receive timeout used during normal
	// peer-session operation.
	DefaultRecvTimeout = 30 * time.Second
	// DefaultSynchronizingRecvTimeout is SQL_NODE_SYNCHRONIZING_RECV_TIMEOUT,
	// the longer timeout used while a node is in SYNCHRONIZING.
	DefaultSynchronizingRecvTimeout = 5 * time.Minute
)

// ConsistencyLevel is the write durability requested for a commit.
type ConsistencyLevel int

const (
	// Async commits locally and acknowledges without waiting on any
	// follower.
	Async ConsistencyLevel = iota
	// One requires exactly one follower APPROVE before committing.
	One
	// Quorum requires a majority of non-permafollower participants
	// (including the leader) to APPROVE before committing.
	Quorum
)

func (c ConsistencyLevel) String() string {
	switch c {
	case Async:
		return "ASYNC"
	case One:
		return "ONE"
	case Quorum:
		return "QUORUM"
	default:
		return "UNKNOWN"
	}
}

// Config is the immutable-after-construction identity and tuning surface
// for one node.
type Config struct {
	// Name identifies this node among its peers.
	Name string
	// Host is this node's own listen host:port for peer connections.
	Host string
	// PeerList is the semicolon-separated peer list, parsed by
	// internal/peer.ParseList.
	PeerList string
	// Priority is this node's configured election priority. 0 means
	// permafollower: this node never leads.
	Priority int64
	// FirstTimeout bounds how long the initial SEARCHING state may run
	// before giving up and retrying.
	FirstTimeout time.Duration
	// Version is the node software version string exchanged during
	// NODE_LOGIN and compared for leader compatibility.
	Version string
	// UseParallelReplication enables the parallel (vs. legacy serial)
	// follower-side replication path.
	UseParallelReplication bool
	// CommandAddress is the address on which this node accepts client
	// commands, advertised to peers so followers can learn the leader's
	// command address.
	CommandAddress string

	// Expert contains tuning knobs most deployments should leave at
	// their defaults.
	Expert ExpertConfig
}

// ExpertConfig groups advanced/test-only tuning knobs that most
// deployments should leave untouched.
type ExpertConfig struct {
	// RecvTimeout is the per-peer-session receive timeout used outside
	// of SYNCHRONIZING.
	RecvTimeout time.Duration
	// SynchronizingRecvTimeout is the longer receive timeout used while
	// catching up.
	SynchronizingRecvTimeout time.Duration
	// QuorumCheckpointInterval bounds how long the leader may go
	// without a QUORUM commit before forcing the next one to QUORUM.
	QuorumCheckpointInterval time.Duration
	// StandDownTimeout bounds how long STANDINGDOWN waits for in-flight
	// commits to finalize before proceeding anyway.
	StandDownTimeout time.Duration
	// SynchronizeChunkSize is the number of COMMIT_TRANSACTION frames
	// sent per SYNCHRONIZE_RESPONSE chunk when sendAll is false.
	SynchronizeChunkSize uint64
	// BodyCompression enables snappy compression of BEGIN_TRANSACTION
	// and SYNCHRONIZE_RESPONSE body bytes.
	BodyCompression bool
	// ReconnectBackoffBase and ReconnectBackoffMax bound the jittered
	// exponential backoff applied between reconnect attempts to a
	// disconnected peer.
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration
	// OutboundRateLimitPerSecond caps the number of encoded message bytes
	// sent to a single peer per second, guarding against flooding a slow
	// peer during resync or quorum storms. 0 disables the limit.
	OutboundRateLimitPerSecond int64
}

// DefaultExpertConfig returns the default ExpertConfig.
func DefaultExpertConfig() ExpertConfig {
	return ExpertConfig{
		RecvTimeout:                DefaultRecvTimeout,
		SynchronizingRecvTimeout:   DefaultSynchronizingRecvTimeout,
		QuorumCheckpointInterval:   2 * time.Minute,
		StandDownTimeout:           10 * time.Second,
		SynchronizeChunkSize:       500,
		BodyCompression:            false,
		ReconnectBackoffBase:       200 * time.Millisecond,
		ReconnectBackoffMax:        5 * time.Second,
		OutboundRateLimitPerSecond: 1000,
	}
}

// Prepare fills in defaults for zero-valued Expert timeouts, backoff bounds
// and SynchronizeChunkSize. BodyCompression and OutboundRateLimitPerSecond
// are left as given, since their zero values (off, no limit) are
// meaningful. It must be called once before the config is used.
func (c *Config) Prepare() {
	def := DefaultExpertConfig()
	if c.Expert.RecvTimeout == 0 {
		c.Expert.RecvTimeout = def.RecvTimeout
	}
	if c.Expert.SynchronizingRecvTimeout == 0 {
		c.Expert.SynchronizingRecvTimeout = def.SynchronizingRecvTimeout
	}
	if c.Expert.QuorumCheckpointInterval == 0 {
		c.Expert.QuorumCheckpointInterval = def.QuorumCheckpointInterval
	}
	if c.Expert.StandDownTimeout == 0 {
		c.Expert.StandDownTimeout = def.StandDownTimeout
	}
	if c.Expert.SynchronizeChunkSize == 0 {
		c.Expert.SynchronizeChunkSize = def.SynchronizeChunkSize
	}
	if c.Expert.ReconnectBackoffBase == 0 {
		c.Expert.ReconnectBackoffBase = def.ReconnectBackoffBase
	}
	if c.Expert.ReconnectBackoffMax == 0 {
		c.Expert.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
}

// Validate returns an error if the configuration is unusable.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("config: Name must not be empty")
	}
	if !stringutil.IsValidAddress(c.Host) {
		return errors.Newf("config: invalid Host %q", c.Host)
	}
	if c.Priority < 0 {
		return errors.New("config: Priority must be >= 0")
	}
	if c.FirstTimeout <= 0 {
		return errors.New("config: FirstTimeout must be > 0")
	}
	if c.Version == "" {
		return errors.New("config: Version must not be empty")
	}
	if c.Expert.ReconnectBackoffBase > 0 && c.Expert.ReconnectBackoffMax > 0 &&
		c.Expert.ReconnectBackoffBase > c.Expert.ReconnectBackoffMax {
		return errors.New("config: ReconnectBackoffBase must not exceed ReconnectBackoffMax")
	}
	return nil
}

// IsPermaFollower reports whether this node is configured to never lead.
func (c *Config) IsPermaFollower() bool {
	return c.Priority == 0
}
