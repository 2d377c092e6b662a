// Package metrics exposes the runtime counters, gauges and histograms this
// module maintains, backed by github.com/VictoriaMetrics/metrics. Names
// follow that library's tag-suffix convention: metric{label="value"}.
package metrics

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// CommitsTotal counts successful commits by consistency level, e.g.
// commits_total{consistency="QUORUM"}.
func CommitsTotal(consistency string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`commits_total{consistency="` + consistency + `"}`)
}

// CommitConflictsTotal counts leader-side commits that failed to gather
// their required approvals (denied, timed out or cancelled) and were
// rolled back.
var CommitConflictsTotal = metrics.GetOrCreateCounter("commit_conflicts_total")

// CommitLatencySeconds is a histogram of leader-side commit latency, from
// startCommit to the commit finalizing, mirroring the teacher corpus's
// AutoTimer pattern of wrapping a scoped operation in a histogram observer.
var CommitLatencySeconds = metrics.GetOrCreateHistogram("commit_latency_seconds")

// EscalationLatencySeconds is a histogram of round-trip time for a command
// escalated from a follower to the leader.
var EscalationLatencySeconds = metrics.GetOrCreateHistogram("escalation_latency_seconds")

// StateChangesTotal counts node lifecycle state transitions.
var StateChangesTotal = metrics.GetOrCreateCounter("state_changes_total")

// PeerBytesSent and PeerBytesReceived count raw wire bytes per peer
// connection, e.g. peer_bytes_sent_total{peer="node2"}.
func PeerBytesSent(peerName string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`peer_bytes_sent_total{peer="` + peerName + `"}`)
}

func PeerBytesReceived(peerName string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`peer_bytes_received_total{peer="` + peerName + `"}`)
}

var replicationThreadsActive atomic.Int64

// ReplicationThreadsActive is a gauge of in-flight follower-side
// replication workers, sourced from the atomic counter that
// SetReplicationThreadsActive updates.
var ReplicationThreadsActive = metrics.GetOrCreateGauge("replication_threads_active", func() float64 {
	return float64(replicationThreadsActive.Load())
})

// SetReplicationThreadsActive updates the gauge from the state machine's
// authoritative counter.
func SetReplicationThreadsActive(n int64) { replicationThreadsActive.Store(n) }
