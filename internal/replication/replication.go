// Package replication drives the commit protocol: the leader stages a
// transaction on its own engine, broadcasts it, tallies follower
// approvals to the requested consistency level, then finalizes with
// COMMIT_TRANSACTION or ROLLBACK_TRANSACTION. Followers stage the same
// transaction on their own engine as it arrives, report APPROVE or DENY,
// and commit or roll back on the leader's word. Ordering across
// concurrently prepared follower transactions is enforced by
// internal/notifier, not by a lock held across network round trips.
package replication

import (
	"strconv"

	"github.com/latticedb/cluster/internal/logger"
	"github.com/latticedb/cluster/message"
)

var plog = logger.GetLogger("replication")

func utoa(v uint64) string { return strconv.FormatUint(v, 10) }

func headerU64(msg *message.Message, key string) uint64 {
	v, _ := msg.Get(key)
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}
