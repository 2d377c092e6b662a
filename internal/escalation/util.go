package escalation

import (
	"strconv"

	"github.com/latticedb/cluster/message"
)

func utoa(v uint64) string { return strconv.FormatUint(v, 10) }

func headerU64(msg *message.Message, key string) uint64 {
	v, _ := msg.Get(key)
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}
