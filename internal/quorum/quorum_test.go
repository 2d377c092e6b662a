package quorum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNeededSingleNodeCluster(t *testing.T) {
	// Single-node cluster: no other non-permafollower peers, quorum of 1.
	require.Equal(t, 1, Needed(0))
}

func TestNeededThreeNodeCluster(t *testing.T) {
	// 3 nodes total (self + 2 peers): ceil(3/2) = 2.
	require.Equal(t, 2, Needed(2))
}

func TestNeededEvenCluster(t *testing.T) {
	// 4 nodes total (self + 3 peers): a strict majority of 4 is 3, not 2 --
	// 2-of-4 would let two disjoint halves of a partitioned cluster both
	// claim quorum at once.
	require.Equal(t, 3, Needed(3))
}

func TestSatisfiedCountsSelfImplicitly(t *testing.T) {
	// self approval alone (approvals=1) is enough in a single-node cluster.
	require.True(t, Satisfied(1, 0))
	// In a 3-node cluster, self alone is not enough.
	require.False(t, Satisfied(1, 2))
	require.True(t, Satisfied(2, 2))
}

func TestHasMajorityConnectivityPermafollowerExcluded(t *testing.T) {
	// Two-node cluster, one permafollower: for the leader, zero
	// non-permafollower peers are counted, so self alone is a majority.
	require.True(t, HasMajorityConnectivity(0, 0))
}

func TestHasMajorityConnectivityLossDetected(t *testing.T) {
	// 5-node cluster (self + 4 peers), only 1 peer logged in: no majority.
	require.False(t, HasMajorityConnectivity(1, 4))
	require.True(t, HasMajorityConnectivity(2, 4))
}
