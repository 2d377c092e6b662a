// Package quorum implements the majority/quorum arithmetic shared by the
// STANDUP approval handshake and the QUORUM commit approval protocol: both
// need ceil((N+1)/2) approvals out of the non-permafollower participant
// set, counting self.
package quorum

// Needed returns the number of approvals required, counting self, for a
// cluster with n non-permafollower peers (not counting self). This is
// (n+1)/2 + 1 with integer division, i.e. a strict majority of the n+1
// total non-permafollower participants including self (3 of 4, 2 of 3).
func Needed(nonPermaFollowerPeers int) int {
	total := nonPermaFollowerPeers + 1
	return total/2 + 1
}

// Satisfied reports whether approvals (counting self as one implicit
// approval) reaches the majority required for a cluster with
// nonPermaFollowerPeers other non-permafollower peers.
func Satisfied(approvals, nonPermaFollowerPeers int) bool {
	return approvals >= Needed(nonPermaFollowerPeers)
}

// HasMajorityConnectivity reports whether the number of logged-in
// non-permafollower peers, plus self, forms a strict majority of the
// configured non-permafollower participant set. Used both when deciding
// whether to stand up and to detect loss of majority while leading.
func HasMajorityConnectivity(loggedInNonPermaFollowerPeers, totalNonPermaFollowerPeers int) bool {
	return Satisfied(loggedInNonPermaFollowerPeers+1, totalNonPermaFollowerPeers)
}
