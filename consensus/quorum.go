package consensus

// Quorum is a strict super-majority of the active set: a vote count
// strictly greater than floor(2*|active|/3) active peers.
func Quorum(count, activeSize int) bool {
	return count > (2*activeSize)/3
}
