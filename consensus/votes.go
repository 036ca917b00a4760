package consensus

import mapset "github.com/deckarep/golang-set"

// voteBox holds the three per-round vote sets. Membership is idempotent —
// these are sets of voter ids, not multisets — so processing the same
// vote twice leaves the set unchanged.
type voteBox struct {
	prepare   mapset.Set
	precommit mapset.Set
	commit    mapset.Set
}

func newVoteBox() voteBox {
	return voteBox{
		prepare:   mapset.NewSet(),
		precommit: mapset.NewSet(),
		commit:    mapset.NewSet(),
	}
}

func (v voteBox) setFor(t VoteType) mapset.Set {
	switch t {
	case VotePrepare:
		return v.prepare
	case VotePreCommit:
		return v.precommit
	case VoteCommit:
		return v.commit
	default:
		return nil
	}
}

func (v voteBox) reset() {
	v.prepare.Clear()
	v.precommit.Clear()
	v.commit.Clear()
}
