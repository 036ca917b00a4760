package consensus

import (
	"testing"
	"time"

	"github.com/latticebft/lattice/ledger"
	"github.com/latticebft/lattice/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	sent  []OutMessage
	peers [][]string
}

func (f *fakeBroadcaster) Broadcast(msg OutMessage, peers []string) {
	f.sent = append(f.sent, msg)
	f.peers = append(f.peers, peers)
}

func newTestEngine(t *testing.T, selfID string, nodes []string) (*Engine, *ledger.Ledger, *fakeBroadcaster) {
	t.Helper()
	ld := ledger.New(map[string]float64{"Alice": 1000, "Bob": 1000})
	mgr := shard.NewManager(0, time.Hour, 1)
	bc := &fakeBroadcaster{}
	e := New(selfID, nodes, 0, mgr, ld, bc, 5, 0, false)
	return e, ld, bc
}

func TestQuorumBoundaries(t *testing.T) {
	assert.True(t, Quorum(3, 4))
	assert.False(t, Quorum(2, 4))
	assert.True(t, Quorum(1, 1))
}

func TestSingleShardHappyPath(t *testing.T) {
	nodes := []string{"n0", "n1", "n2", "n3"}
	// n1 is round 1's leader: active[1 % 4] == n1.
	e, ld, bc := newTestEngine(t, "n1", nodes)

	tx, err := ledger.NewTransaction("Alice", "Bob", 100, 1.0)
	require.NoError(t, err)
	ld.Admit(tx)

	require.NoError(t, e.StartRound(time.Now(), 2.0))
	require.Equal(t, "n1", e.currentLeader)
	require.NotNil(t, e.currentBlock)
	blockHash := e.currentBlock.Hash

	for _, voter := range []string{"n0", "n2", "n3"} {
		e.HandleVote(VotePrepare, voter, blockHash, 1)
	}
	for _, voter := range []string{"n0", "n2", "n3"} {
		e.HandleVote(VotePreCommit, voter, blockHash, 1)
	}
	for _, voter := range []string{"n0", "n2", "n3"} {
		e.HandleVote(VoteCommit, voter, blockHash, 1)
	}

	assert.Equal(t, 1, ld.ChainLength())
	assert.Equal(t, float64(900), ld.Balance("Alice"))
	assert.Equal(t, float64(1100), ld.Balance("Bob"))
	assert.NotEmpty(t, bc.sent)
}

func TestInvalidTransactionLeavesBlockEmpty(t *testing.T) {
	nodes := []string{"n0", "n1", "n2", "n3"}
	e, ld, _ := newTestEngine(t, "n1", nodes)

	tx, err := ledger.NewTransaction("Carol", "Bob", 100, 1.0)
	require.NoError(t, err)
	ld.Admit(tx)

	require.NoError(t, e.StartRound(time.Now(), 2.0))
	require.NotNil(t, e.currentBlock)
	assert.Empty(t, e.currentBlock.Transactions)
	assert.Equal(t, 1, ld.PendingLen())
}

func TestByzantineScoringAfterThreshold(t *testing.T) {
	nodes := []string{"n0", "n1", "n2", "n3"}
	e, _, _ := newTestEngine(t, "n1", nodes)
	require.NoError(t, e.StartRound(time.Now(), 2.0))

	for i := 0; i < behaviorThreshold+1; i++ {
		e.HandleVote(VotePrepare, "n2", "wrong-hash", 1)
	}
	assert.Contains(t, e.ByzantineSet(), "n2")

	accepted := e.HandleVote(VotePrepare, "n2", e.currentBlock.Hash, 1)
	assert.False(t, accepted, "votes from a byzantine peer must be dropped")
}

func TestDuplicateVoteIsIdempotent(t *testing.T) {
	nodes := []string{"n0", "n1", "n2", "n3"}
	e, _, _ := newTestEngine(t, "n1", nodes)
	require.NoError(t, e.StartRound(time.Now(), 2.0))

	e.HandleVote(VotePrepare, "n0", e.currentBlock.Hash, 1)
	e.HandleVote(VotePrepare, "n0", e.currentBlock.Hash, 1)
	assert.Equal(t, 2, e.votes.prepare.Cardinality(), "leader's self-vote plus n0, no duplicate")
}

func TestLockedBlockRefusesConflictingProposal(t *testing.T) {
	nodes := []string{"n0", "n1", "n2", "n3"}
	e, ld, _ := newTestEngine(t, "n0", nodes)

	// n0 is not round 1's leader (active[1%4] == n1); drive n0 to
	// precommit on a block it learns about via AcceptProposal.
	block, err := ld.ProposeBlock("n1", 1, 0, 1.0)
	require.NoError(t, err)
	e.currentRound = 1
	e.AcceptProposal("n1", 1, block)
	e.HandleVote(VotePrepare, "n2", block.Hash, 1)
	e.HandleVote(VotePrepare, "n3", block.Hash, 1)
	lockedBlock, lockedRound, ok := e.LockedBlock()
	require.True(t, ok)
	assert.Equal(t, block.Hash, lockedBlock.Hash)
	assert.Equal(t, int64(1), lockedRound)

	// Round 1 passes its deadline without deciding; the lock survives.
	e.SetRoundDeadline(time.Millisecond)
	e.AbandonIfExpired(time.Now())

	// A later round proposes a conflicting block; n0 must refuse it.
	e.currentRound = 2
	other, err := ledger.NewBlock(1, 9.0, nil, "n2", 2, 0, ledger.GenesisPreviousHash)
	require.NoError(t, err)
	e.AcceptProposal("n2", 2, other)
	assert.Nil(t, e.currentBlock, "conflicting proposal after lock must be refused")
}

func TestByzantineModeEquivocatesToDisjointPeerSubsets(t *testing.T) {
	nodes := []string{"n0", "n1", "n2", "n3"}
	e, _, bc := newTestEngine(t, "n1", nodes)
	e.SetByzantineMode(true)

	require.NoError(t, e.StartRound(time.Now(), 2.0))

	require.Len(t, bc.sent, 2, "leader equivocation broadcasts two distinct proposals")
	assert.NotEqual(t, bc.sent[0].BlockHash, bc.sent[1].BlockHash)

	seen := map[string]bool{}
	for _, group := range bc.peers {
		for _, peer := range group {
			assert.False(t, seen[peer], "peer %s must receive only one of the two conflicting proposals", peer)
			seen[peer] = true
		}
	}
	assert.Len(t, seen, 3, "every non-leader peer receives exactly one proposal")
}

func TestQuorumOfOneDecidesAlone(t *testing.T) {
	nodes := []string{"solo"}
	e, ld, _ := newTestEngine(t, "solo", nodes)
	require.NoError(t, e.StartRound(time.Now(), 1.0))
	assert.Equal(t, 1, ld.ChainLength(), "sole active node decides immediately on its own votes")
}
