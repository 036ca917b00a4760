// Package consensus implements the per-node HotStuff-style three-phase
// round state machine: leader election, vote acceptance, quorum
// arithmetic, equivocation locking, and Byzantine-peer tracking.
package consensus

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/latticebft/lattice/internal/utils"
	"github.com/latticebft/lattice/ledger"
	"github.com/latticebft/lattice/shard"
	"github.com/pkg/errors"
)

// behaviorThreshold is the score at which a peer is moved into the
// byzantine set and thereafter suppressed as both recipient and voter.
const behaviorThreshold = 3

// OutMessage is a consensus-originated wire message for the Transport to
// frame, encrypt, and deliver. Block is populated only on the leader's
// initial proposal; vote-echo messages of every type carry just the hash.
type OutMessage struct {
	Type      string
	Round     uint64
	BlockHash string
	Block     *ledger.Block
	SenderID  string
}

// Broadcaster is the send-side seam the engine drives; Transport
// implements it. Keeping the engine ignorant of framing and sockets
// mirrors the clean separation the teacher draws between consensus
// decision-making and message delivery.
type Broadcaster interface {
	Broadcast(msg OutMessage, peers []string)
}

// Engine is the per-node consensus state machine.
type Engine struct {
	mu sync.Mutex

	selfID  string
	shardID uint32

	allNodes  mapset.Set
	byzantine mapset.Set
	behavior  map[string]int

	ledger   *ledger.Ledger
	shardMgr *shard.Manager
	bcast    Broadcaster

	checkpointInterval uint64
	roundDeadline      time.Duration
	byzantineMode      bool

	currentRound   uint64
	currentLeader  string
	currentBlock   *ledger.Block
	phase          Phase
	votes          voteBox
	roundStartedAt time.Time

	lockedRound int64 // -1 means unset
	lockedBlock *ledger.Block

	checkpoints map[uint64]ledger.Block

	log *roundLog
}

// New returns an Engine for selfID, tracking the given full node id list.
func New(selfID string, nodeIDs []string, shardID uint32, shardMgr *shard.Manager, ld *ledger.Ledger, bcast Broadcaster, checkpointInterval uint64, roundDeadline time.Duration, byzantineMode bool) *Engine {
	all := mapset.NewSet()
	for _, id := range nodeIDs {
		all.Add(id)
	}
	if checkpointInterval == 0 {
		checkpointInterval = 5
	}
	return &Engine{
		selfID:             selfID,
		shardID:            shardID,
		allNodes:           all,
		byzantine:          mapset.NewSet(),
		behavior:           make(map[string]int),
		ledger:             ld,
		shardMgr:           shardMgr,
		bcast:              bcast,
		checkpointInterval: checkpointInterval,
		roundDeadline:      roundDeadline,
		byzantineMode:      byzantineMode,
		votes:              newVoteBox(),
		lockedRound:        -1,
		checkpoints:        make(map[uint64]ledger.Block),
		log:                newRoundLog(),
	}
}

// ActiveSet returns all_nodes - byzantine_set, sorted for determinism.
func (e *Engine) ActiveSet() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeSetLocked()
}

func (e *Engine) activeSetLocked() []string {
	active := e.allNodes.Difference(e.byzantine)
	out := make([]string, 0, active.Cardinality())
	for _, v := range active.ToSlice() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

func (e *Engine) peersExceptSelfLocked() []string {
	active := e.activeSetLocked()
	out := make([]string, 0, len(active))
	for _, id := range active {
		if id != e.selfID {
			out = append(out, id)
		}
	}
	return out
}

// IsByzantine reports whether peer is currently distrusted. This is the
// same byzantine_set consensus vote/proposal handling checks, shared with
// Transport via the PeerScorer seam so both sides suppress the same peer.
func (e *Engine) IsByzantine(peer string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byzantine.Contains(peer)
}

// ScoreDeliveryFailure records a transport-level delivery failure against
// peer, scored through the same behavior-score threshold protocol
// violations use, so a peer Transport gives up on after repeated failed
// flushes reduces the active set quorum arithmetic is computed over.
func (e *Engine) ScoreDeliveryFailure(peer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scoreViolationLocked(peer, "transport delivery failure")
}

// SetCheckpointInterval retunes how many rounds elapse between checkpoint
// snapshots, taking effect on the next round boundary that checks it —
// the checkpoint_interval liveness knob a config hot-reload can adjust
// without a restart.
func (e *Engine) SetCheckpointInterval(n uint64) {
	if n == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpointInterval = n
}

// SetRoundDeadline retunes how long a round may run before
// AbandonIfExpired gives up on it, taking effect on the next call.
func (e *Engine) SetRoundDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roundDeadline = d
}

// SetByzantineMode flips the leader-equivocation test behavior on or off:
// while on, a round this node leads proposes two conflicting blocks to
// two disjoint peer subsets instead of one honest broadcast (spec
// scenario: equivocating Byzantine leader).
func (e *Engine) SetByzantineMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byzantineMode = on
}

// ByzantineSet reports the currently distrusted peer ids.
func (e *Engine) ByzantineSet() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, e.byzantine.Cardinality())
	for _, v := range e.byzantine.ToSlice() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

// CurrentRound returns the current round number.
func (e *Engine) CurrentRound() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentRound
}

// CurrentPhase returns the current round's phase.
func (e *Engine) CurrentPhase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// StartRound advances to the next round, resolves the leader, and if
// this node is the leader proposes a block and broadcasts it. now is used
// for the round deadline; timestamp is the block's creation timestamp.
func (e *Engine) StartRound(now time.Time, timestamp float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentRound++
	e.shardMgr.IncrementLocalLoad()
	e.roundStartedAt = now

	active := e.activeSetLocked()
	if len(active) == 0 {
		utils.Logger().Error().Msg("[StartRound] no active nodes, round skipped")
		return nil
	}

	e.currentLeader = e.shardMgr.LeaderFor(e.shardID, e.currentRound, active)
	utils.Logger().Info().Uint64("round", e.currentRound).Str("leader", e.currentLeader).
		Msg("[StartRound] starting consensus round")

	if e.currentLeader != e.selfID {
		return nil
	}

	block, err := e.ledger.ProposeBlock(e.selfID, e.currentRound, e.shardID, timestamp)
	if err != nil {
		return errors.Wrap(err, "consensus: propose_block")
	}

	if e.lockedBlock != nil && e.currentRound > uint64(e.lockedRound) && block.Hash != e.lockedBlock.Hash {
		utils.Logger().Warn().Uint64("round", e.currentRound).
			Msg("[StartRound] leader proposal conflicts with locked block, refusing to self-vote")
		return nil
	}

	e.currentBlock = &block
	e.phase = Prepare
	e.castLocked(VotePrepare, e.selfID, block.Hash)

	peers := e.peersExceptSelfLocked()

	if e.byzantineMode && len(peers) > 1 {
		e.equivocateLocked(block, peers, timestamp)
		return nil
	}

	e.bcast.Broadcast(OutMessage{
		Type: string(VotePrepare), Round: e.currentRound, BlockHash: block.Hash,
		Block: &block, SenderID: e.selfID,
	}, peers)
	e.checkPhaseTransitionsLocked()
	return nil
}

// equivocateLocked proposes the already-self-voted block to one half of
// peers and a second, differently-timestamped block to the other half —
// the equivocation-attempt scenario the byzantine test flag simulates.
// Honest followers still only ever adopt one block per round because
// AcceptProposal rejects a second proposal once currentBlock is set.
func (e *Engine) equivocateLocked(block ledger.Block, peers []string, timestamp float64) {
	mid := len(peers) / 2
	altBlock, err := e.ledger.ProposeBlock(e.selfID, e.currentRound, e.shardID, timestamp+1)
	if err != nil {
		utils.Logger().Error().Err(err).Msg("[equivocateLocked] alternate block proposal failed, falling back to honest broadcast")
		e.bcast.Broadcast(OutMessage{
			Type: string(VotePrepare), Round: e.currentRound, BlockHash: block.Hash,
			Block: &block, SenderID: e.selfID,
		}, peers)
		return
	}
	utils.Logger().Warn().Uint64("round", e.currentRound).Str("hash_a", block.Hash).
		Str("hash_b", altBlock.Hash).Msg("[equivocateLocked] byzantine test flag: proposing conflicting blocks")

	e.bcast.Broadcast(OutMessage{
		Type: string(VotePrepare), Round: e.currentRound, BlockHash: block.Hash,
		Block: &block, SenderID: e.selfID,
	}, peers[:mid])
	e.bcast.Broadcast(OutMessage{
		Type: string(VotePrepare), Round: e.currentRound, BlockHash: altBlock.Hash,
		Block: &altBlock, SenderID: e.selfID,
	}, peers[mid:])
}

// AcceptProposal handles an inbound PREPARE message carrying the full
// proposed block (sent once, by the round's leader). Adopting a proposal
// casts this node's own prepare vote and echoes it to every other peer.
func (e *Engine) AcceptProposal(sender string, round uint64, block ledger.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.byzantine.Contains(sender) {
		utils.Logger().Warn().Str("peer", sender).Msg("[AcceptProposal] dropped from byzantine peer")
		return
	}
	if round != e.currentRound {
		e.scoreViolationLocked(sender, "proposal round mismatch")
		return
	}
	ok, err := block.VerifyHash()
	if err != nil || !ok {
		e.scoreViolationLocked(sender, "proposal hash mismatch")
		return
	}
	if e.currentBlock != nil {
		if block.Hash != e.currentBlock.Hash {
			e.scoreViolationLocked(sender, "conflicting proposal in same round")
		}
		return
	}
	if e.lockedBlock != nil && round > uint64(e.lockedRound) && block.Hash != e.lockedBlock.Hash {
		utils.Logger().Info().Uint64("round", round).Str("peer", sender).
			Msg("[AcceptProposal] refusing prepare for proposal conflicting with locked block")
		return
	}

	e.currentBlock = &block
	e.phase = Prepare
	e.castLocked(VotePrepare, e.selfID, block.Hash)

	e.bcast.Broadcast(OutMessage{
		Type: string(VotePrepare), Round: round, BlockHash: block.Hash, SenderID: e.selfID,
	}, e.peersExceptSelfLocked())

	e.checkPhaseTransitionsLocked()
}

// HandleVote processes an inbound hash-only vote of the given type. It
// returns true iff the vote was accepted into the corresponding set.
func (e *Engine) HandleVote(voteType VoteType, sender string, blockHash string, round uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.byzantine.Contains(sender) {
		return false
	}
	if round != e.currentRound {
		e.scoreViolationLocked(sender, "vote round mismatch")
		return false
	}
	if e.currentBlock == nil {
		e.scoreViolationLocked(sender, "vote with no current block")
		return false
	}
	if blockHash != e.currentBlock.Hash {
		e.scoreViolationLocked(sender, "vote hash mismatch")
		return false
	}

	e.castLocked(voteType, sender, blockHash)
	e.checkPhaseTransitionsLocked()
	return true
}

// castLocked inserts a vote into the right set and records it. Caller
// must hold mu.
func (e *Engine) castLocked(voteType VoteType, voter string, blockHash string) {
	set := e.votes.setFor(voteType)
	if set == nil {
		return
	}
	set.Add(voter)
	e.log.append(voteRecord{Round: e.currentRound, Type: voteType, Voter: voter, BlockHash: blockHash})
}

// checkPhaseTransitionsLocked runs the three ordered quorum checks.
// Caller must hold mu.
func (e *Engine) checkPhaseTransitionsLocked() {
	if e.currentBlock == nil {
		return
	}
	active := e.activeSetLocked()
	n := len(active)

	if e.phase < PreCommit && Quorum(e.votes.prepare.Cardinality(), n) {
		e.lockedRound = int64(e.currentRound)
		e.lockedBlock = e.currentBlock
		e.phase = PreCommit
		e.castLocked(VotePreCommit, e.selfID, e.currentBlock.Hash)
		e.bcast.Broadcast(OutMessage{
			Type: string(VotePreCommit), Round: e.currentRound, BlockHash: e.currentBlock.Hash, SenderID: e.selfID,
		}, e.peersExceptSelfLocked())
	}

	if e.phase < Commit && Quorum(e.votes.precommit.Cardinality(), n) {
		e.phase = Commit
		e.castLocked(VoteCommit, e.selfID, e.currentBlock.Hash)
		e.bcast.Broadcast(OutMessage{
			Type: string(VoteCommit), Round: e.currentRound, BlockHash: e.currentBlock.Hash, SenderID: e.selfID,
		}, e.peersExceptSelfLocked())
	}

	if Quorum(e.votes.commit.Cardinality(), n) {
		e.decideLocked()
	}
}

// decideLocked commits the current block and resets round state. Caller
// must hold mu.
func (e *Engine) decideLocked() {
	block := *e.currentBlock
	if err := e.ledger.CommitBlock(block); err != nil {
		utils.Logger().Error().Err(err).Uint64("round", e.currentRound).
			Msg("[decideLocked] commit_block failed, round skipped")
		return
	}
	if e.checkpointInterval > 0 && e.currentRound%e.checkpointInterval == 0 {
		e.checkpoints[e.currentRound] = block
	}
	utils.Logger().Info().Uint64("round", e.currentRound).Str("block", block.Hash).
		Msg("[decideLocked] block committed")

	e.currentBlock = nil
	e.votes.reset()
	e.log.clear()
	e.phase = Idle
}

// scoreViolationLocked increments a peer's behavior score and, past the
// threshold, moves it into the byzantine set. Caller must hold mu.
func (e *Engine) scoreViolationLocked(peer string, reason string) {
	e.behavior[peer]++
	utils.Logger().Debug().Str("peer", peer).Str("reason", reason).Int("score", e.behavior[peer]).
		Str("votes", utils.Dump(e.votes)).Msg("[scoreViolationLocked] protocol violation")
	if e.behavior[peer] > behaviorThreshold && !e.byzantine.Contains(peer) {
		e.byzantine.Add(peer)
		utils.Logger().Warn().Str("peer", peer).Msg("[scoreViolationLocked] peer marked byzantine")
	}
}

// AbandonIfExpired clears an in-flight round that hasn't reached Decided
// within the round deadline, leaving locked_round/locked_block untouched.
func (e *Engine) AbandonIfExpired(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.roundDeadline <= 0 || e.phase == Idle || e.phase == Decided {
		return
	}
	if now.Sub(e.roundStartedAt) <= e.roundDeadline {
		return
	}
	utils.Logger().Warn().Uint64("round", e.currentRound).Msg("[AbandonIfExpired] round deadline exceeded, abandoning")
	e.currentBlock = nil
	e.votes.reset()
	e.log.clear()
	e.phase = Idle
}

// AddNode adds a node to the known set — a liveness-only, unauthenticated
// membership change (see Membership).
func (e *Engine) AddNode(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allNodes.Add(id)
}

// RemoveNode removes a node from the known set. Removing a node that was
// never a member is scored as a protocol inconsistency against the
// requester, since membership has no voting gate to otherwise police it.
func (e *Engine) RemoveNode(sender, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.allNodes.Contains(id) {
		e.scoreViolationLocked(sender, "remove_node for unknown node")
		return
	}
	e.allNodes.Remove(id)
	e.byzantine.Remove(id)
}

// Checkpoint returns the checkpointed block for round r, if any.
func (e *Engine) Checkpoint(round uint64) (ledger.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.checkpoints[round]
	return b, ok
}

// LockedBlock returns the currently locked block, if any.
func (e *Engine) LockedBlock() (ledger.Block, int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lockedBlock == nil {
		return ledger.Block{}, -1, false
	}
	return *e.lockedBlock, e.lockedRound, true
}
