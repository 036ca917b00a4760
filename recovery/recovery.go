// Package recovery implements pull-based catch-up: gap detection,
// randomized peer selection for missing rounds, checkpoint-or-chain
// serving, and dedup of outstanding requests.
package recovery

import (
	"context"
	"math/rand"
	"sync"

	"github.com/latticebft/lattice/consensus"
	"github.com/latticebft/lattice/internal/utils"
	"github.com/latticebft/lattice/ledger"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// requestKey is the dedup key: (self, round) so a concurrent
// re-detection of the same gap is a no-op.
type requestKey struct {
	round uint64
}

// Recovery brings a lagging node back in by pulling missing rounds from
// peers.
type Recovery struct {
	selfID string
	ledger *ledger.Ledger
	engine *consensus.Engine
	rng    *rand.Rand

	mu       sync.Mutex
	inflight map[requestKey]bool
}

// New returns a Recovery for selfID.
func New(selfID string, ld *ledger.Ledger, engine *consensus.Engine, seed int64) *Recovery {
	return &Recovery{
		selfID:   selfID,
		ledger:   ld,
		engine:   engine,
		rng:      rand.New(rand.NewSource(seed)),
		inflight: make(map[requestKey]bool),
	}
}

// RequestFunc is the single-round request hook a caller supplies; it
// performs the actual send (through Transport) to the chosen peer.
type RequestFunc func(round uint64, peer string)

// DetectAndRequestGaps compares this node's chain length against an
// observedRound it has learned of (e.g. from a peer's vote at a higher
// round than its own chain covers) and fans out one recovery_request per
// missing round to a randomly chosen non-byzantine, non-self peer,
// bounded by the number of non-self candidate peers and run concurrently via
// errgroup. Already-outstanding (self, round) requests are skipped.
func (r *Recovery) DetectAndRequestGaps(ctx context.Context, observedRound uint64, candidates []string, send RequestFunc) error {
	chainLen := uint64(r.ledger.ChainLength())
	peers := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != r.selfID {
			peers = append(peers, c)
		}
	}
	if observedRound <= chainLen || len(peers) == 0 {
		return nil
	}

	sem := make(chan struct{}, len(peers))
	g, _ := errgroup.WithContext(ctx)
	for round := chainLen; round < observedRound; round++ {
		round := round
		key := requestKey{round: round}

		r.mu.Lock()
		if r.inflight[key] {
			r.mu.Unlock()
			continue
		}
		r.inflight[key] = true
		r.mu.Unlock()

		peer := peers[r.rng.Intn(len(peers))]
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			send(round, peer)
			return nil
		})
	}
	return g.Wait()
}

// ClearInflight drops the dedup entry for round, e.g. once its response
// has been applied (successfully or not) so a future gap at the same
// round can be re-requested.
func (r *Recovery) ClearInflight(round uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, requestKey{round: round})
}

// ServeRequest answers a recovery_request for round from sender: it
// responds iff round is checkpointed or already committed (round <
// chain length), returning the block to send back. ok is false when the
// peer genuinely lacks the round (the requester must retry later via its
// own next gap detection).
func (r *Recovery) ServeRequest(round uint64) (ledger.Block, bool) {
	if block, ok := r.engine.Checkpoint(round); ok {
		return block, true
	}
	if idx := int(round); idx >= 0 && idx < r.ledger.ChainLength() {
		block, ok := r.ledger.BlockAt(idx)
		return block, ok
	}
	return ledger.Block{}, false
}

// ApplyResponse applies a recovery_response block for round. A
// contiguous append (round == chain length) is accepted; overwriting an
// already-committed block is rejected outright — a recovery response
// carries no quorum certificate, so an already-committed block must never
// be replaced by one (see the per-policy decision on this open question).
func (r *Recovery) ApplyResponse(round uint64, block ledger.Block) error {
	defer r.ClearInflight(round)

	chainLen := uint64(r.ledger.ChainLength())
	if round < chainLen {
		return errors.Errorf("recovery: refusing to overwrite committed block at round %d (chain len %d)", round, chainLen)
	}
	if round > chainLen {
		return errors.Errorf("recovery: non-contiguous response for round %d (chain len %d)", round, chainLen)
	}
	ok, err := block.VerifyHash()
	if err != nil {
		return errors.Wrap(err, "recovery: verify hash")
	}
	if !ok {
		return errors.New("recovery: response block hash does not match its content")
	}
	if err := r.ledger.CommitBlock(block); err != nil {
		return errors.Wrap(err, "recovery: commit_block")
	}
	utils.Logger().Info().Uint64("round", round).Msg("[ApplyResponse] recovered block applied")
	return nil
}
