package ledger

import (
	"github.com/latticebft/lattice/internal/canon"
	"github.com/pkg/errors"
)

// GenesisPreviousHash is the literal predecessor hash of the first block.
const GenesisPreviousHash = "0"

// Block is an immutable, hash-linked record of a committed (or
// about-to-be-voted-on) round.
type Block struct {
	Index        uint64        `json:"index"`
	Timestamp    float64       `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	LeaderID     string        `json:"leader_id"`
	Round        uint64        `json:"round"`
	ShardID      uint32        `json:"shard_id"`
	PreviousHash string        `json:"previous_hash"`
	Hash         string        `json:"hash"`
}

// NewBlock builds and hashes a block. index is 1-based; previousHash is
// GenesisPreviousHash for the first block.
func NewBlock(index uint64, timestamp float64, txs []Transaction, leaderID string, round uint64, shardID uint32, previousHash string) (Block, error) {
	b := Block{
		Index:        index,
		Timestamp:    timestamp,
		Transactions: txs,
		LeaderID:     leaderID,
		Round:        round,
		ShardID:      shardID,
		PreviousHash: previousHash,
	}
	h, err := b.computeHash()
	if err != nil {
		return Block{}, errors.Wrap(err, "ledger: block hash")
	}
	b.Hash = h
	return b, nil
}

func (b Block) computeHash() (string, error) {
	return canon.Digest(map[string]interface{}{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"transactions":  b.Transactions,
		"leader_id":     b.LeaderID,
		"round":         b.Round,
		"shard_id":      b.ShardID,
		"previous_hash": b.PreviousHash,
	})
}

// VerifyHash recomputes the block's hash and reports whether it matches
// the stored Hash field — used when ingesting a block received over the
// wire (prepare proposal, recovery response).
func (b Block) VerifyHash() (bool, error) {
	h, err := b.computeHash()
	if err != nil {
		return false, err
	}
	return h == b.Hash, nil
}
