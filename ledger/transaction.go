// Package ledger implements the transaction pool, block construction,
// balance projection, and hash-linked chain that a committed round feeds.
package ledger

import (
	"github.com/latticebft/lattice/internal/canon"
	"github.com/pkg/errors"
)

// Transaction is an immutable value-transfer record. Equal fields and
// timestamp collide deliberately onto the same Hash; transactions are
// keyed by content hash, not by a separate id.
type Transaction struct {
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	Amount    float64 `json:"amount"`
	Timestamp float64 `json:"timestamp"`
	// AuthTag is an opaque content-hash authentication tag, not a
	// verified signature: digest of {sender, receiver, amount, timestamp}.
	AuthTag string `json:"auth_tag"`
	// Hash is the digest of {sender, receiver, amount, timestamp, auth_tag}.
	Hash string `json:"hash"`
}

// NewTransaction computes AuthTag and Hash from the given fields and
// returns the finished, immutable Transaction.
func NewTransaction(sender, receiver string, amount, timestamp float64) (Transaction, error) {
	tag, err := canon.Digest(map[string]interface{}{
		"sender":    sender,
		"receiver":  receiver,
		"amount":    amount,
		"timestamp": timestamp,
	})
	if err != nil {
		return Transaction{}, errors.Wrap(err, "ledger: auth tag digest")
	}
	tx := Transaction{
		Sender:    sender,
		Receiver:  receiver,
		Amount:    amount,
		Timestamp: timestamp,
		AuthTag:   tag,
	}
	h, err := canon.Digest(map[string]interface{}{
		"sender":    tx.Sender,
		"receiver":  tx.Receiver,
		"amount":    tx.Amount,
		"timestamp": tx.Timestamp,
		"auth_tag":  tx.AuthTag,
	})
	if err != nil {
		return Transaction{}, errors.Wrap(err, "ledger: tx hash digest")
	}
	tx.Hash = h
	return tx, nil
}
