package transport

import (
	"encoding/json"

	"github.com/latticebft/lattice/internal/canon"
	"github.com/latticebft/lattice/ledger"
	"github.com/pkg/errors"
)

// WireMessage is the plaintext {type, payload fields, sender_id} object
// canonicalised, encrypted, and framed for the wire. Not every field is
// populated for every Type; see the per-type constructors below.
type WireMessage struct {
	Type      string           `json:"type"`
	SenderID  string           `json:"sender_id"`
	Round     uint64           `json:"round,omitempty"`
	Block     *ledger.Block    `json:"block,omitempty"`
	Data      *RecoveryPayload `json:"data,omitempty"`
	NodeID    string           `json:"node_id,omitempty"`
	ShardID   uint32           `json:"shard_id,omitempty"`
	LeaderID  string           `json:"leader_id,omitempty"`
	Load      uint64           `json:"load,omitempty"`
}

// RecoveryPayload wraps the full block a recovery_response returns.
type RecoveryPayload struct {
	Block ledger.Block `json:"block"`
}

// IsProposal reports whether msg's embedded block is a full proposal
// (leader's initial broadcast) rather than a hash-only vote echo: a
// proposal always carries a 1-based Index, an echo's Block carries only
// the Hash field the voter is attesting to.
func (m WireMessage) IsProposal() bool {
	return m.Block != nil && m.Block.Index != 0
}

// BlockHash returns the hash a vote or proposal message refers to.
func (m WireMessage) BlockHash() string {
	if m.Block == nil {
		return ""
	}
	return m.Block.Hash
}

// Encode canonicalises msg to key-sorted UTF-8 JSON.
func Encode(msg WireMessage) ([]byte, error) {
	b, err := canon.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "transport: encode message")
	}
	return b, nil
}

// Decode parses canonical JSON plaintext back into a WireMessage.
func Decode(plaintext []byte) (WireMessage, error) {
	var msg WireMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return WireMessage{}, errors.Wrap(err, "transport: decode message")
	}
	return msg, nil
}

func VoteMessage(voteType, senderID string, round uint64, blockHash string) WireMessage {
	return WireMessage{
		Type: voteType, SenderID: senderID, Round: round,
		Block: &ledger.Block{Hash: blockHash},
	}
}

func ProposalMessage(senderID string, round uint64, block ledger.Block) WireMessage {
	return WireMessage{Type: "prepare", SenderID: senderID, Round: round, Block: &block}
}

func RecoveryRequestMessage(senderID string, round uint64) WireMessage {
	return WireMessage{Type: "recovery_request", SenderID: senderID, Round: round}
}

func RecoveryResponseMessage(senderID string, round uint64, block ledger.Block) WireMessage {
	return WireMessage{Type: "recovery_response", SenderID: senderID, Round: round, Data: &RecoveryPayload{Block: block}}
}

func AddNodeMessage(senderID, nodeID string) WireMessage {
	return WireMessage{Type: "add_node", SenderID: senderID, NodeID: nodeID}
}

func RemoveNodeMessage(senderID, nodeID string) WireMessage {
	return WireMessage{Type: "remove_node", SenderID: senderID, NodeID: nodeID}
}

func ShardLeaderMessage(senderID string, shardID uint32, leaderID string) WireMessage {
	return WireMessage{Type: "shard_leader", SenderID: senderID, ShardID: shardID, LeaderID: leaderID}
}

func ShardLoadMessage(senderID string, shardID uint32, load uint64) WireMessage {
	return WireMessage{Type: "shard_load", SenderID: senderID, ShardID: shardID, Load: load}
}
