package node

import (
	"testing"
	"time"

	"github.com/latticebft/lattice/internal/config"
	"github.com/latticebft/lattice/ledger"
	"github.com/latticebft/lattice/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(id string, nodes []string) *config.Config {
	return &config.Config{
		NodeID:             id,
		Nodes:              nodes,
		Host:               "127.0.0.1",
		BasePort:           15000,
		ShardID:            0,
		BatchInterval:      50 * time.Millisecond,
		CheckpointInterval: 5,
		ShardAdjustInterval: 30 * time.Second,
		RoundInterval:      time.Second,
		RoundDeadline:      0,
		MetricsAddr:        "",
	}
}

func TestNewWiresComponents(t *testing.T) {
	cfg := testConfig("n0", []string{"n0", "n1", "n2", "n3"})
	n, err := New(cfg, map[string]float64{"alice": 100})
	require.NoError(t, err)
	assert.Equal(t, float64(100), n.ledger.Balance("alice"))
	assert.Equal(t, uint32(0), n.shardMgr.ShardID())
}

func TestSubmitTransactionAdmitsToPool(t *testing.T) {
	cfg := testConfig("n0", []string{"n0"})
	n, err := New(cfg, map[string]float64{"alice": 100})
	require.NoError(t, err)

	tx, err := ledger.NewTransaction("alice", "bob", 10, 1.0)
	require.NoError(t, err)
	n.SubmitTransaction(tx)

	assert.Equal(t, 1, n.ledger.PendingLen())
}

func TestDispatchShardLeaderUpdatesTable(t *testing.T) {
	cfg := testConfig("n0", []string{"n0", "n1"})
	n, err := New(cfg, nil)
	require.NoError(t, err)

	n.Dispatch(transport.ShardLeaderMessage("n1", 1, "n1"))
	assert.Equal(t, "n1", n.shardMgr.LeaderFor(1, 99, []string{"n0", "n1"}))
}

func TestDispatchAddAndRemoveNode(t *testing.T) {
	cfg := testConfig("n0", []string{"n0", "n1"})
	n, err := New(cfg, nil)
	require.NoError(t, err)

	n.Dispatch(transport.AddNodeMessage("n1", "n2"))
	assert.Contains(t, n.engine.ActiveSet(), "n2")

	n.Dispatch(transport.RemoveNodeMessage("n1", "n2"))
	assert.NotContains(t, n.engine.ActiveSet(), "n2")
}

func TestDispatchUnknownTypeDoesNotPanic(t *testing.T) {
	cfg := testConfig("n0", []string{"n0"})
	n, err := New(cfg, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		n.Dispatch(transport.WireMessage{Type: "nonsense", SenderID: "n1"})
	})
}

func TestPeerAddrIsDeterministic(t *testing.T) {
	a := peerAddr("127.0.0.1", 15000, "n1")
	b := peerAddr("127.0.0.1", 15000, "n1")
	assert.Equal(t, a, b)
}
