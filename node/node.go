// Package node wires the Ledger, Consensus Engine, Shard Manager,
// Transport, Recovery, and Metrics Sink together into one running
// process and drives the round ticker and batch flush timer.
package node

import (
	"container/ring"
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/latticebft/lattice/consensus"
	"github.com/latticebft/lattice/internal/config"
	"github.com/latticebft/lattice/internal/utils"
	"github.com/latticebft/lattice/ledger"
	"github.com/latticebft/lattice/metrics"
	"github.com/latticebft/lattice/recovery"
	"github.com/latticebft/lattice/shard"
	"github.com/latticebft/lattice/transport"
	"github.com/latticebft/lattice/transport/envelope"
	"github.com/pkg/errors"
)

// Node is one running replica: the accept loop, round driver, and batch
// flush timer share this struct's components. Each owned collaborator
// (Ledger, Engine, Transport) guards its own state; Node itself only
// coordinates lifecycle and routes inbound messages.
type Node struct {
	cfg *config.Config

	ledger    *ledger.Ledger
	engine    *consensus.Engine
	shardMgr  *shard.Manager
	transport *transport.Transport
	server    *transport.Server
	recovery  *recovery.Recovery
	sink      *metrics.Sink

	mu             sync.Mutex
	rejectedTxRing *ring.Ring

	stopCh chan struct{}
}

// New builds a Node from cfg and its initial account balances.
func New(cfg *config.Config, initialBalances map[string]float64) (*Node, error) {
	ld := ledger.New(initialBalances)
	shardMgr := shard.NewManager(cfg.ShardID, cfg.ShardAdjustInterval, seedFromNodeID(cfg.NodeID))

	n := &Node{
		cfg:            cfg,
		ledger:         ld,
		shardMgr:       shardMgr,
		stopCh:         make(chan struct{}),
		rejectedTxRing: ring.New(64),
	}

	n.engine = consensus.New(cfg.NodeID, cfg.Nodes, cfg.ShardID, shardMgr, ld, &engineBroadcaster{n: n}, cfg.CheckpointInterval, cfg.RoundDeadline, cfg.Byzantine)
	n.recovery = recovery.New(cfg.NodeID, ld, n.engine, seedFromNodeID(cfg.NodeID))
	n.sink = metrics.NewSink(cfg.NodeID, 4096)

	env, err := buildEnvelope(cfg)
	if err != nil {
		return nil, err
	}
	addrs := make(map[string]string)
	for _, id := range cfg.Nodes {
		addrs[id] = peerAddr(cfg.Host, cfg.BasePort, id)
	}
	dialer := transport.NewTCPDialer(addrs)
	n.transport = transport.New(cfg.NodeID, dialer, env, n, n.engine, n.sink, cfg.BatchInterval)
	n.server = transport.NewServer(n.transport)

	return n, nil
}

// engineBroadcaster adapts Node to consensus.Broadcaster so the engine
// never imports the transport package directly.
type engineBroadcaster struct{ n *Node }

func (b *engineBroadcaster) Broadcast(msg consensus.OutMessage, peers []string) {
	b.n.transport.Broadcast(msg, peers)
	b.n.sink.Add("messages_sent", float64(len(peers)), nowSeconds())
}

// buildEnvelope resolves the node's seal/open scheme: a shared key when
// one is configured (the default an operator wires for a functioning
// cluster), otherwise a fresh independent key reproducing the source's
// documented bug — useful only for byzantine-simulation tests that want
// undeliverable frames on purpose.
func buildEnvelope(cfg *config.Config) (envelope.SealOpener, error) {
	if cfg.SharedKeyHex == "" {
		env, err := envelope.NewRandomKey()
		if err != nil {
			return nil, errors.Wrap(err, "node: generate independent key")
		}
		return env, nil
	}
	raw, err := hex.DecodeString(cfg.SharedKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "node: decode shared key")
	}
	if len(raw) != envelope.KeySize {
		return nil, errors.Errorf("node: shared key must be %d bytes, got %d", envelope.KeySize, len(raw))
	}
	var key [envelope.KeySize]byte
	copy(key[:], raw)
	return envelope.NewSharedKey(key), nil
}

func seedFromNodeID(id string) int64 {
	var seed int64
	for _, c := range id {
		seed = seed*31 + int64(c)
	}
	if seed == 0 {
		var b [8]byte
		_, _ = rand.Read(b[:])
		for _, c := range b {
			seed = seed*31 + int64(c)
		}
	}
	return seed
}

// peerAddr derives a peer's listen address from the cluster's shared
// base_port and a deterministic per-id offset, so every node computes
// the same address for a given peer id without a separate address book.
func peerAddr(host string, basePort uint32, id string) string {
	port := basePort + portOffset(id)
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
}

// portOffset maps a node id to a small deterministic offset from
// base_port, the same scheme cfg.NodeID's own listen port uses.
func portOffset(id string) uint32 {
	var h uint32
	for _, c := range id {
		h = h*131 + uint32(c)
	}
	return h % 1000
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Start runs the accept loop, the round driver, the batch flush timer,
// and the metrics server until ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	listenPort := n.cfg.BasePort + portOffset(n.cfg.NodeID)
	ln, err := transport.Listen(n.cfg.Host, listenPort)
	if err != nil {
		return err
	}

	go n.transport.RunFlushLoop(n.stopCh)
	go n.runRoundDriver(ctx)
	go n.runMetricsServer(ctx)

	return n.server.Serve(ctx, ln)
}

func (n *Node) runRoundDriver(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.RoundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.engine.StartRound(time.Now(), nowSeconds()); err != nil {
				utils.Logger().Error().Err(err).Msg("[runRoundDriver] start_round failed")
			}
			n.engine.AbandonIfExpired(time.Now())
			n.maybeRebalance()
			n.detectGaps(ctx)
		case <-ctx.Done():
			close(n.stopCh)
			return
		}
	}
}

func (n *Node) maybeRebalance() {
	candidates := n.engine.ActiveSet()
	sig, ok := n.shardMgr.MaybeRebalance(time.Now(), candidates)
	if !ok {
		return
	}
	for _, peer := range candidates {
		if peer == n.cfg.NodeID {
			continue
		}
		n.transport.Send(transport.ShardLeaderMessage(n.cfg.NodeID, sig.ShardID, sig.LeaderID), peer)
	}
}

// detectGaps compares the chain length against the engine's current
// round and pulls any missing rounds from peers.
func (n *Node) detectGaps(ctx context.Context) {
	observed := n.engine.CurrentRound()
	candidates := n.engine.ActiveSet()
	_ = n.recovery.DetectAndRequestGaps(ctx, observed, candidates, func(round uint64, peer string) {
		n.transport.Send(transport.RecoveryRequestMessage(n.cfg.NodeID, round), peer)
	})
}

func (n *Node) runMetricsServer(ctx context.Context) {
	if n.cfg.MetricsAddr == "" {
		return
	}
	srv := &http.Server{Addr: n.cfg.MetricsAddr, Handler: metrics.Handler(n.sink, n.cfg.NodeID, func(line string) {
		utils.Logger().Debug().Str("line", line).Msg("[metrics] access log")
	})}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		utils.Logger().Error().Err(err).Msg("[runMetricsServer] serve failed")
	}
}

// noteRejectedTx keeps a small ring buffer of recently rejected hashes
// for debug introspection, the same bounded-recency pattern the teacher
// uses for its error sink. Dispatch records the block hash of each
// rejected hash-only prepare vote here; transactions rejected at proposal
// time are not recorded.
func (n *Node) noteRejectedTx(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectedTxRing.Value = hash
	n.rejectedTxRing = n.rejectedTxRing.Next()
}

// ApplyLiveConfig pushes the liveness-relevant fields of a freshly
// reloaded config into the already-running Engine, Transport, and shard
// Manager: byzantine test flag, batch interval, checkpoint interval,
// round deadline, and shard adjust interval. Identity and topology
// fields (node_id, nodes, host, base_port, shard_id, shared_key) are
// fixed at construction and never touched here.
func (n *Node) ApplyLiveConfig(cfg *config.Config) {
	n.engine.SetByzantineMode(cfg.Byzantine)
	n.engine.SetCheckpointInterval(cfg.CheckpointInterval)
	n.engine.SetRoundDeadline(cfg.RoundDeadline)
	n.transport.SetBatchInterval(cfg.BatchInterval)
	n.shardMgr.SetAdjustInterval(cfg.ShardAdjustInterval)
	utils.Logger().Info().Bool("byzantine", cfg.Byzantine).
		Dur("batch_interval", cfg.BatchInterval).
		Uint64("checkpoint_interval", cfg.CheckpointInterval).
		Dur("round_deadline", cfg.RoundDeadline).
		Dur("shard_adjust_interval", cfg.ShardAdjustInterval).
		Msg("[ApplyLiveConfig] reloaded liveness settings applied")
}

// SubmitTransaction admits a client-submitted transaction into the local
// pending pool. Validity against current balances is only checked at
// proposal time, matching the ledger's own contract.
func (n *Node) SubmitTransaction(tx ledger.Transaction) {
	n.ledger.Admit(tx)
}

// Dispatch implements transport.Dispatcher: it routes a decoded inbound
// WireMessage to the engine, recovery, or shard manager by type.
func (n *Node) Dispatch(msg transport.WireMessage) {
	n.sink.Add("messages_received", 1, nowSeconds())

	switch msg.Type {
	case "prepare":
		if msg.IsProposal() {
			n.engine.AcceptProposal(msg.SenderID, msg.Round, *msg.Block)
		} else if !n.engine.HandleVote(consensus.VotePrepare, msg.SenderID, msg.BlockHash(), msg.Round) {
			n.noteRejectedTx(msg.BlockHash())
		}
	case string(consensus.VotePreCommit):
		n.engine.HandleVote(consensus.VotePreCommit, msg.SenderID, msg.BlockHash(), msg.Round)
	case string(consensus.VoteCommit):
		n.engine.HandleVote(consensus.VoteCommit, msg.SenderID, msg.BlockHash(), msg.Round)
	case "recovery_request":
		if block, ok := n.recovery.ServeRequest(msg.Round); ok {
			n.transport.Send(transport.RecoveryResponseMessage(n.cfg.NodeID, msg.Round, block), msg.SenderID)
		}
	case "recovery_response":
		if msg.Data == nil {
			return
		}
		if err := n.recovery.ApplyResponse(msg.Round, msg.Data.Block); err != nil {
			utils.Logger().Error().Err(err).Uint64("round", msg.Round).Msg("[Dispatch] recovery_response rejected")
		}
	case "add_node":
		n.engine.AddNode(msg.NodeID)
	case "remove_node":
		n.engine.RemoveNode(msg.SenderID, msg.NodeID)
	case "shard_leader":
		n.shardMgr.SetLeader(msg.ShardID, msg.LeaderID)
	case "shard_load":
		n.shardMgr.SetLoad(msg.ShardID, msg.Load)
	default:
		utils.Logger().Warn().Str("type", msg.Type).Str("sender", msg.SenderID).Msg("[Dispatch] unknown message type")
	}
}
