// Package transport implements the length-framed, encrypted, per-peer
// batched connections consensus, recovery, and the shard manager send
// messages over.
package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/latticebft/lattice/consensus"
	"github.com/latticebft/lattice/internal/utils"
	"github.com/latticebft/lattice/transport/envelope"
	"github.com/pborman/uuid"
)

// dedupCacheSize bounds the recent-frame-hash cache used only to log
// likely duplicate redelivery; it is never authoritative.
const dedupCacheSize = 4096

// Dialer opens an outbound connection to a peer id. Exercised through a
// golang/mock-generated mock in tests so flush logic doesn't need a real
// socket.
type Dialer interface {
	Dial(peer string) (net.Conn, error)
}

// Dispatcher routes a decoded inbound WireMessage to the right component.
// Transport itself never interprets message semantics beyond framing,
// decryption, and byzantine suppression.
type Dispatcher interface {
	Dispatch(msg WireMessage)
}

// PeerScorer is the single byzantine_set/behavior_score authority the data
// model specifies one of per node (spec §3): Consensus scores bad votes
// and proposals against it, Transport scores delivery failures against the
// very same peer entry, and both sides suppress exactly the peers the
// other has already given up on. consensus.Engine implements this.
type PeerScorer interface {
	IsByzantine(peer string) bool
	ScoreDeliveryFailure(peer string)
}

// LatencyRecorder receives the enqueue-to-delivery latency of a
// successfully flushed frame. metrics.Sink implements it via Set.
type LatencyRecorder interface {
	Set(name string, value float64, timestamp float64)
}

// Transport is the per-node message transport: framing, confidentiality,
// per-peer batching, inbound dispatch, and peer scoring on delivery
// failure.
type Transport struct {
	selfID   string
	dialer   Dialer
	envelope envelope.SealOpener
	dispatch Dispatcher
	scorer   PeerScorer
	metrics  LatencyRecorder

	// batchIntervalNanos is read/written via sync/atomic so SetBatchInterval
	// can retune a running RunFlushLoop without a restart (the config
	// hot-reload's liveness-only knob).
	batchIntervalNanos int64

	box   *outbox
	dedup *lru.Cache

	inflight sync.WaitGroup
	stopCh   chan struct{}
}

// New returns a Transport. dialer opens outbound connections; env is the
// seal/open capability this node uses for every frame; dispatch receives
// every successfully decoded inbound message; scorer is the shared
// byzantine-peer authority; metricsSink records per-frame delivery
// latency.
func New(selfID string, dialer Dialer, env envelope.SealOpener, dispatch Dispatcher, scorer PeerScorer, metricsSink LatencyRecorder, batchInterval time.Duration) *Transport {
	if batchInterval <= 0 {
		batchInterval = 100 * time.Millisecond
	}
	cache, _ := lru.New(dedupCacheSize)
	return &Transport{
		selfID:             selfID,
		dialer:             dialer,
		envelope:           env,
		dispatch:           dispatch,
		scorer:             scorer,
		metrics:            metricsSink,
		batchIntervalNanos: int64(batchInterval),
		box:                newOutbox(),
		dedup:              cache,
		stopCh:             make(chan struct{}),
	}
}

// SetBatchInterval retunes the flush period a running RunFlushLoop uses,
// taking effect on its next tick — the batch_interval liveness knob a
// config hot-reload can adjust without a restart.
func (t *Transport) SetBatchInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	atomic.StoreInt64(&t.batchIntervalNanos, int64(d))
}

// IsByzantine reports whether peer is currently suppressed.
func (t *Transport) IsByzantine(peer string) bool {
	return t.scorer.IsByzantine(peer)
}

// Send enqueues msg for peer, skipping silently if peer is byzantine.
func (t *Transport) Send(msg WireMessage, peer string) {
	if t.scorer.IsByzantine(peer) {
		utils.Logger().Warn().Str("peer", peer).Msg("[Send] suppressed: peer is byzantine")
		return
	}

	plaintext, err := Encode(msg)
	if err != nil {
		utils.Logger().Error().Err(err).Msg("[Send] encode failed")
		return
	}
	ciphertext, err := t.envelope.Seal(plaintext)
	if err != nil {
		utils.Logger().Error().Err(err).Msg("[Send] seal failed")
		return
	}
	if err := t.box.enqueue(outboxEntry{peer: peer, ciphertext: ciphertext, enqueuedAt: time.Now()}); err != nil {
		utils.Logger().Error().Err(err).Msg("[Send] enqueue failed")
	}
}

// Broadcast implements consensus.Broadcaster: convert msg to its
// WireMessage form once, then Send it to each peer, which encodes and
// seals a separate frame per peer.
func (t *Transport) Broadcast(out consensus.OutMessage, peers []string) {
	wire := voteOrProposalWire(out)
	for _, peer := range peers {
		t.Send(wire, peer)
	}
}

func voteOrProposalWire(out consensus.OutMessage) WireMessage {
	if out.Block != nil {
		return ProposalMessage(out.SenderID, out.Round, *out.Block)
	}
	return VoteMessage(out.Type, out.SenderID, out.Round, out.BlockHash)
}

// Flush drains the outbox, opening one fresh connection per peer with
// queued frames, writing them back-to-back, and closing. Each failure is
// scored against the peer through the PeerScorer (which moves it to the
// byzantine set once past its threshold) and drops the peer's remaining
// undelivered frames (at-most-once, no retry).
func (t *Transport) Flush() {
	grouped := t.box.drain()
	for peer, entries := range grouped {
		t.flushPeer(peer, entries)
	}
}

func (t *Transport) flushPeer(peer string, entries []outboxEntry) {
	conn, err := t.dialer.Dial(peer)
	if err != nil {
		utils.Logger().Error().Err(err).Str("peer", peer).Msg("[Flush] dial failed")
		t.scorer.ScoreDeliveryFailure(peer)
		return
	}
	defer conn.Close()

	for _, e := range entries {
		if err := WriteFrame(conn, e.ciphertext); err != nil {
			utils.Logger().Error().Err(err).Str("peer", peer).Msg("[Flush] write failed")
			t.scorer.ScoreDeliveryFailure(peer)
			return
		}
		t.metrics.Set("latency_seconds", time.Since(e.enqueuedAt).Seconds(), nowSeconds())
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// RunFlushLoop periodically calls Flush every batch interval until stop
// is closed, re-reading the interval on every tick so SetBatchInterval
// takes effect without restarting the loop.
func (t *Transport) RunFlushLoop(stop <-chan struct{}) {
	interval := time.Duration(atomic.LoadInt64(&t.batchIntervalNanos))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Flush()
			if cur := time.Duration(atomic.LoadInt64(&t.batchIntervalNanos)); cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		case <-stop:
			return
		}
	}
}

// HandleConn reads length-framed ciphertext frames from conn until EOF or
// a decryption error, decoding and dispatching each to Dispatcher.
// Decryption failure is fatal for the connection: it is closed and
// logged, matching the source's "decrypt or die" per-connection policy.
func (t *Transport) HandleConn(conn net.Conn) {
	defer conn.Close()
	traceID := uuid.New()
	for {
		ciphertext, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				utils.Logger().Debug().Str("trace", traceID).Err(err).Msg("[HandleConn] connection closed")
			}
			return
		}
		plaintext, err := t.envelope.Open(ciphertext)
		if err != nil {
			utils.Logger().Error().Str("trace", traceID).Err(err).Msg("[HandleConn] decryption failed, closing connection")
			return
		}
		msg, err := Decode(plaintext)
		if err != nil {
			utils.Logger().Error().Str("trace", traceID).Err(err).Msg("[HandleConn] unparseable frame, closing connection")
			return
		}
		t.noteDedup(msg)
		t.dispatch.Dispatch(msg)
	}
}

// noteDedup logs (never blocks) a likely duplicate redelivery hint; the
// cache is purely observational and never gates correctness.
func (t *Transport) noteDedup(msg WireMessage) {
	key := msg.Type + "|" + msg.SenderID + "|" + msg.BlockHash()
	if _, seen := t.dedup.Get(key); seen {
		utils.Logger().Debug().Str("key", key).Msg("[HandleConn] likely duplicate frame")
	}
	t.dedup.Add(key, struct{}{})
}
