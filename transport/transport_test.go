package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/latticebft/lattice/consensus"
	"github.com/latticebft/lattice/metrics"
	"github.com/latticebft/lattice/transport/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	received []WireMessage
}

func (d *recordingDispatcher) Dispatch(msg WireMessage) {
	d.received = append(d.received, msg)
}

// fakeScorer is a test double for PeerScorer: a plain byzantine set an
// individual test can pre-seed, with ScoreDeliveryFailure marking a peer
// byzantine once it has failed more than 3 times (mirrors Engine's threshold).
type fakeScorer struct {
	mu        sync.Mutex
	byzantine map[string]bool
	failures  map[string]int
}

func newFakeScorer() *fakeScorer {
	return &fakeScorer{byzantine: make(map[string]bool), failures: make(map[string]int)}
}

func (f *fakeScorer) IsByzantine(peer string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byzantine[peer]
}

func (f *fakeScorer) ScoreDeliveryFailure(peer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[peer]++
	if f.failures[peer] > 3 {
		f.byzantine[peer] = true
	}
}

func (f *fakeScorer) markByzantine(peer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byzantine[peer] = true
}

// pipeDial hands out one side of net.Pipe per Dial call, handing the
// other side to onAccept as if a Server had accepted it.
func pipeDial(onAccept func(net.Conn)) func(peer string) (net.Conn, error) {
	return func(peer string) (net.Conn, error) {
		client, server := net.Pipe()
		go onAccept(server)
		return client, nil
	}
}

type funcDialer func(peer string) (net.Conn, error)

func (f funcDialer) Dial(peer string) (net.Conn, error) { return f(peer) }

func TestFlushDeliversFramesToDispatcher(t *testing.T) {
	sender, err := envelope.NewRandomKey()
	require.NoError(t, err)

	recvDispatch := &recordingDispatcher{}
	recvTransport := New("n1", nil, sender, recvDispatch, newFakeScorer(), metrics.NewSink("n1", 16), time.Hour)

	dialer := funcDialer(pipeDial(func(conn net.Conn) {
		recvTransport.HandleConn(conn)
	}))

	sendSink := metrics.NewSink("n0", 16)
	sendTransport := New("n0", dialer, sender, &recordingDispatcher{}, newFakeScorer(), sendSink, time.Hour)
	sendTransport.Send(VoteMessage("prepare", "n0", 1, "abc123"), "n1")
	sendTransport.Flush()

	require.Eventually(t, func() bool { return len(recvDispatch.received) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "prepare", recvDispatch.received[0].Type)
	assert.Equal(t, "abc123", recvDispatch.received[0].BlockHash())

	_, gauges, _ := sendSink.Snapshot()
	assert.Contains(t, gauges, "latency_seconds")
}

func TestSendSuppressedToByzantinePeer(t *testing.T) {
	env, err := envelope.NewRandomKey()
	require.NoError(t, err)
	scorer := newFakeScorer()
	scorer.markByzantine("n1")
	tr := New("n0", funcDialer(func(string) (net.Conn, error) { return nil, nil }), env, &recordingDispatcher{}, scorer, metrics.NewSink("n0", 16), time.Hour)

	tr.Send(VoteMessage("prepare", "n0", 1, "hash"), "n1")
	assert.Equal(t, int64(0), tr.box.len())
}

func TestFlushFailureMarksPeerByzantineAfterThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	env, err := envelope.NewRandomKey()
	require.NoError(t, err)
	dialer := NewMockDialer(ctrl)
	dialer.EXPECT().Dial("n1").Return(nil, assertDialErr).Times(4)

	tr := New("n0", dialer, env, &recordingDispatcher{}, newFakeScorer(), metrics.NewSink("n0", 16), time.Hour)
	for i := 0; i < 4; i++ {
		tr.Send(VoteMessage("prepare", "n0", 1, "hash"), "n1")
		tr.Flush()
	}
	assert.True(t, tr.IsByzantine("n1"))
}

var assertDialErr = &net.OpError{Op: "dial", Err: errDialRefused{}}

type errDialRefused struct{}

func (errDialRefused) Error() string { return "connection refused" }

func TestBroadcastEnqueuesOneFramePerPeer(t *testing.T) {
	env, err := envelope.NewRandomKey()
	require.NoError(t, err)
	tr := New("n0", funcDialer(func(string) (net.Conn, error) { return nil, errDialRefused{} }), env, &recordingDispatcher{}, newFakeScorer(), metrics.NewSink("n0", 16), time.Hour)

	tr.Broadcast(consensus.OutMessage{Type: "prepare", Round: 1, BlockHash: "h", SenderID: "n0"}, []string{"n1", "n2"})
	assert.Equal(t, int64(2), tr.box.len())
}
