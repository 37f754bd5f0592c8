package transport_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/go-setunion/setsync/transport"
)

const waitTimeout = 10 * time.Second

type eventKind int

const (
	evChannel eventKind = iota
	evMessage
	evClose
)

type event struct {
	kind eventKind
	ch   transport.Channel
	msg  []byte
}

type recorder struct {
	events chan event
}

var _ transport.Handler = &recorder{}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 1000)}
}

func (r *recorder) HandleChannel(ch transport.Channel) {
	r.events <- event{kind: evChannel, ch: ch}
}

func (r *recorder) HandleMessage(ch transport.Channel, msg []byte) {
	r.events <- event{kind: evMessage, ch: ch, msg: msg}
}

func (r *recorder) HandleClose(ch transport.Channel) {
	r.events <- event{kind: evClose, ch: ch}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for a channel event")
	}
	panic("unreachable")
}

func (r *recorder) requireNoEvents(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		require.FailNow(t, "unexpected event", "kind %d", ev.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

type netPair struct {
	a, b         transport.Network
	peerA, peerB transport.Peer
	recA, recB   *recorder
}

func memPair(t *testing.T) *netPair {
	n := transport.NewMemNetwork()
	a := n.AddHost("a")
	b := n.AddHost("b")
	p := &netPair{a: a, b: b, peerA: a.ID(), peerB: b.ID(), recA: newRecorder(), recB: newRecorder()}
	a.SetHandler(p.recA)
	b.SetHandler(p.recB)
	return p
}

func p2pPair(t *testing.T, opts ...transport.P2POpt) *netPair {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	t.Cleanup(func() { mesh.Close() })
	hs := mesh.Hosts()
	logger := zaptest.NewLogger(t)
	a := transport.NewP2PNetwork(hs[0], append(opts, transport.WithLogger(logger.Named("a")))...)
	b := transport.NewP2PNetwork(hs[1], append(opts, transport.WithLogger(logger.Named("b")))...)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	p := &netPair{
		a: a, b: b,
		peerA: hs[0].ID(), peerB: hs[1].ID(),
		recA: newRecorder(), recB: newRecorder(),
	}
	a.SetHandler(p.recA)
	b.SetHandler(p.recB)
	return p
}

func testExchange(t *testing.T, p *netPair) {
	ch, err := p.a.Open(context.Background(), p.peerB)
	require.NoError(t, err)
	require.Equal(t, p.peerB, ch.Peer())
	const n = 100
	for i := range n {
		require.NoError(t, ch.Send([]byte(fmt.Sprintf("msg-%d", i))))
	}

	ev := p.recB.next(t)
	require.Equal(t, evChannel, ev.kind)
	remote := ev.ch
	require.Equal(t, p.peerA, remote.Peer())
	for i := range n {
		ev := p.recB.next(t)
		require.Equal(t, evMessage, ev.kind)
		require.Equal(t, remote, ev.ch)
		require.Equal(t, fmt.Sprintf("msg-%d", i), string(ev.msg))
	}

	require.NoError(t, remote.Send([]byte("reply")))
	ev = p.recA.next(t)
	require.Equal(t, evMessage, ev.kind)
	require.Equal(t, ch, ev.ch)
	require.Equal(t, "reply", string(ev.msg))

	require.NoError(t, ch.Close())
	ev = p.recB.next(t)
	require.Equal(t, evClose, ev.kind)
	require.Equal(t, remote, ev.ch)
	ev = p.recA.next(t)
	require.Equal(t, evClose, ev.kind)
	require.Equal(t, ch, ev.ch)
	p.recA.requireNoEvents(t)
	p.recB.requireNoEvents(t)
	require.Error(t, ch.Send([]byte("late")))
}

func TestMemNetwork(t *testing.T) {
	testExchange(t, memPair(t))
}

func TestP2PNetwork(t *testing.T) {
	testExchange(t, p2pPair(t))
}

func TestMemUnknownPeer(t *testing.T) {
	p := memPair(t)
	_, err := p.a.Open(context.Background(), "nobody")
	require.ErrorIs(t, err, transport.ErrUnknownPeer)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.a.Open(ctx, p.peerB)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemSendAfterRemoteClose(t *testing.T) {
	p := memPair(t)
	ch, err := p.a.Open(context.Background(), p.peerB)
	require.NoError(t, err)
	ev := p.recB.next(t)
	require.Equal(t, evChannel, ev.kind)
	require.NoError(t, ev.ch.Close())
	require.Equal(t, evClose, p.recB.next(t).kind)
	require.Equal(t, evClose, p.recA.next(t).kind)
	require.ErrorIs(t, ch.Send([]byte("x")), transport.ErrClosed)
}

func TestP2PMessageTooLarge(t *testing.T) {
	p := p2pPair(t, transport.WithMaxMessageSize(16))
	ch, err := p.a.Open(context.Background(), p.peerB)
	require.NoError(t, err)
	require.ErrorIs(t, ch.Send(make([]byte, 17)), transport.ErrMessageTooLarge)
	require.NoError(t, ch.Send(make([]byte, 16)))
	ev := p.recB.next(t)
	require.Equal(t, evChannel, ev.kind)
	ev = p.recB.next(t)
	require.Equal(t, evMessage, ev.kind)
	require.Len(t, ev.msg, 16)
}

func TestP2PPeerLimit(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	t.Cleanup(func() { mesh.Close() })
	hs := mesh.Hosts()
	a := transport.NewP2PNetwork(hs[0])
	b := transport.NewP2PNetwork(hs[1], transport.WithMaxMessageSize(16))
	recA, recB := newRecorder(), newRecorder()
	a.SetHandler(recA)
	b.SetHandler(recB)
	ch, err := a.Open(context.Background(), hs[1].ID())
	require.NoError(t, err)
	require.NoError(t, ch.Send(make([]byte, 100)))
	require.Equal(t, evChannel, recB.next(t).kind)
	require.Equal(t, evClose, recB.next(t).kind)
	require.Equal(t, evClose, recA.next(t).kind)
}
