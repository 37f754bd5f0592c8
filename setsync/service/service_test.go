package service_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-setunion/setsync/service"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/transport"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

const waitTimeout = 10 * time.Second

var testApp = union.AppIDFromString("test")

func startService(t *testing.T, net transport.Network, opts ...service.Opt) *service.Service {
	s := service.New(net, append([]service.Opt{service.WithLogger(zaptest.NewLogger(t))}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return s.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})
	return s
}

func elem(s string) setstore.Element {
	return setstore.Element{Type: 1, Data: []byte(s)}
}

func makeSet(t *testing.T, s *service.Service, items ...string) service.SetID {
	id, err := s.CreateSet()
	require.NoError(t, err)
	for _, item := range items {
		added, err := s.Add(id, elem(item))
		require.NoError(t, err)
		require.True(t, added)
	}
	return id
}

func items(prefix string, n int) []string {
	r := make([]string, n)
	for i := range r {
		r[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return r
}

type results struct {
	ch chan union.Result
}

func newResults() *results {
	return &results{ch: make(chan union.Result, 10000)}
}

func (r *results) handler(_ service.OpID, res union.Result) {
	r.ch <- res
}

// wait collects the results up to the final one.
func (r *results) wait(t *testing.T) []union.Result {
	t.Helper()
	var rs []union.Result
	for {
		select {
		case res := <-r.ch:
			rs = append(rs, res)
			if res.Status == union.StatusDone || res.Status == union.StatusFailure {
				return rs
			}
		case <-time.After(waitTimeout):
			require.FailNow(t, "timed out waiting for operation results")
		}
	}
}

func (r *results) requireNone(t *testing.T) {
	t.Helper()
	select {
	case res := <-r.ch:
		require.FailNow(t, "unexpected result", "status %s", res.Status)
	case <-time.After(50 * time.Millisecond):
	}
}

func added(rs []union.Result, status union.Status) []string {
	var r []string
	for _, res := range rs {
		if res.Status == status {
			r = append(r, string(res.Element.Data))
		}
	}
	slices.Sort(r)
	return r
}

func requireDone(t *testing.T, rs []union.Result, size int) {
	t.Helper()
	last := rs[len(rs)-1]
	require.Equal(t, union.StatusDone, last.Status, "error: %v", last.Err)
	require.Equal(t, uint64(size), last.CurrentSize)
}

func requireFailure(t *testing.T, rs []union.Result, err error) {
	t.Helper()
	require.Len(t, rs, 1)
	require.Equal(t, union.StatusFailure, rs[0].Status)
	require.ErrorIs(t, rs[0].Err, err)
}

func acceptWith(t *testing.T, s *service.Service, set service.SetID, opts union.Options, r *results) service.RequestHandler {
	return func(req service.Request) {
		_, err := s.Accept(req.ID, set, opts, r.handler)
		assert.NoError(t, err)
	}
}

type pair struct {
	net    *transport.MemNetwork
	a, b   *service.Service
	peerB  transport.Peer
	peerA  transport.Peer
	hostA  *transport.MemHost
	hostB  *transport.MemHost
	listen func(handler service.RequestHandler)
}

func newPair(t *testing.T, optsB ...service.Opt) *pair {
	net := transport.NewMemNetwork()
	p := &pair{
		net:   net,
		hostA: net.AddHost("a"),
		hostB: net.AddHost("b"),
	}
	p.peerA = p.hostA.ID()
	p.peerB = p.hostB.ID()
	p.a = startService(t, p.hostA)
	p.b = startService(t, p.hostB, optsB...)
	p.listen = func(handler service.RequestHandler) {
		stop, err := p.b.Listen(testApp, handler)
		require.NoError(t, err)
		t.Cleanup(stop)
	}
	return p
}

func TestUnion(t *testing.T) {
	p := newPair(t)
	setA := makeSet(t, p.a, "hello", "bar")
	setB := makeSet(t, p.b, "hello", "quux", "baz")
	reqs := make(chan service.Request, 1)
	resB := newResults()
	p.listen(func(req service.Request) {
		reqs <- req
		acceptWith(t, p.b, setB, union.Options{}, resB)(req)
	})
	resA := newResults()
	_, err := p.a.Evaluate(setA, p.peerB, testApp, []byte("ctx"), union.Options{}, resA.handler)
	require.NoError(t, err)

	ra := resA.wait(t)
	rb := resB.wait(t)
	requireDone(t, ra, 4)
	requireDone(t, rb, 4)
	require.Equal(t, []string{"baz", "quux"}, added(ra, union.StatusAddLocal))
	require.Equal(t, []string{"bar"}, added(rb, union.StatusAddLocal))

	req := <-reqs
	require.Equal(t, p.peerA, req.Peer)
	require.Equal(t, testApp, req.AppID)
	require.Equal(t, uint64(2), req.ElementCount)
	require.Equal(t, []byte("ctx"), req.Context)

	// received elements are merged into the sets
	for _, set := range []struct {
		s  *service.Service
		id service.SetID
	}{{p.a, setA}, {p.b, setB}} {
		n, err := set.s.Size(set.id)
		require.NoError(t, err)
		require.Equal(t, 4, n)
		els, err := set.s.Elements(set.id)
		require.NoError(t, err)
		var names []string
		for _, el := range els {
			names = append(names, string(el.Data))
		}
		require.ElementsMatch(t, []string{"hello", "bar", "quux", "baz"}, names)
	}
}

func TestUnionEmptyPeer(t *testing.T) {
	p := newPair(t)
	setA := makeSet(t, p.a, items("x", 50)...)
	setB := makeSet(t, p.b)
	resB := newResults()
	p.listen(acceptWith(t, p.b, setB, union.Options{}, resB))
	resA := newResults()
	_, err := p.a.Evaluate(setA, p.peerB, testApp, nil, union.Options{}, resA.handler)
	require.NoError(t, err)
	ra := resA.wait(t)
	rb := resB.wait(t)
	requireDone(t, ra, 50)
	requireDone(t, rb, 50)
	require.Empty(t, added(ra, union.StatusAddLocal))
	require.Equal(t, sortedCopy(items("x", 50)), added(rb, union.StatusAddLocal))
}

func sortedCopy(s []string) []string {
	s = slices.Clone(s)
	slices.Sort(s)
	return s
}

func TestUnionIBF(t *testing.T) {
	p := newPair(t)
	common := items("common", 500)
	setA := makeSet(t, p.a, append(slices.Clone(common), items("a", 10)...)...)
	setB := makeSet(t, p.b, append(slices.Clone(common), items("b", 8)...)...)
	resB := newResults()
	opts := union.Options{Symmetric: true}
	p.listen(acceptWith(t, p.b, setB, opts, resB))
	resA := newResults()
	_, err := p.a.Evaluate(setA, p.peerB, testApp, nil, opts, resA.handler)
	require.NoError(t, err)
	ra := resA.wait(t)
	rb := resB.wait(t)
	requireDone(t, ra, 518)
	requireDone(t, rb, 518)
	require.Equal(t, sortedCopy(items("b", 8)), added(ra, union.StatusAddLocal))
	require.Equal(t, sortedCopy(items("a", 10)), added(rb, union.StatusAddLocal))
	require.Equal(t, sortedCopy(items("a", 10)), added(ra, union.StatusAddRemote))
	require.Equal(t, sortedCopy(items("b", 8)), added(rb, union.StatusAddRemote))
}

func TestConcurrentOperations(t *testing.T) {
	net := transport.NewMemNetwork()
	hub := startService(t, net.AddHost("hub"))
	hubSet := makeSet(t, hub, "common", "hub")
	stop, err := hub.Listen(testApp, func(req service.Request) {
		_, err := hub.Accept(req.ID, hubSet, union.Options{}, nil)
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	defer stop()

	const n = 5
	var wg sync.WaitGroup
	for i := range n {
		s := startService(t, net.AddHost(transport.Peer(fmt.Sprintf("peer-%d", i))))
		set := makeSet(t, s, "common", fmt.Sprintf("peer-%d", i))
		res := newResults()
		_, err := s.Evaluate(set, "hub", testApp, nil, union.Options{}, res.handler)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs := res.wait(t)
			assert.Equal(t, union.StatusDone, rs[len(rs)-1].Status)
			assert.Contains(t, added(rs, union.StatusAddLocal), "hub")
		}()
	}
	wg.Wait()
	// each operation sees the hub set as it was when it was accepted, so
	// the hub ends up with every peer's element
	require.Eventually(t, func() bool {
		n, err := hub.Size(hubSet)
		return err == nil && n == 2+5
	}, waitTimeout, 10*time.Millisecond)
}

func TestNoListener(t *testing.T) {
	p := newPair(t)
	setA := makeSet(t, p.a, "a")
	resA := newResults()
	_, err := p.a.Evaluate(setA, p.peerB, testApp, nil, union.Options{}, resA.handler)
	require.NoError(t, err)
	requireFailure(t, resA.wait(t), union.ErrChannelClosed)
}

func TestReject(t *testing.T) {
	p := newPair(t)
	setA := makeSet(t, p.a, "a")
	p.listen(func(req service.Request) {
		assert.NoError(t, p.b.Reject(req.ID))
		assert.ErrorIs(t, p.b.Reject(req.ID), service.ErrUnknownRequest)
	})
	resA := newResults()
	_, err := p.a.Evaluate(setA, p.peerB, testApp, nil, union.Options{}, resA.handler)
	require.NoError(t, err)
	requireFailure(t, resA.wait(t), union.ErrChannelClosed)
}

func TestIncomingTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newPair(t, service.WithClock(clock), service.WithIncomingTimeout(time.Minute))
	setA := makeSet(t, p.a, "a")
	setB := makeSet(t, p.b, "b")
	reqs := make(chan service.Request, 1)
	p.listen(func(req service.Request) { reqs <- req })
	resA := newResults()
	_, err := p.a.Evaluate(setA, p.peerB, testApp, nil, union.Options{}, resA.handler)
	require.NoError(t, err)

	var req service.Request
	select {
	case req = <-reqs:
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for the request")
	}
	clock.Advance(59 * time.Second)
	resA.requireNone(t)
	clock.Advance(time.Second)
	requireFailure(t, resA.wait(t), union.ErrChannelClosed)
	_, err = p.b.Accept(req.ID, setB, union.Options{}, nil)
	require.ErrorIs(t, err, service.ErrUnknownRequest)
}

func TestAcceptErrors(t *testing.T) {
	p := newPair(t)
	setA := makeSet(t, p.a, "a")
	reqs := make(chan service.Request, 1)
	p.listen(func(req service.Request) { reqs <- req })
	resA := newResults()
	_, err := p.a.Evaluate(setA, p.peerB, testApp, nil, union.Options{}, resA.handler)
	require.NoError(t, err)
	req := <-reqs
	_, err = p.b.Accept(req.ID, 12345, union.Options{}, nil)
	require.ErrorIs(t, err, service.ErrUnknownSet)
	// the request is still pending
	setB := makeSet(t, p.b)
	resB := newResults()
	_, err = p.b.Accept(req.ID, setB, union.Options{}, resB.handler)
	require.NoError(t, err)
	requireDone(t, resA.wait(t), 1)
	requireDone(t, resB.wait(t), 1)
}

func TestListen(t *testing.T) {
	p := newPair(t)
	stop, err := p.b.Listen(testApp, func(service.Request) {})
	require.NoError(t, err)
	_, err = p.b.Listen(testApp, func(service.Request) {})
	require.ErrorIs(t, err, service.ErrAlreadyListening)
	stop()
	stop, err = p.b.Listen(testApp, func(service.Request) {})
	require.NoError(t, err)
	stop()
}

type fakeChannel struct {
	peer      transport.Peer
	mu        sync.Mutex
	sent      [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel(p transport.Peer) *fakeChannel {
	return &fakeChannel{peer: p, closed: make(chan struct{})}
}

func (ch *fakeChannel) Peer() transport.Peer { return ch.peer }

func (ch *fakeChannel) Send(msg []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sent = append(ch.sent, msg)
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.closed) })
	return nil
}

func (ch *fakeChannel) numSent() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sent)
}

// gatedNet delivers the channel only after release is closed.
type gatedNet struct {
	opened  chan struct{}
	release chan struct{}
	ch      *fakeChannel
}

func (n *gatedNet) Open(ctx context.Context, p transport.Peer) (transport.Channel, error) {
	close(n.opened)
	<-n.release
	return n.ch, nil
}

func (n *gatedNet) SetHandler(transport.Handler) {}

func TestCancelBeforeConnect(t *testing.T) {
	net := &gatedNet{
		opened:  make(chan struct{}),
		release: make(chan struct{}),
		ch:      newFakeChannel("b"),
	}
	s := startService(t, net)
	set := makeSet(t, s, "a", "b")
	res := newResults()
	id, err := s.Evaluate(set, "b", testApp, nil, union.Options{}, res.handler)
	require.NoError(t, err)
	<-net.opened
	require.NoError(t, s.Cancel(id))
	require.ErrorIs(t, s.Cancel(id), service.ErrUnknownOperation)
	close(net.release)
	select {
	case <-net.ch.closed:
	case <-time.After(waitTimeout):
		require.FailNow(t, "channel not closed")
	}
	require.Zero(t, net.ch.numSent())
	res.requireNone(t)
}

// blockingNet blocks in Open until the context is canceled.
type blockingNet struct {
	canceled chan error
}

func (n *blockingNet) Open(ctx context.Context, p transport.Peer) (transport.Channel, error) {
	<-ctx.Done()
	n.canceled <- ctx.Err()
	return nil, ctx.Err()
}

func (n *blockingNet) SetHandler(transport.Handler) {}

func TestCancelAbortsOpen(t *testing.T) {
	net := &blockingNet{canceled: make(chan error, 1)}
	s := startService(t, net)
	set := makeSet(t, s, "a")
	res := newResults()
	id, err := s.Evaluate(set, "b", testApp, nil, union.Options{}, res.handler)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(id))
	select {
	case err := <-net.canceled:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		require.FailNow(t, "open not canceled")
	}
	res.requireNone(t)
}

func TestOpenFailure(t *testing.T) {
	p := newPair(t)
	setA := makeSet(t, p.a, "a")
	resA := newResults()
	_, err := p.a.Evaluate(setA, "nobody", testApp, nil, union.Options{}, resA.handler)
	require.NoError(t, err)
	rs := resA.wait(t)
	requireFailure(t, rs, union.ErrChannelClosed)
	require.ErrorIs(t, rs[0].Err, transport.ErrUnknownPeer)
}

type channelEvents struct {
	msgs   chan []byte
	closed chan struct{}
}

func newChannelEvents() *channelEvents {
	return &channelEvents{msgs: make(chan []byte, 100), closed: make(chan struct{})}
}

func (ev *channelEvents) HandleChannel(ch transport.Channel) { ch.Close() }

func (ev *channelEvents) HandleMessage(_ transport.Channel, msg []byte) { ev.msgs <- msg }

func (ev *channelEvents) HandleClose(transport.Channel) { close(ev.closed) }

func (ev *channelEvents) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-ev.closed:
	case <-time.After(waitTimeout):
		require.FailNow(t, "channel not closed")
	}
}

func TestMalformedMessages(t *testing.T) {
	p := newPair(t)
	setB := makeSet(t, p.b, "b")
	resB := newResults()
	p.listen(acceptWith(t, p.b, setB, union.Options{}, resB))

	t.Run("garbage instead of request", func(t *testing.T) {
		raw := p.net.AddHost("raw1")
		ev := newChannelEvents()
		raw.SetHandler(ev)
		ch, err := raw.Open(context.Background(), p.peerB)
		require.NoError(t, err)
		require.NoError(t, ch.Send([]byte{1, 2, 3}))
		ev.waitClosed(t)
		resB.requireNone(t)
	})

	t.Run("unexpected first message", func(t *testing.T) {
		raw := p.net.AddHost("raw2")
		ev := newChannelEvents()
		raw.SetHandler(ev)
		ch, err := raw.Open(context.Background(), p.peerB)
		require.NoError(t, err)
		require.NoError(t, ch.Send(union.Encode(&union.DoneMessage{})))
		ev.waitClosed(t)
		resB.requireNone(t)
	})

	t.Run("garbage after request", func(t *testing.T) {
		raw := p.net.AddHost("raw3")
		ev := newChannelEvents()
		raw.SetHandler(ev)
		ch, err := raw.Open(context.Background(), p.peerB)
		require.NoError(t, err)
		require.NoError(t, ch.Send(union.Encode(&union.OperationRequestMessage{
			ElementCount: 1,
			AppID:        testApp,
		})))
		select {
		case msg := <-ev.msgs:
			m, err := union.Decode(msg)
			require.NoError(t, err)
			require.Equal(t, union.MessageTypeStrataEstimator, m.Type())
		case <-time.After(waitTimeout):
			require.FailNow(t, "no strata estimator received")
		}
		// an offer with a partial hash
		require.NoError(t, ch.Send([]byte{0, 0, 0, 7, 0, byte(union.MessageTypeOffer), 1}))
		requireFailure(t, resB.wait(t), union.ErrMalformed)
		ev.waitClosed(t)
	})
}

func TestSets(t *testing.T) {
	p := newPair(t)
	id := makeSet(t, p.a, "a", "b")
	added, err := p.a.Add(id, elem("a"))
	require.NoError(t, err)
	require.False(t, added)
	_, err = p.a.Add(id, setstore.Element{Data: make([]byte, setstore.MaxElementSize+1)})
	require.ErrorIs(t, err, setstore.ErrElementTooLarge)
	els, err := p.a.Elements(id)
	require.NoError(t, err)
	require.Equal(t, []setstore.Element{elem("a"), elem("b")}, els)

	require.NoError(t, p.a.DestroySet(id))
	require.ErrorIs(t, p.a.DestroySet(id), service.ErrUnknownSet)
	_, err = p.a.Add(id, elem("c"))
	require.ErrorIs(t, err, service.ErrUnknownSet)
	_, err = p.a.Size(id)
	require.ErrorIs(t, err, service.ErrUnknownSet)
	_, err = p.a.Evaluate(id, p.peerB, testApp, nil, union.Options{}, nil)
	require.ErrorIs(t, err, service.ErrUnknownSet)
}

func TestDestroySetDuringOperation(t *testing.T) {
	net := &gatedNet{
		opened:  make(chan struct{}),
		release: make(chan struct{}),
		ch:      newFakeChannel("b"),
	}
	s := startService(t, net)
	set := makeSet(t, s, "a")
	res := newResults()
	id, err := s.Evaluate(set, "b", testApp, nil, union.Options{}, res.handler)
	require.NoError(t, err)
	<-net.opened
	require.NoError(t, s.DestroySet(set))
	_, err = s.Size(set)
	require.ErrorIs(t, err, service.ErrUnknownSet)
	close(net.release)
	// the operation still runs with the destroyed set
	require.Eventually(t, func() bool { return net.ch.numSent() == 1 }, waitTimeout, time.Millisecond)
	require.NoError(t, s.Cancel(id))
	<-net.ch.closed
}

func TestStopped(t *testing.T) {
	s := service.New(transport.NewMemNetwork().AddHost("x"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	_, err := s.CreateSet()
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)
	_, err = s.CreateSet()
	require.ErrorIs(t, err, service.ErrStopped)
}
