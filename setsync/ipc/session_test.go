package ipc_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-setunion/setsync/ipc"
	"github.com/spacemeshos/go-setunion/setsync/ipc/mocks"
	"github.com/spacemeshos/go-setunion/setsync/service"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

type mockServer struct {
	backend *mocks.MockBackend
	book    *mocks.MockAddressBook
	path    string
}

func startMockServer(t *testing.T) *mockServer {
	ctrl := gomock.NewController(t)
	s := &mockServer{
		backend: mocks.NewMockBackend(ctrl),
		book:    mocks.NewMockAddressBook(ctrl),
		path:    filepath.Join(t.TempDir(), "s.sock"),
	}
	l, err := net.Listen("unix", s.path)
	require.NoError(t, err)
	srv := ipc.NewServer(s.backend,
		ipc.WithServerLogger(zaptest.NewLogger(t)),
		ipc.WithAddressBook(s.book))
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return srv.Serve(ctx, l) })
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})
	return s
}

func TestBackendError(t *testing.T) {
	s := startMockServer(t)
	s.backend.EXPECT().CreateSet().Return(service.SetID(0), errors.New("boom"))
	c := dial(t, &node{path: s.path})
	_, err := c.CreateSet(testContext(t))
	require.ErrorIs(t, err, ipc.ErrRemote)
	require.ErrorContains(t, err, "boom")
}

func TestSessionCleanup(t *testing.T) {
	s := startMockServer(t)
	c := dial(t, &node{path: s.path})
	ctx := testContext(t)
	p := test.RandPeerIDFatal(t)
	addr := multiaddr.StringCast("/ip4/127.0.0.1/tcp/4001")

	s.backend.EXPECT().CreateSet().Return(service.SetID(5), nil)
	set, err := c.CreateSet(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), set)

	requestHandlers := make(chan service.RequestHandler, 1)
	stopped := make(chan struct{})
	s.backend.EXPECT().Listen(testApp, gomock.Any()).DoAndReturn(
		func(_ union.AppID, handler service.RequestHandler) (func(), error) {
			requestHandlers <- handler
			return func() { close(stopped) }, nil
		})
	require.NoError(t, c.Listen(ctx, testApp))

	resultHandlers := make(chan service.ResultHandler, 1)
	s.book.EXPECT().AddAddrs(p, gomock.Any(), ipc.DefaultAddressTTL).Do(
		func(_ any, addrs []multiaddr.Multiaddr, _ any) {
			if assert.Len(t, addrs, 1) {
				assert.True(t, addr.Equal(addrs[0]))
			}
		})
	s.backend.EXPECT().Evaluate(service.SetID(5), p, testApp, []byte("ctx"), union.Options{Symmetric: true}, gomock.Any()).
		DoAndReturn(func(
			_ service.SetID, _ any, _ union.AppID, _ []byte, _ union.Options, handler service.ResultHandler,
		) (service.OpID, error) {
			resultHandlers <- handler
			return service.OpID(7), nil
		})
	op, err := c.Evaluate(ctx, set, p, []multiaddr.Multiaddr{addr}, testApp, []byte("ctx"), union.Options{Symmetric: true})
	require.NoError(t, err)
	require.Equal(t, uint64(7), op)

	onResult := <-resultHandlers
	onResult(7, union.Result{Status: union.StatusAddRemote})
	r := <-c.Results()
	require.Equal(t, uint64(7), r.OpID)
	require.Equal(t, union.StatusAddRemote, r.StatusValue())

	onRequest := <-requestHandlers
	onRequest(service.Request{ID: 9, Peer: p, AppID: testApp, ElementCount: 3})
	req := <-c.Requests()
	require.Equal(t, uint64(9), req.RequestID)
	require.Equal(t, []byte(p), req.Peer)
	require.Equal(t, uint64(3), req.ElementCount)

	destroyed := make(chan struct{})
	gomock.InOrder(
		s.backend.EXPECT().Reject(service.RequestID(9)).Return(nil),
		s.backend.EXPECT().Cancel(service.OpID(7)).Return(nil),
		s.backend.EXPECT().DestroySet(service.SetID(5)).DoAndReturn(func(service.SetID) error {
			close(destroyed)
			return nil
		}),
	)
	require.NoError(t, c.Close())
	<-stopped
	<-destroyed
}

func TestFinishedOperationNotCanceled(t *testing.T) {
	s := startMockServer(t)
	c := dial(t, &node{path: s.path})
	ctx := testContext(t)
	p := test.RandPeerIDFatal(t)

	s.backend.EXPECT().CreateSet().Return(service.SetID(1), nil)
	set, err := c.CreateSet(ctx)
	require.NoError(t, err)
	resultHandlers := make(chan service.ResultHandler, 1)
	s.backend.EXPECT().Evaluate(service.SetID(1), p, testApp, nil, union.Options{}, gomock.Any()).
		DoAndReturn(func(
			_ service.SetID, _ any, _ union.AppID, _ []byte, _ union.Options, handler service.ResultHandler,
		) (service.OpID, error) {
			resultHandlers <- handler
			return service.OpID(2), nil
		})
	_, err = c.Evaluate(ctx, set, p, nil, testApp, nil, union.Options{})
	require.NoError(t, err)
	onResult := <-resultHandlers
	onResult(2, union.Result{Status: union.StatusDone, CurrentSize: 1})
	r := <-c.Results()
	require.True(t, r.Final())
	require.ErrorContains(t, c.Cancel(ctx, 2), "unknown operation")

	destroyed := make(chan struct{})
	s.backend.EXPECT().DestroySet(service.SetID(1)).DoAndReturn(func(service.SetID) error {
		close(destroyed)
		return nil
	})
	require.NoError(t, c.Close())
	<-destroyed
}
