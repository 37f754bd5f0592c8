package setsync

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-setunion/setsync/ipc"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	for _, tc := range []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"no socket", func(cfg *Config) { cfg.IPCSocket = "" }},
		{"small messages", func(cfg *Config) { cfg.MaxMessageSize = 1000 }},
		{"zero timeout", func(cfg *Config) { cfg.IncomingTimeout = 0 }},
		{"zero IBF order", func(cfg *Config) { cfg.MaxIBFOrder = 0 }},
		{"huge IBF order", func(cfg *Config) { cfg.MaxIBFOrder = 25 }},
		{"zero hash num", func(cfg *Config) { cfg.IBFHashNum = 0 }},
		{"zero push period", func(cfg *Config) {
			cfg.MetricsPush = "http://localhost:9091"
			cfg.MetricsPushPeriod = 0
		}},
		{"bad strata", func(cfg *Config) { cfg.Strata.StrataCount = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")
	key, err := LoadIdentity(path)
	require.NoError(t, err)
	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	require.True(t, key.Equals(loaded))
}

func TestNodes(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	var eg errgroup.Group
	t.Cleanup(func() {
		stop()
		require.NoError(t, eg.Wait())
	})
	var clients []*ipc.Client
	for i, h := range mn.Hosts() {
		cfg := DefaultConfig()
		cfg.IPCSocket = filepath.Join(t.TempDir(), "s.sock")
		n, err := NewNode(zaptest.NewLogger(t).Named(h.ID().ShortString()), h, cfg)
		require.NoError(t, err)
		eg.Go(func() error { return n.Run(runCtx) })
		require.Eventually(t, func() bool {
			c, err := ipc.Dial(ctx, "unix", cfg.IPCSocket)
			if err != nil {
				return false
			}
			t.Cleanup(func() { c.Close() })
			clients = append(clients, c)
			return true
		}, 5*time.Second, 10*time.Millisecond, "node %d", i)
	}

	app := union.AppIDFromString("nodes")
	var sets []uint64
	for i, c := range clients {
		set, err := c.CreateSet(ctx)
		require.NoError(t, err)
		for _, s := range []string{"common", string(rune('a' + i))} {
			_, err := c.Add(ctx, set, setstore.Element{Data: []byte(s)})
			require.NoError(t, err)
		}
		sets = append(sets, set)
	}
	require.NoError(t, clients[1].Listen(ctx, app))
	op, err := clients[0].Evaluate(ctx, sets[0], mn.Hosts()[1].ID(), nil, app, nil, union.Options{})
	require.NoError(t, err)
	var req *ipc.IncomingRequestMessage
	select {
	case req = <-clients[1].Requests():
	case <-ctx.Done():
		require.FailNow(t, "no incoming request")
	}
	_, err = clients[1].Accept(ctx, req.RequestID, sets[1], union.Options{})
	require.NoError(t, err)

	var local []string
	for r := range clients[0].Results() {
		require.Equal(t, op, r.OpID)
		if r.StatusValue() == union.StatusAddLocal {
			local = append(local, string(r.Data))
		}
		if r.Final() {
			require.Equal(t, union.StatusDone, r.StatusValue(), r.Error)
			require.Equal(t, uint64(3), r.CurrentSize)
			break
		}
	}
	require.Equal(t, []string{"b"}, local)
}

func TestSocketLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.sock")
	l, fl, err := listenUnix(path)
	require.NoError(t, err)
	_, _, err = listenUnix(path)
	require.ErrorContains(t, err, "used by another node")
	require.NoError(t, fl.Unlock())

	// the socket file is left behind as if the node crashed
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	l, fl, err = listenUnix(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, fl.Unlock())
}
