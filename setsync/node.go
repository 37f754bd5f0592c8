package setsync

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-setunion/metrics"
	"github.com/spacemeshos/go-setunion/setsync/ipc"
	"github.com/spacemeshos/go-setunion/setsync/service"
	"github.com/spacemeshos/go-setunion/setsync/transport"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

// LoadIdentity reads the libp2p private key from the file, generating and
// saving a new key if the file doesn't exist.
func LoadIdentity(path string) (crypto.PrivKey, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("decode identity %s: %w", path, err)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read identity: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	b, err = crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return key, nil
}

// NewHost creates a libp2p host listening on the configured addresses.
func NewHost(cfg Config, key crypto.PrivKey) (host.Host, error) {
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.Listen...),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	return h, nil
}

// Node runs the set union service on a libp2p host and serves local clients
// on a unix socket.
type Node struct {
	logger *zap.Logger
	cfg    Config
	net    *transport.P2PNetwork
	svc    *service.Service
	srv    *ipc.Server
}

// NewNode creates a Node using the host.
func NewNode(logger *zap.Logger, h host.Host, cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bad config: %w", err)
	}
	n := &Node{logger: logger, cfg: cfg}
	n.net = transport.NewP2PNetwork(h,
		transport.WithLogger(logger.Named("transport")),
		transport.WithProtocol(cfg.Protocol),
		transport.WithMaxMessageSize(cfg.MaxMessageSize))
	n.svc = service.New(n.net,
		service.WithLogger(logger.Named("service")),
		service.WithIncomingTimeout(cfg.IncomingTimeout),
		service.WithStrataParams(cfg.Strata),
		service.WithOperationOpts(
			union.WithMaxIBFOrder(cfg.MaxIBFOrder),
			union.WithIBFHashNum(cfg.IBFHashNum)))
	n.srv = ipc.NewServer(n.svc,
		ipc.WithServerLogger(logger.Named("ipc")),
		ipc.WithAddressBook(n.net),
		ipc.WithAddressTTL(cfg.AddressTTL))
	return n, nil
}

// Service returns the set union service of the node.
func (n *Node) Service() *service.Service {
	return n.svc
}

// listenUnix listens on the socket, replacing a stale socket file left by a
// node that didn't exit cleanly. The returned lock keeps other nodes from
// taking over the socket.
func listenUnix(path string) (net.Listener, *flock.Flock, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("flock %s: %w", fl.Path(), err)
	} else if !locked {
		return nil, nil, fmt.Errorf("socket %s is used by another node (locking file %s)", path, fl.Path())
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fl.Unlock()
		return nil, nil, fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		fl.Unlock()
		return nil, nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return l, fl, nil
}

// Run runs the node until the context is canceled.
func (n *Node) Run(ctx context.Context) error {
	l, fl, err := listenUnix(n.cfg.IPCSocket)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	defer os.Remove(n.cfg.IPCSocket)
	defer n.net.Close()
	h := n.net.Host()
	n.logger.Info("node started",
		zap.Stringer("id", h.ID()),
		zap.Any("addrs", h.Addrs()),
		zap.String("ipc", n.cfg.IPCSocket))
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return n.svc.Run(ctx) })
	eg.Go(func() error { return n.srv.Serve(ctx, l) })
	if n.cfg.MetricsListen != "" {
		eg.Go(func() error { return metrics.Serve(ctx, n.logger, n.cfg.MetricsListen) })
	}
	if n.cfg.MetricsPush != "" {
		eg.Go(func() error {
			metrics.Push(ctx, n.logger, n.cfg.MetricsPush, h.ID().String(), n.cfg.MetricsPushPeriod)
			return nil
		})
	}
	return eg.Wait()
}
