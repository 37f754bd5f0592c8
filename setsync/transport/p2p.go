package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	// DefaultProtocol is the libp2p protocol id used for set union channels.
	DefaultProtocol = "/setunion/1"
	// DefaultMaxMessageSize is the default limit on received message size.
	DefaultMaxMessageSize = 1 << 20
)

// P2POpt is an option for P2PNetwork.
type P2POpt func(*P2PNetwork)

// WithLogger specifies the logger for P2PNetwork.
func WithLogger(logger *zap.Logger) P2POpt {
	return func(n *P2PNetwork) {
		n.logger = logger
	}
}

// WithProtocol specifies the libp2p protocol id.
func WithProtocol(proto string) P2POpt {
	return func(n *P2PNetwork) {
		n.proto = protocol.ID(proto)
	}
}

// WithMaxMessageSize specifies the limit on message size. Peers sending
// larger messages have their channel reset.
func WithMaxMessageSize(size int) P2POpt {
	return func(n *P2PNetwork) {
		n.maxMessageSize = size
	}
}

// P2PNetwork runs each channel over its own libp2p stream, with messages
// framed by varint length prefixes.
type P2PNetwork struct {
	logger         *zap.Logger
	h              host.Host
	proto          protocol.ID
	maxMessageSize int

	mu      sync.Mutex
	handler Handler
}

var _ Network = &P2PNetwork{}

// NewP2PNetwork creates a P2PNetwork and registers its stream handler with
// the host.
func NewP2PNetwork(h host.Host, opts ...P2POpt) *P2PNetwork {
	n := &P2PNetwork{
		logger:         zap.NewNop(),
		h:              h,
		proto:          DefaultProtocol,
		maxMessageSize: DefaultMaxMessageSize,
		handler:        nopHandler{},
	}
	for _, opt := range opts {
		opt(n)
	}
	h.SetStreamHandler(n.proto, n.handleStream)
	return n
}

// Host returns the underlying libp2p host.
func (n *P2PNetwork) Host() host.Host {
	return n.h
}

// SetHandler implements Network.
func (n *P2PNetwork) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

func (n *P2PNetwork) getHandler() Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handler
}

// AddAddrs records the addresses of the peer in the host's peerstore.
func (n *P2PNetwork) AddAddrs(p peer.ID, addrs []multiaddr.Multiaddr, ttl time.Duration) {
	n.h.Peerstore().AddAddrs(p, addrs, ttl)
}

// Close unregisters the stream handler. Open channels are not closed.
func (n *P2PNetwork) Close() {
	n.h.RemoveStreamHandler(n.proto)
}

// Open implements Network.
func (n *P2PNetwork) Open(ctx context.Context, p Peer) (Channel, error) {
	s, err := n.h.NewStream(ctx, p, n.proto)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", p, err)
	}
	ch := n.newChannel(s)
	go ch.readLoop(n.getHandler())
	return ch, nil
}

func (n *P2PNetwork) handleStream(s network.Stream) {
	ch := n.newChannel(s)
	handler := n.getHandler()
	handler.HandleChannel(ch)
	ch.readLoop(handler)
}

func (n *P2PNetwork) newChannel(s network.Stream) *p2pChannel {
	ch := &p2pChannel{
		n:      n,
		s:      s,
		logger: n.logger.With(zap.Stringer("peer", s.Conn().RemotePeer())),
		outbox: newQueue(),
	}
	go ch.writeLoop()
	return ch
}

// p2pChannel queues outgoing messages so that Send never blocks on the
// network. Close flushes the queued messages before closing the stream.
type p2pChannel struct {
	n      *P2PNetwork
	s      network.Stream
	logger *zap.Logger
	outbox *queue
}

var _ Channel = &p2pChannel{}

func (ch *p2pChannel) Peer() Peer {
	return ch.s.Conn().RemotePeer()
}

func (ch *p2pChannel) Send(msg []byte) error {
	if len(msg) > ch.n.maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	if !ch.outbox.push(slices.Clone(msg)) {
		return ErrClosed
	}
	return nil
}

func (ch *p2pChannel) Close() error {
	ch.outbox.close()
	return nil
}

func (ch *p2pChannel) writeLoop() {
	w := msgio.NewVarintWriter(ch.s)
	for {
		msg, ok := ch.outbox.pop()
		if !ok {
			ch.s.Close()
			return
		}
		if err := w.WriteMsg(msg); err != nil {
			ch.logger.Debug("channel write failed", zap.Error(err))
			ch.outbox.close()
			ch.s.Reset()
			return
		}
	}
}

func (ch *p2pChannel) readLoop(handler Handler) {
	defer handler.HandleClose(ch)
	r := msgio.NewVarintReaderSize(ch.s, ch.n.maxMessageSize)
	for {
		msg, err := r.ReadMsg()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			ch.logger.Debug("channel closed by peer")
			ch.outbox.close()
			return
		case errors.Is(err, msgio.ErrMsgTooLarge):
			ch.logger.Warn("peer sent a message that is too large",
				zap.Int("limit", ch.n.maxMessageSize))
			ch.outbox.close()
			ch.s.Reset()
			return
		default:
			ch.logger.Debug("channel read failed", zap.Error(err))
			ch.outbox.close()
			ch.s.Reset()
			return
		}
		m := slices.Clone(msg)
		r.ReleaseMsg(msg)
		handler.HandleMessage(ch, m)
	}
}
