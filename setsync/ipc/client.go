package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

// DefaultEventBuffer is the default capacity of the result and the request
// channels of a Client.
const DefaultEventBuffer = 1024

var (
	// ErrRemote wraps the errors reported by the server.
	ErrRemote = errors.New("server error")
	// ErrClientClosed is returned after the connection to the server is
	// closed.
	ErrClientClosed = errors.New("client closed")
)

// ClientOpt is an option for Client.
type ClientOpt func(*Client)

// WithClientLogger specifies the logger for the Client.
func WithClientLogger(logger *zap.Logger) ClientOpt {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEventBuffer specifies the capacity of the result and the request
// channels.
func WithEventBuffer(size int) ClientOpt {
	return func(c *Client) {
		c.eventBuffer = size
	}
}

// Client talks to the set union service. Results and incoming requests are
// delivered on the channels returned by Results and Requests, which must be
// drained, otherwise the responses to the calls stall.
type Client struct {
	logger      *zap.Logger
	conn        *Conn
	eventBuffer int
	results     chan *ResultMessage
	requests    chan *IncomingRequestMessage
	closing     chan struct{}
	closeOnce   sync.Once
	done        chan struct{}

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan Sequenced
	err     error
}

// Dial connects to the server at the address.
func Dial(ctx context.Context, network, address string, opts ...ClientOpt) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewClient(c, opts...), nil
}

// NewClient creates a Client using the connection.
func NewClient(c net.Conn, opts ...ClientOpt) *Client {
	cl := &Client{
		logger:      zap.NewNop(),
		conn:        NewConn(c),
		eventBuffer: DefaultEventBuffer,
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		pending:     make(map[uint64]chan Sequenced),
	}
	for _, opt := range opts {
		opt(cl)
	}
	cl.results = make(chan *ResultMessage, cl.eventBuffer)
	cl.requests = make(chan *IncomingRequestMessage, cl.eventBuffer)
	go cl.readLoop()
	return cl
}

// Results returns the channel of operation results. It's closed when the
// connection is closed.
func (c *Client) Results() <-chan *ResultMessage {
	return c.results
}

// Requests returns the channel of the incoming requests for the application
// ids the client listens on. It's closed when the connection is closed.
func (c *Client) Requests() <-chan *IncomingRequestMessage {
	return c.requests
}

// Done returns a channel that's closed after the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. The server releases everything the client
// owns.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.requests)
	defer close(c.results)
	var err error
	for {
		var m Message
		if m, err = c.conn.Read(); err != nil {
			break
		}
		switch m := m.(type) {
		case *ResultMessage:
			select {
			case c.results <- m:
			case <-c.closing:
			}
		case *IncomingRequestMessage:
			select {
			case c.requests <- m:
			case <-c.closing:
			}
		case Sequenced:
			c.mu.Lock()
			ch, found := c.pending[m.Sequence()]
			delete(c.pending, m.Sequence())
			c.mu.Unlock()
			if !found {
				c.logger.Debug("response to unknown request",
					zap.Uint64("seq", m.Sequence()),
					zap.Stringer("type", m.Type()))
				continue
			}
			ch <- m
		}
	}
	c.logger.Debug("connection closed", zap.Error(err))
	c.conn.Close()
	c.mu.Lock()
	c.err = fmt.Errorf("%w: %w", ErrClientClosed, err)
	c.pending = nil
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) call(ctx context.Context, build func(seq uint64) Sequenced) (Sequenced, error) {
	ch := make(chan Sequenced, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.seq++
	seq := c.seq
	c.pending[seq] = ch
	c.mu.Unlock()
	if err := c.conn.Write(build(seq)); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err
	case resp := <-ch:
		if e, ok := resp.(*ErrorResponse); ok {
			return nil, fmt.Errorf("%w: %s", ErrRemote, e.Message)
		}
		return resp, nil
	}
}

func unexpected(m Message) error {
	return fmt.Errorf("unexpected response %s", m.Type())
}

// CreateSet creates an empty set.
func (c *Client) CreateSet(ctx context.Context) (uint64, error) {
	resp, err := c.call(ctx, func(seq uint64) Sequenced {
		return &CreateSetRequest{Seq: seq}
	})
	if err != nil {
		return 0, err
	}
	created, ok := resp.(*SetCreatedResponse)
	if !ok {
		return 0, unexpected(resp)
	}
	return created.SetID, nil
}

// Add adds the element to the set. It returns false if the element is
// already present.
func (c *Client) Add(ctx context.Context, setID uint64, el setstore.Element) (bool, error) {
	resp, err := c.call(ctx, func(seq uint64) Sequenced {
		return &AddRequest{Seq: seq, SetID: setID, ElementType: el.Type, Data: el.Data}
	})
	if err != nil {
		return false, err
	}
	ack, ok := resp.(*AckResponse)
	if !ok {
		return false, unexpected(resp)
	}
	return ack.Added, nil
}

func (c *Client) ack(ctx context.Context, build func(seq uint64) Sequenced) error {
	resp, err := c.call(ctx, build)
	if err != nil {
		return err
	}
	if _, ok := resp.(*AckResponse); !ok {
		return unexpected(resp)
	}
	return nil
}

func (c *Client) started(ctx context.Context, build func(seq uint64) Sequenced) (uint64, error) {
	resp, err := c.call(ctx, build)
	if err != nil {
		return 0, err
	}
	started, ok := resp.(*OpStartedResponse)
	if !ok {
		return 0, unexpected(resp)
	}
	return started.OpID, nil
}

// DestroySet destroys the set.
func (c *Client) DestroySet(ctx context.Context, setID uint64) error {
	return c.ack(ctx, func(seq uint64) Sequenced {
		return &DestroySetRequest{Seq: seq, SetID: setID}
	})
}

// Listen subscribes to the requests for the application id.
func (c *Client) Listen(ctx context.Context, appID union.AppID) error {
	return c.ack(ctx, func(seq uint64) Sequenced {
		return &ListenRequest{Seq: seq, AppID: appID}
	})
}

// Evaluate starts a union operation with the peer. The addresses are
// optional.
func (c *Client) Evaluate(
	ctx context.Context,
	setID uint64,
	p peer.ID,
	addrs []multiaddr.Multiaddr,
	appID union.AppID,
	context []byte,
	options union.Options,
) (uint64, error) {
	var encoded [][]byte
	for _, addr := range addrs {
		encoded = append(encoded, addr.Bytes())
	}
	return c.started(ctx, func(seq uint64) Sequenced {
		return &EvaluateRequest{
			Seq:     seq,
			SetID:   setID,
			Peer:    []byte(p),
			Addrs:   encoded,
			AppID:   appID,
			Context: context,
			Options: OptionsFrom(options),
		}
	})
}

// Accept accepts the incoming request with the set.
func (c *Client) Accept(ctx context.Context, reqID, setID uint64, options union.Options) (uint64, error) {
	return c.started(ctx, func(seq uint64) Sequenced {
		return &AcceptRequest{Seq: seq, RequestID: reqID, SetID: setID, Options: OptionsFrom(options)}
	})
}

// Reject rejects the incoming request.
func (c *Client) Reject(ctx context.Context, reqID uint64) error {
	return c.ack(ctx, func(seq uint64) Sequenced {
		return &RejectRequest{Seq: seq, RequestID: reqID}
	})
}

// Cancel cancels the operation.
func (c *Client) Cancel(ctx context.Context, opID uint64) error {
	return c.ack(ctx, func(seq uint64) Sequenced {
		return &CancelRequest{Seq: seq, OpID: opID}
	})
}
