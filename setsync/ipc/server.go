package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-setunion/setsync/service"
	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/transport"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

// DefaultOutboxSize is the default number of messages queued for a client
// before it's disconnected.
const DefaultOutboxSize = 4096

// DefaultAddressTTL is the default time the addresses supplied by clients
// are kept.
const DefaultAddressTTL = 10 * time.Minute

//go:generate mockgen -package=mocks -destination=./mocks/mocks.go -source=./server.go

// Backend runs the requests of the clients.
type Backend interface {
	CreateSet() (service.SetID, error)
	Add(id service.SetID, el setstore.Element) (bool, error)
	DestroySet(id service.SetID) error
	Listen(appID union.AppID, handler service.RequestHandler) (func(), error)
	Evaluate(
		setID service.SetID,
		peer transport.Peer,
		appID union.AppID,
		context []byte,
		options union.Options,
		handler service.ResultHandler,
	) (service.OpID, error)
	Accept(
		reqID service.RequestID,
		setID service.SetID,
		options union.Options,
		handler service.ResultHandler,
	) (service.OpID, error)
	Reject(reqID service.RequestID) error
	Cancel(id service.OpID) error
}

var _ Backend = &service.Service{}

// AddressBook records peer addresses supplied by the clients.
type AddressBook interface {
	AddAddrs(p peer.ID, addrs []multiaddr.Multiaddr, ttl time.Duration)
}

// ServerOpt is an option for Server.
type ServerOpt func(*Server)

// WithServerLogger specifies the logger for the Server.
func WithServerLogger(logger *zap.Logger) ServerOpt {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAddressBook specifies where the peer addresses in evaluate requests
// are stored.
func WithAddressBook(book AddressBook) ServerOpt {
	return func(s *Server) {
		s.book = book
	}
}

// WithAddressTTL specifies how long the peer addresses in evaluate requests
// are kept.
func WithAddressTTL(ttl time.Duration) ServerOpt {
	return func(s *Server) {
		s.addrTTL = ttl
	}
}

// WithOutboxSize specifies how many messages may be queued for a client.
func WithOutboxSize(size int) ServerOpt {
	return func(s *Server) {
		s.outboxSize = size
	}
}

// Server serves local clients. The sets, operations, listeners and pending
// requests of a client are released when it disconnects.
type Server struct {
	logger     *zap.Logger
	backend    Backend
	book       AddressBook
	addrTTL    time.Duration
	outboxSize int
}

// NewServer creates a Server for the backend.
func NewServer(backend Backend, opts ...ServerOpt) *Server {
	s := &Server{
		logger:     zap.NewNop(),
		backend:    backend,
		addrTTL:    DefaultAddressTTL,
		outboxSize: DefaultOutboxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts clients on the listener until the context is canceled.
// The listener is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var eg errgroup.Group
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg.Go(func() error {
		<-ctx.Done()
		l.Close()
		return nil
	})
	var err error
	for {
		var c net.Conn
		c, err = l.Accept()
		if err != nil {
			break
		}
		sess := s.newSession(c)
		eg.Go(func() error {
			sess.run(ctx)
			return nil
		})
	}
	cancel()
	eg.Wait()
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type session struct {
	s      *Server
	logger *zap.Logger
	conn   *Conn
	out    chan Message
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sets      map[service.SetID]struct{}
	ops       map[service.OpID]struct{}
	requests  map[service.RequestID]struct{}
	listeners map[union.AppID]func()
}

func (s *Server) newSession(c net.Conn) *session {
	return &session{
		s:         s,
		logger:    s.logger.With(zap.Stringer("client", c.RemoteAddr())),
		conn:      NewConn(c),
		out:       make(chan Message, s.outboxSize),
		done:      make(chan struct{}),
		sets:      make(map[service.SetID]struct{}),
		ops:       make(map[service.OpID]struct{}),
		requests:  make(map[service.RequestID]struct{}),
		listeners: make(map[union.AppID]func()),
	}
}

func (ss *session) close() {
	ss.once.Do(func() {
		close(ss.done)
		ss.conn.Close()
	})
}

func (ss *session) run(ctx context.Context) {
	ss.logger.Debug("client connected")
	stop := context.AfterFunc(ctx, ss.close)
	defer stop()
	var eg errgroup.Group
	eg.Go(func() error {
		ss.writeLoop()
		return nil
	})
	for {
		m, err := ss.conn.Read()
		if err != nil {
			select {
			case <-ss.done:
			default:
				ss.logger.Debug("client disconnected", zap.Error(err))
			}
			break
		}
		if !ss.handle(m) {
			break
		}
	}
	ss.close()
	eg.Wait()
	ss.cleanup()
}

func (ss *session) writeLoop() {
	for {
		select {
		case <-ss.done:
			return
		case m := <-ss.out:
			if err := ss.conn.Write(m); err != nil {
				ss.logger.Debug("write failed", zap.Error(err))
				ss.close()
				return
			}
		}
	}
}

// send queues the message for the client. A client that doesn't keep up
// with its messages is disconnected.
func (ss *session) send(m Message) {
	select {
	case <-ss.done:
	case ss.out <- m:
	default:
		ss.logger.Warn("client outbox full, disconnecting")
		ss.close()
	}
}

func (ss *session) fail(seq uint64, err error) {
	ss.send(&ErrorResponse{Seq: seq, Message: err.Error()})
}

func (ss *session) ownsSet(id service.SetID) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, found := ss.sets[id]
	return found
}

func (ss *session) takeRequest(id service.RequestID) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, found := ss.requests[id]
	delete(ss.requests, id)
	return found
}

func (ss *session) handleResult(id service.OpID, r union.Result) {
	if r.Status == union.StatusDone || r.Status == union.StatusFailure {
		ss.mu.Lock()
		delete(ss.ops, id)
		ss.mu.Unlock()
	}
	ss.send(ResultMessageFrom(uint64(id), r))
}

func (ss *session) handleRequest(req service.Request) {
	ss.mu.Lock()
	ss.requests[req.ID] = struct{}{}
	ss.mu.Unlock()
	ss.send(&IncomingRequestMessage{
		RequestID:    uint64(req.ID),
		Peer:         []byte(req.Peer),
		AppID:        req.AppID,
		ElementCount: req.ElementCount,
		Context:      req.Context,
	})
}

// handle runs a single client request. It returns false if the session must
// be closed.
func (ss *session) handle(m Message) bool {
	b := ss.s.backend
	switch m := m.(type) {
	case *CreateSetRequest:
		id, err := b.CreateSet()
		if err != nil {
			ss.fail(m.Seq, err)
			break
		}
		ss.mu.Lock()
		ss.sets[id] = struct{}{}
		ss.mu.Unlock()
		ss.send(&SetCreatedResponse{Seq: m.Seq, SetID: uint64(id)})
	case *AddRequest:
		id := service.SetID(m.SetID)
		if !ss.ownsSet(id) {
			ss.fail(m.Seq, fmt.Errorf("%w: %d", service.ErrUnknownSet, id))
			break
		}
		added, err := b.Add(id, m.Element())
		if err != nil {
			ss.fail(m.Seq, err)
			break
		}
		ss.send(&AckResponse{Seq: m.Seq, Added: added})
	case *DestroySetRequest:
		id := service.SetID(m.SetID)
		if !ss.ownsSet(id) {
			ss.fail(m.Seq, fmt.Errorf("%w: %d", service.ErrUnknownSet, id))
			break
		}
		ss.mu.Lock()
		delete(ss.sets, id)
		ss.mu.Unlock()
		if err := b.DestroySet(id); err != nil {
			ss.fail(m.Seq, err)
			break
		}
		ss.send(&AckResponse{Seq: m.Seq})
	case *ListenRequest:
		stop, err := b.Listen(m.AppID, ss.handleRequest)
		if err != nil {
			ss.fail(m.Seq, err)
			break
		}
		ss.mu.Lock()
		ss.listeners[m.AppID] = stop
		ss.mu.Unlock()
		ss.send(&AckResponse{Seq: m.Seq})
	case *EvaluateRequest:
		ss.evaluate(m)
	case *AcceptRequest:
		setID := service.SetID(m.SetID)
		if !ss.ownsSet(setID) {
			ss.fail(m.Seq, fmt.Errorf("%w: %d", service.ErrUnknownSet, setID))
			break
		}
		reqID := service.RequestID(m.RequestID)
		if !ss.takeRequest(reqID) {
			ss.fail(m.Seq, fmt.Errorf("%w: %d", service.ErrUnknownRequest, reqID))
			break
		}
		// The lock is held so that no result is sent before the op is
		// registered.
		ss.mu.Lock()
		id, err := b.Accept(reqID, setID, m.Options.Union(), ss.handleResult)
		if err == nil {
			ss.ops[id] = struct{}{}
		}
		ss.mu.Unlock()
		if err != nil {
			ss.fail(m.Seq, err)
			break
		}
		ss.send(&OpStartedResponse{Seq: m.Seq, OpID: uint64(id)})
	case *RejectRequest:
		reqID := service.RequestID(m.RequestID)
		if !ss.takeRequest(reqID) {
			ss.fail(m.Seq, fmt.Errorf("%w: %d", service.ErrUnknownRequest, reqID))
			break
		}
		if err := b.Reject(reqID); err != nil {
			ss.fail(m.Seq, err)
			break
		}
		ss.send(&AckResponse{Seq: m.Seq})
	case *CancelRequest:
		id := service.OpID(m.OpID)
		ss.mu.Lock()
		_, found := ss.ops[id]
		delete(ss.ops, id)
		ss.mu.Unlock()
		if !found {
			ss.fail(m.Seq, fmt.Errorf("%w: %d", service.ErrUnknownOperation, id))
			break
		}
		if err := b.Cancel(id); err != nil {
			ss.fail(m.Seq, err)
			break
		}
		ss.send(&AckResponse{Seq: m.Seq})
	default:
		ss.logger.Debug("unexpected message from client", zap.Stringer("type", m.Type()))
		return false
	}
	return true
}

func (ss *session) evaluate(m *EvaluateRequest) {
	setID := service.SetID(m.SetID)
	if !ss.ownsSet(setID) {
		ss.fail(m.Seq, fmt.Errorf("%w: %d", service.ErrUnknownSet, setID))
		return
	}
	p, err := peer.IDFromBytes(m.Peer)
	if err != nil {
		ss.fail(m.Seq, fmt.Errorf("bad peer id: %w", err))
		return
	}
	if len(m.Addrs) != 0 {
		addrs := make([]multiaddr.Multiaddr, 0, len(m.Addrs))
		for _, b := range m.Addrs {
			addr, err := multiaddr.NewMultiaddrBytes(b)
			if err != nil {
				ss.fail(m.Seq, fmt.Errorf("bad peer address: %w", err))
				return
			}
			addrs = append(addrs, addr)
		}
		if ss.s.book != nil {
			ss.s.book.AddAddrs(p, addrs, ss.s.addrTTL)
		}
	}
	ss.mu.Lock()
	id, err := ss.s.backend.Evaluate(setID, p, m.AppID, m.Context, m.Options.Union(), ss.handleResult)
	if err == nil {
		ss.ops[id] = struct{}{}
	}
	ss.mu.Unlock()
	if err != nil {
		ss.fail(m.Seq, err)
		return
	}
	ss.send(&OpStartedResponse{Seq: m.Seq, OpID: uint64(id)})
}

// cleanup releases everything the client owns.
func (ss *session) cleanup() {
	ss.mu.Lock()
	listeners := ss.listeners
	ops := ss.ops
	requests := ss.requests
	sets := ss.sets
	ss.listeners = nil
	ss.ops = make(map[service.OpID]struct{})
	ss.requests = make(map[service.RequestID]struct{})
	ss.sets = nil
	ss.mu.Unlock()
	b := ss.s.backend
	for _, stop := range listeners {
		stop()
	}
	for id := range requests {
		b.Reject(id)
	}
	for id := range ops {
		b.Cancel(id)
	}
	for id := range sets {
		b.DestroySet(id)
	}
	ss.logger.Debug("client state released",
		zap.Int("sets", len(sets)),
		zap.Int("ops", len(ops)),
		zap.Int("requests", len(requests)),
		zap.Int("listeners", len(listeners)))
}
