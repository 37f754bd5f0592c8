// Package service hosts sets and runs set union operations with peers on
// behalf of local clients.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-setunion/setsync/setstore"
	"github.com/spacemeshos/go-setunion/setsync/strata"
	"github.com/spacemeshos/go-setunion/setsync/transport"
	"github.com/spacemeshos/go-setunion/setsync/union"
)

// DefaultIncomingTimeout is the default time an incoming request waits to be
// accepted or rejected.
const DefaultIncomingTimeout = 30 * time.Second

var (
	// ErrStopped is returned when the service is not running.
	ErrStopped = errors.New("service stopped")
	// ErrUnknownSet is returned for a set that doesn't exist or is destroyed.
	ErrUnknownSet = errors.New("unknown set")
	// ErrUnknownRequest is returned for an incoming request that doesn't
	// exist, has expired or was already handled.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrUnknownOperation is returned for an operation that doesn't exist or
	// has already finished.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrAlreadyListening is returned when listening on an application id
	// that already has a listener.
	ErrAlreadyListening = errors.New("already listening")
)

// SetID identifies a set.
type SetID uint64

// OpID identifies an operation.
type OpID uint64

// RequestID identifies an incoming request.
type RequestID uint64

// Request is an operation request received from a peer.
type Request struct {
	ID           RequestID
	Peer         transport.Peer
	AppID        union.AppID
	ElementCount uint64
	Context      []byte
}

// RequestHandler is called for each incoming request for the application id
// it listens on. The request must be accepted or rejected, otherwise it
// expires.
type RequestHandler func(req Request)

// ResultHandler receives the results of an operation. The last result has
// either StatusDone or StatusFailure. Elements reported with
// StatusAddLocal are already added to the set when the handler is called.
type ResultHandler func(op OpID, r union.Result)

// Opt is an option for Service.
type Opt func(*Service)

// WithLogger specifies the logger for the Service.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock specifies the clock used for incoming request timeouts.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithIncomingTimeout specifies how long an incoming request waits to be
// accepted or rejected.
func WithIncomingTimeout(d time.Duration) Opt {
	return func(s *Service) {
		s.incomingTimeout = d
	}
}

// WithOperationOpts specifies the options for every operation.
func WithOperationOpts(opts ...union.Opt) Opt {
	return func(s *Service) {
		s.opOpts = opts
	}
}

// WithStrataParams specifies the strata estimator parameters for new sets.
func WithStrataParams(p strata.Params) Opt {
	return func(s *Service) {
		s.strataParams = p
	}
}

type listener struct {
	id      uint64
	handler RequestHandler
}

// conn is a channel seen by the service. It carries either the operation
// running over it or, for an incoming channel, the pending request.
type conn struct {
	ch  transport.Channel
	op  *operation
	req *incoming
}

type incoming struct {
	id    RequestID
	conn  *conn
	msg   *union.OperationRequestMessage
	timer clockwork.Timer
}

type operation struct {
	id         OpID
	setID      SetID
	set        *setstore.Set
	op         *union.Operation
	logger     *zap.Logger
	ch         transport.Channel
	handler    ResultHandler
	openCancel context.CancelFunc
}

// Service owns the sets, the listeners, the running operations and the
// pending incoming requests. All of its state is only accessed from the
// event loop run by Run, and the public methods post their work to the loop.
type Service struct {
	logger          *zap.Logger
	clock           clockwork.Clock
	net             transport.Network
	incomingTimeout time.Duration
	opOpts          []union.Opt
	strataParams    strata.Params

	events     chan func()
	stopped    chan struct{}
	dispatcher *dispatcher

	ctx       context.Context
	nextID    uint64
	sets      map[SetID]*setstore.Set
	listeners map[union.AppID]*listener
	ops       map[OpID]*operation
	conns     map[transport.Channel]*conn
	requests  map[RequestID]*incoming
}

var _ transport.Handler = &Service{}

// New creates a Service using the network for peer channels. The service
// registers itself as the network's handler.
func New(net transport.Network, opts ...Opt) *Service {
	s := &Service{
		logger:          zap.NewNop(),
		clock:           clockwork.NewRealClock(),
		net:             net,
		incomingTimeout: DefaultIncomingTimeout,
		strataParams:    strata.DefaultParams(),
		events:          make(chan func()),
		stopped:         make(chan struct{}),
		dispatcher:      newDispatcher(),
		sets:            make(map[SetID]*setstore.Set),
		listeners:       make(map[union.AppID]*listener),
		ops:             make(map[OpID]*operation),
		conns:           make(map[transport.Channel]*conn),
		requests:        make(map[RequestID]*incoming),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.strataParams.Validate(); err != nil {
		panic(fmt.Sprintf("BUG: bad strata params: %v", err))
	}
	net.SetHandler(s)
	return s
}

// Run runs the event loop until the context is canceled. Operations that are
// still running when Run returns are canceled.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx
	done := make(chan struct{})
	go func() {
		s.dispatcher.run()
		close(done)
	}()
	s.logger.Debug("service started")
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case f := <-s.events:
			f()
		}
	}
	close(s.stopped)
	s.shutdown()
	s.dispatcher.stop()
	<-done
	s.logger.Debug("service stopped")
	return nil
}

func (s *Service) shutdown() {
	for _, o := range s.ops {
		o.op.Cancel()
		s.teardown(o)
	}
	for _, req := range s.requests {
		req.timer.Stop()
	}
	clear(s.requests)
	for ch := range s.conns {
		ch.Close()
	}
	clear(s.conns)
}

// post queues f for execution on the event loop without waiting for it.
// It returns false if the service is stopped.
func (s *Service) post(f func()) bool {
	select {
	case s.events <- f:
		return true
	case <-s.stopped:
		return false
	}
}

// exec runs f on the event loop and waits for it to complete.
func (s *Service) exec(f func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		f()
		close(done)
	}) {
		return ErrStopped
	}
	<-done
	return nil
}

func (s *Service) newID() uint64 {
	s.nextID++
	return s.nextID
}

func (s *Service) liveSet(id SetID) (*setstore.Set, error) {
	set, found := s.sets[id]
	if !found || set.Destroyed() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSet, id)
	}
	return set, nil
}

// CreateSet creates an empty set.
func (s *Service) CreateSet() (SetID, error) {
	var (
		id  SetID
		err error
	)
	if xerr := s.exec(func() {
		var set *setstore.Set
		set, err = setstore.New(s.strataParams)
		if err != nil {
			return
		}
		id = SetID(s.newID())
		s.sets[id] = set
		setsGauge.WithLabelValues().Inc()
		s.logger.Debug("set created", zap.Uint64("set", uint64(id)))
	}); xerr != nil {
		return 0, xerr
	}
	return id, err
}

// Add adds an element to the set. It returns false if the set already
// contains the element. Running operations don't see the new element.
func (s *Service) Add(id SetID, el setstore.Element) (bool, error) {
	var (
		added bool
		err   error
	)
	if xerr := s.exec(func() {
		var set *setstore.Set
		if set, err = s.liveSet(id); err == nil {
			added, err = set.Add(el)
		}
	}); xerr != nil {
		return false, xerr
	}
	return added, err
}

// Size returns the number of elements in the set.
func (s *Service) Size(id SetID) (int, error) {
	var (
		n   int
		err error
	)
	if xerr := s.exec(func() {
		var set *setstore.Set
		if set, err = s.liveSet(id); err == nil {
			n = set.Len()
		}
	}); xerr != nil {
		return 0, xerr
	}
	return n, err
}

// Elements returns the elements of the set in the order they were added.
func (s *Service) Elements(id SetID) ([]setstore.Element, error) {
	var (
		els []setstore.Element
		err error
	)
	if xerr := s.exec(func() {
		var set *setstore.Set
		if set, err = s.liveSet(id); err != nil {
			return
		}
		els = make([]setstore.Element, 0, set.Len())
		for e := range set.Elements(set.Generation()) {
			els = append(els, e.Element)
		}
	}); xerr != nil {
		return nil, xerr
	}
	return els, err
}

// DestroySet destroys the set. Operations using the set run to completion,
// and the set is freed after they finish.
func (s *Service) DestroySet(id SetID) error {
	var err error
	if xerr := s.exec(func() {
		var set *setstore.Set
		if set, err = s.liveSet(id); err != nil {
			return
		}
		if set.Destroy() {
			s.freeSet(id)
		}
		s.logger.Debug("set destroyed",
			zap.Uint64("set", uint64(id)),
			zap.Int("refs", set.Refs()))
	}); xerr != nil {
		return xerr
	}
	return err
}

func (s *Service) freeSet(id SetID) {
	delete(s.sets, id)
	setsGauge.WithLabelValues().Dec()
}

// Listen registers the handler for requests with the application id.
// The returned function removes the listener.
func (s *Service) Listen(appID union.AppID, handler RequestHandler) (func(), error) {
	var (
		l   *listener
		err error
	)
	if xerr := s.exec(func() {
		if _, found := s.listeners[appID]; found {
			err = fmt.Errorf("%w: %s", ErrAlreadyListening, appID)
			return
		}
		l = &listener{id: s.newID(), handler: handler}
		s.listeners[appID] = l
	}); xerr != nil {
		return nil, xerr
	}
	if err != nil {
		return nil, err
	}
	return func() {
		s.exec(func() {
			if cur, found := s.listeners[appID]; found && cur == l {
				delete(s.listeners, appID)
			}
		})
	}, nil
}

func (s *Service) newOperation(
	setID SetID,
	set *setstore.Set,
	peer transport.Peer,
	handler ResultHandler,
	create func(opts []union.Opt) *union.Operation,
) *operation {
	id := OpID(s.newID())
	logger := s.logger.With(zap.Uint64("op", uint64(id)), zap.Stringer("peer", peer))
	opts := append(s.opOpts[:len(s.opOpts):len(s.opOpts)], union.WithLogger(logger))
	o := &operation{
		id:      id,
		setID:   setID,
		set:     set,
		op:      create(opts),
		logger:  logger,
		handler: handler,
	}
	s.ops[id] = o
	return o
}

// Evaluate starts a set union operation for the application with the peer.
// The operation uses the elements present in the set at the time of the
// call. The channel to the peer is opened asynchronously, so an operation
// canceled before it's connected sends nothing to the peer.
func (s *Service) Evaluate(
	setID SetID,
	peer transport.Peer,
	appID union.AppID,
	context []byte,
	options union.Options,
	handler ResultHandler,
) (OpID, error) {
	var (
		id  OpID
		err error
	)
	if xerr := s.exec(func() {
		var set *setstore.Set
		if set, err = s.liveSet(setID); err != nil {
			return
		}
		o := s.newOperation(setID, set, peer, handler, func(opts []union.Opt) *union.Operation {
			return union.NewInitiator(set, appID, context, options, opts...)
		})
		id = o.id
		opsStarted.WithLabelValues("initiator").Inc()
		s.open(o, peer)
	}); xerr != nil {
		return 0, xerr
	}
	return id, err
}

func (s *Service) open(o *operation, peer transport.Peer) {
	ctx, cancel := context.WithCancel(s.ctx)
	o.openCancel = cancel
	go func() {
		ch, err := s.net.Open(ctx, peer)
		if !s.post(func() { s.connected(o, ch, err) }) && ch != nil {
			ch.Close()
		}
	}()
}

func (s *Service) connected(o *operation, ch transport.Channel, err error) {
	if o.openCancel != nil {
		o.openCancel()
		o.openCancel = nil
	}
	if s.ops[o.id] != o {
		// canceled while connecting
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		o.logger.Debug("failed to open channel", zap.Error(err))
		s.apply(o, o.op.Fail(fmt.Errorf("%w: %w", union.ErrChannelClosed, err)))
		return
	}
	o.ch = ch
	s.conns[ch] = &conn{ch: ch, op: o}
	step, _ := o.op.Start()
	s.apply(o, step)
}

// Accept accepts the incoming request, running the operation with the set.
func (s *Service) Accept(
	reqID RequestID,
	setID SetID,
	options union.Options,
	handler ResultHandler,
) (OpID, error) {
	var (
		id  OpID
		err error
	)
	if xerr := s.exec(func() {
		req, found := s.requests[reqID]
		if !found {
			err = fmt.Errorf("%w: %d", ErrUnknownRequest, reqID)
			return
		}
		var set *setstore.Set
		if set, err = s.liveSet(setID); err != nil {
			return
		}
		s.dropRequest(req)
		incomingRequests.WithLabelValues("accepted").Inc()
		c := req.conn
		o := s.newOperation(setID, set, c.ch.Peer(), handler, func(opts []union.Opt) *union.Operation {
			return union.NewResponder(set, req.msg, options, opts...)
		})
		id = o.id
		opsStarted.WithLabelValues("responder").Inc()
		o.ch = c.ch
		c.op = o
		step, _ := o.op.Start()
		s.apply(o, step)
	}); xerr != nil {
		return 0, xerr
	}
	return id, err
}

// Reject rejects the incoming request, closing the channel to the peer.
func (s *Service) Reject(reqID RequestID) error {
	var err error
	if xerr := s.exec(func() {
		req, found := s.requests[reqID]
		if !found {
			err = fmt.Errorf("%w: %d", ErrUnknownRequest, reqID)
			return
		}
		incomingRequests.WithLabelValues("rejected").Inc()
		s.closeRequest(req)
	}); xerr != nil {
		return xerr
	}
	return err
}

// Cancel stops the operation. The result handler is not called anymore.
func (s *Service) Cancel(id OpID) error {
	var err error
	if xerr := s.exec(func() {
		o, found := s.ops[id]
		if !found {
			err = fmt.Errorf("%w: %d", ErrUnknownOperation, id)
			return
		}
		o.logger.Debug("canceling operation")
		o.op.Cancel()
		opsFinished.WithLabelValues("canceled").Inc()
		s.teardown(o)
	}); xerr != nil {
		return xerr
	}
	return err
}

func (s *Service) apply(o *operation, step union.Step) {
	for _, m := range step.Send {
		if o.ch == nil {
			break
		}
		b := union.Encode(m)
		if err := o.ch.Send(b); err != nil {
			// the channel close notification fails the operation
			o.logger.Debug("send failed", zap.Stringer("type", m.Type()), zap.Error(err))
			break
		}
		mtype := m.Type().String()
		messagesSent.WithLabelValues(mtype).Inc()
		bytesSent.WithLabelValues(mtype).Add(float64(len(b)))
	}
	for _, r := range step.Results {
		switch r.Status {
		case union.StatusAddLocal:
			if !o.set.Destroyed() {
				if _, err := o.set.Add(r.Element); err != nil {
					o.logger.Error("failed to add received element", zap.Error(err))
				}
			}
		case union.StatusDone:
			opsFinished.WithLabelValues("done").Inc()
		case union.StatusFailure:
			opsFinished.WithLabelValues("failure").Inc()
		}
		if o.handler != nil {
			id, handler := o.id, o.handler
			s.dispatcher.enqueue(func() { handler(id, r) })
		}
	}
	if step.Finished {
		s.teardown(o)
	}
}

// teardown removes the operation. The channel handle is cleared before the
// channel is closed, so the close notification finds nothing to tear down.
func (s *Service) teardown(o *operation) {
	if s.ops[o.id] != o {
		return
	}
	delete(s.ops, o.id)
	if o.openCancel != nil {
		o.openCancel()
		o.openCancel = nil
	}
	if ch := o.ch; ch != nil {
		o.ch = nil
		delete(s.conns, ch)
		ch.Close()
	}
	if o.set.Destroyed() && o.set.Refs() == 0 && s.sets[o.setID] == o.set {
		s.freeSet(o.setID)
	}
}

func (s *Service) handleIncoming(c *conn, m union.Message) {
	req, ok := m.(*union.OperationRequestMessage)
	if !ok {
		s.logger.Debug("bad first message on incoming channel",
			zap.Stringer("peer", c.ch.Peer()),
			zap.Stringer("type", m.Type()))
		incomingRequests.WithLabelValues("unexpected").Inc()
		s.closeConn(c)
		return
	}
	l, found := s.listeners[req.AppID]
	if !found {
		s.logger.Debug("no listener for incoming request",
			zap.Stringer("peer", c.ch.Peer()),
			zap.Stringer("app", req.AppID))
		incomingRequests.WithLabelValues("unknown_app").Inc()
		s.closeConn(c)
		return
	}
	id := RequestID(s.newID())
	r := &incoming{id: id, conn: c, msg: req}
	r.timer = s.clock.AfterFunc(s.incomingTimeout, func() {
		s.post(func() { s.expire(r) })
	})
	c.req = r
	s.requests[id] = r
	s.logger.Debug("incoming request",
		zap.Uint64("request", uint64(id)),
		zap.Stringer("peer", c.ch.Peer()),
		zap.Stringer("app", req.AppID),
		zap.Uint64("elementCount", req.ElementCount))
	rq := Request{
		ID:           id,
		Peer:         c.ch.Peer(),
		AppID:        req.AppID,
		ElementCount: req.ElementCount,
		Context:      req.Context,
	}
	handler := l.handler
	s.dispatcher.enqueue(func() { handler(rq) })
}

func (s *Service) expire(r *incoming) {
	if s.requests[r.id] != r {
		return
	}
	s.logger.Debug("incoming request expired", zap.Uint64("request", uint64(r.id)))
	incomingRequests.WithLabelValues("expired").Inc()
	s.closeRequest(r)
}

func (s *Service) dropRequest(r *incoming) {
	r.timer.Stop()
	delete(s.requests, r.id)
	r.conn.req = nil
}

func (s *Service) closeRequest(r *incoming) {
	s.dropRequest(r)
	s.closeConn(r.conn)
}

func (s *Service) closeConn(c *conn) {
	delete(s.conns, c.ch)
	c.ch.Close()
}

// HandleChannel implements transport.Handler.
func (s *Service) HandleChannel(ch transport.Channel) {
	if !s.post(func() { s.conns[ch] = &conn{ch: ch} }) {
		ch.Close()
	}
}

// HandleMessage implements transport.Handler.
func (s *Service) HandleMessage(ch transport.Channel, msg []byte) {
	s.post(func() { s.handleMessage(ch, msg) })
}

// HandleClose implements transport.Handler.
func (s *Service) HandleClose(ch transport.Channel) {
	s.post(func() { s.handleClose(ch) })
}

func (s *Service) handleMessage(ch transport.Channel, b []byte) {
	c, found := s.conns[ch]
	if !found {
		return
	}
	m, err := union.Decode(b)
	if err == nil {
		messagesReceived.WithLabelValues(m.Type().String()).Inc()
	}
	switch {
	case c.op != nil:
		o := c.op
		if err != nil {
			s.apply(o, o.op.Fail(err))
			return
		}
		step, _ := o.op.Handle(m)
		s.apply(o, step)
	case c.req != nil:
		// the peer must wait for the request to be accepted
		s.logger.Debug("message on a pending request channel",
			zap.Uint64("request", uint64(c.req.id)),
			zap.Stringer("peer", ch.Peer()))
		incomingRequests.WithLabelValues("unexpected").Inc()
		s.closeRequest(c.req)
	case err != nil:
		s.logger.Debug("malformed first message on incoming channel",
			zap.Stringer("peer", ch.Peer()),
			zap.Error(err))
		incomingRequests.WithLabelValues("malformed").Inc()
		s.closeConn(c)
	default:
		s.handleIncoming(c, m)
	}
}

func (s *Service) handleClose(ch transport.Channel) {
	c, found := s.conns[ch]
	if !found {
		return
	}
	delete(s.conns, ch)
	switch {
	case c.op != nil:
		o := c.op
		o.ch = nil
		s.apply(o, o.op.ChannelClosed())
	case c.req != nil:
		s.logger.Debug("incoming request channel closed by peer",
			zap.Uint64("request", uint64(c.req.id)))
		s.dropRequest(c.req)
	}
}
