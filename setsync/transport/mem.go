package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemNetwork connects in-process hosts.
type MemNetwork struct {
	mu    sync.Mutex
	hosts map[Peer]*MemHost
}

// NewMemNetwork creates an empty in-process network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{hosts: make(map[Peer]*MemHost)}
}

// AddHost adds a host with the given id to the network.
func (n *MemNetwork) AddHost(id Peer) *MemHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, found := n.hosts[id]; found {
		panic(fmt.Sprintf("BUG: duplicate mem host %s", id))
	}
	h := &MemHost{net: n, id: id, handler: nopHandler{}}
	n.hosts[id] = h
	return h
}

// RemoveHost disconnects the host from the network. Existing channels are
// not affected.
func (n *MemNetwork) RemoveHost(id Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.hosts, id)
}

func (n *MemNetwork) host(id Peer) *MemHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[id]
}

// MemHost is a Network endpoint in a MemNetwork.
type MemHost struct {
	net     *MemNetwork
	id      Peer
	mu      sync.Mutex
	handler Handler
}

var _ Network = &MemHost{}

// ID returns the host's peer id.
func (h *MemHost) ID() Peer {
	return h.id
}

// SetHandler implements Network.
func (h *MemHost) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *MemHost) getHandler() Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler
}

// Open implements Network.
func (h *MemHost) Open(ctx context.Context, p Peer) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote := h.net.host(p)
	if remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, p)
	}
	local := newMemEnd(h, p)
	other := newMemEnd(remote, h.id)
	local.other = other
	other.other = local
	go local.run(false)
	go other.run(true)
	return local, nil
}

// memEnd is one end of an in-process channel. Messages sent to it are
// delivered to its host's handler by a dedicated goroutine in the order
// they were sent.
type memEnd struct {
	host   *MemHost
	remote Peer
	other  *memEnd
	inbox  *queue
}

var _ Channel = &memEnd{}

func newMemEnd(h *MemHost, remote Peer) *memEnd {
	return &memEnd{host: h, remote: remote, inbox: newQueue()}
}

func (e *memEnd) Peer() Peer {
	return e.remote
}

func (e *memEnd) Send(msg []byte) error {
	if e.inbox.isClosed() || !e.other.inbox.push(slices.Clone(msg)) {
		return ErrClosed
	}
	return nil
}

func (e *memEnd) Close() error {
	e.inbox.close()
	e.other.inbox.close()
	return nil
}

func (e *memEnd) run(incoming bool) {
	handler := e.host.getHandler()
	if incoming {
		handler.HandleChannel(e)
	}
	for {
		msg, ok := e.inbox.pop()
		if !ok {
			handler.HandleClose(e)
			return
		}
		handler.HandleMessage(e, msg)
	}
}
