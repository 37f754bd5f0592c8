// Package transport provides the message channels set union operations run
// over.
package transport

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrClosed is returned when sending over a closed channel.
	ErrClosed = errors.New("channel closed")
	// ErrUnknownPeer is returned when opening a channel to a peer that can't
	// be reached.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrMessageTooLarge is returned when sending a message that exceeds the
	// size limit.
	ErrMessageTooLarge = errors.New("message too large")
)

// Peer identifies a remote node.
type Peer = peer.ID

// Channel is a reliable ordered message channel to a single peer.
type Channel interface {
	// Peer returns the remote peer.
	Peer() Peer
	// Send queues a message for delivery.
	Send(msg []byte) error
	// Close closes the channel in both directions.
	Close() error
}

// Handler receives channel events. HandleChannel is only called for channels
// opened by the remote side, before any messages are delivered over them.
// HandleClose is called exactly once per channel, after the last message,
// when the channel is closed by either side or fails.
// The handler methods must not block for long.
type Handler interface {
	HandleChannel(ch Channel)
	HandleMessage(ch Channel, msg []byte)
	HandleClose(ch Channel)
}

// Network opens channels to peers and dispatches channel events to a
// Handler.
type Network interface {
	// Open opens a new channel to the peer.
	Open(ctx context.Context, p Peer) (Channel, error)
	// SetHandler sets the handler for channel events.
	SetHandler(h Handler)
}

type nopHandler struct{}

func (nopHandler) HandleChannel(ch Channel) { ch.Close() }

func (nopHandler) HandleMessage(Channel, []byte) {}

func (nopHandler) HandleClose(Channel) {}
