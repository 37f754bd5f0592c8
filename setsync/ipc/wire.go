package ipc

import (
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-msgio"
)

// MaxFrameSize is the maximum size of an encoded message.
const MaxFrameSize = 1 << 18

// Conn sends and receives framed messages over a stream connection. Writes
// are safe for concurrent use, reads are not.
type Conn struct {
	c  net.Conn
	r  msgio.ReadCloser
	mu sync.Mutex
	w  msgio.WriteCloser
}

// NewConn wraps the connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		c: c,
		r: msgio.NewVarintReaderSize(c, MaxFrameSize),
		w: msgio.NewVarintWriter(c),
	}
}

// Read reads the next message.
func (c *Conn) Read() (Message, error) {
	b, err := c.r.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer c.r.ReleaseMsg(b)
	m, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// Write writes the message.
func (c *Conn) Write(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encode %T: %w", m, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WriteMsg(b)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}
