package sidechan

import (
	"errors"
	"io"
	"net"
	"sync"
)

// chunkSize is the read buffer used by Subscribe.
const chunkSize = 32 << 10

// Conn is one side connection after the id handshake. It is a plain net.Conn: bytes
// written on one end arrive unchanged and in order on the other.
type Conn struct {
	net.Conn
	id uint32

	onClose   func()
	closeOnce sync.Once
	closed    chan struct{} // Closed by Close, releases a blocked readLoop

	subOnce sync.Once
	data    chan []byte
	mu      sync.Mutex
	err     error
}

func newConn(nc net.Conn, id uint32) *Conn {
	return &Conn{Conn: nc, id: id, closed: make(chan struct{})}
}

// ID returns the id assigned by the listener.
func (c *Conn) ID() uint32 { return c.id }

// Subscribe starts reading the connection in the background and returns the chunks
// as they arrive. The channel is closed at EOF or on a read error, which Err then
// reports. Do not mix Subscribe with direct Read calls.
func (c *Conn) Subscribe() <-chan []byte {
	c.subOnce.Do(func() {
		c.data = make(chan []byte, 16)
		go c.readLoop()
	})
	return c.data
}

func (c *Conn) readLoop() {
	defer close(c.data)
	for {
		buf := make([]byte, chunkSize)
		n, err := c.Conn.Read(buf)
		if n > 0 {
			select {
			case c.data <- buf[:n]:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
	}
}

// Err reports the transport fault that ended Subscribe, nil after a clean EOF.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the socket and removes the connection from its listener.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
