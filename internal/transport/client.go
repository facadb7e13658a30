package transport

import (
	"net"
	"time"
)

// Client is a small blocking connection used by tools and tests. It speaks
// raw frames; callers decode payloads with the message helpers.
type Client struct {
	conn net.Conn
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Read blocks until the next frame arrives and returns its payload.
func (c *Client) Read() ([]byte, error) {
	return ReadFrame(c.conn)
}

// Write sends one frame.
func (c *Client) Write(payload []byte) error {
	return WriteFrame(c.conn, payload)
}

// Subscribe asks the server to stream the named components. No names means
// every component.
func (c *Client) Subscribe(names ...string) error {
	return c.Write(EncodeSubscribe(names))
}

// Send issues one command.
func (c *Client) Send(cmd Command) error {
	return c.Write(EncodeCommand(cmd))
}

// SetDeadline bounds both reads and writes.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
