package osc

import "net"

// Client sends OSC packets to a single UDP destination.
type Client struct {
	conn *net.UDPConn
}

// Dial creates a new Client with a connection to addr.
func Dial(addr string) (*Client, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", nil, a)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Send marshals e and writes it as one datagram.
func (c *Client) Send(e Element) error {
	data, err := Marshal(e)
	if err != nil {
		return err
	}

	_, err = c.conn.Write(data)
	return err
}

// Write sends p unchanged as one datagram. It lets captured or hand-built
// packets be replayed without decoding them first.
func (c *Client) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// LocalAddr returns the local address the client sends from.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
