package agent

import (
	"net"
	"sync"
)

type datagram struct {
	data []byte
	src  net.Addr
}

// wireConn is one end of an in-memory ICMP link. Datagrams written on one
// end are read on the other with the writer's address as source.
type wireConn struct {
	addr net.Addr
	in   chan datagram
	peer *wireConn
	errs chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newWire(clientIP, serverIP string) (client, server *wireConn) {
	client = &wireConn{
		addr:   &net.IPAddr{IP: net.ParseIP(clientIP)},
		in:     make(chan datagram, 256),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	server = &wireConn{
		addr:   &net.IPAddr{IP: net.ParseIP(serverIP)},
		in:     make(chan datagram, 256),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	client.peer, server.peer = server, client
	return client, server
}

func (c *wireConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case d := <-c.in:
		return copy(b, d.data), d.src, nil
	case err := <-c.errs:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *wireConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	d := datagram{data: append([]byte(nil), b...), src: c.addr}
	select {
	case c.peer.in <- d:
	case <-c.peer.closed:
	case <-c.closed:
		return 0, net.ErrClosed
	}
	return len(b), nil
}

func (c *wireConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fail makes the next ReadFrom return err.
func (c *wireConn) fail(err error) {
	c.errs <- err
}
