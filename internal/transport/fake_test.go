package transport

import (
	"net"
	"sync"
	"sync/atomic"
)

type datagram struct {
	data []byte
	addr net.Addr
}

// fakeConn is an in-memory PacketConn. Datagrams queued with deliver are
// returned by ReadFrom; WriteTo records datagrams on the written channel.
type fakeConn struct {
	reads   chan datagram
	written chan datagram

	readCalls atomic.Int32
	writeErr  atomic.Value // error
	readErr   chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:   make(chan datagram, 64),
		written: make(chan datagram, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) deliver(data []byte, addr net.Addr) {
	c.reads <- datagram{data: data, addr: addr}
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.readCalls.Add(1)
	select {
	case d := <-c.reads:
		return copy(b, d.data), d.addr, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	if v := c.writeErr.Load(); v != nil {
		if err, ok := v.(error); ok && err != nil {
			return 0, err
		}
	}
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.written <- datagram{data: append([]byte(nil), b...), addr: dst}
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func ipAddr(s string) *net.IPAddr {
	return &net.IPAddr{IP: net.ParseIP(s)}
}
