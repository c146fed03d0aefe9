package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/pingtun/internal/frame"
	"github.com/postalsys/pingtun/internal/metrics"
)

const testTimeout = 2 * time.Second

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func mustFrame(t *testing.T, connID, seq uint16, payload string) frame.Frame {
	t.Helper()
	f, err := frame.New(connID, seq, []byte(payload))
	if err != nil {
		t.Fatalf("frame.New() error = %v", err)
	}
	return f
}

func recvFrame(t *testing.T, ch <-chan frame.Frame) frame.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for frame")
		return frame.Frame{}
	}
}

func expectNoFrame(t *testing.T, ch <-chan frame.Frame, wait time.Duration) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected frame %v", f)
	case <-time.After(wait):
	}
}

func readN(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return string(buf)
}

// targetServer accepts TCP connections and hands them to the test.
type targetServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newTargetServer(t *testing.T) *targetServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ts := &targetServer{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			ts.conns <- c
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-ts.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return ts
}

func (ts *targetServer) addr() string {
	return ts.ln.Addr().String()
}

func (ts *targetServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for target connection")
		return nil
	}
}
