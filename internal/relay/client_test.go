package relay

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/pingtun/internal/frame"
	"github.com/postalsys/pingtun/internal/logging"
	"github.com/postalsys/pingtun/internal/metrics"
)

type clientHarness struct {
	client     *Client
	outbound   chan frame.Frame
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
}

func newClientHarness(t *testing.T, cfg ClientConfig) *clientHarness {
	t.Helper()

	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	m := newTestMetrics()
	out := make(chan frame.Frame, 16)
	d := NewDispatcher(4, logging.NopLogger(), m)
	c := NewClient(cfg, out, d, logging.NopLogger(), m)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	return &clientHarness{client: c, outbound: out, dispatcher: d, metrics: m}
}

func (h *clientHarness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.client.Addr().String())
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *clientHarness) reply(t *testing.T, connID uint16, payload string) {
	t.Helper()
	h.dispatcher.Dispatch(mustFrame(t, connID, 0, payload))
}

func TestClient_RoundTrip(t *testing.T) {
	h := newClientHarness(t, ClientConfig{})
	conn := h.dial(t)

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := recvFrame(t, h.outbound)
	if string(f.Payload) != "hello" || f.Seq != 0 {
		t.Fatalf("outbound frame = %v payload %q, want seq 0 payload %q", f, f.Payload, "hello")
	}

	h.reply(t, f.ConnID, "world")
	if got := readN(t, conn, 5); got != "world" {
		t.Errorf("client received %q, want %q", got, "world")
	}

	if got := testutil.ToFloat64(h.metrics.BytesRelayed.WithLabelValues(metrics.DirectionToTunnel)); got != 5 {
		t.Errorf("bytes to tunnel = %v, want 5", got)
	}
}

func TestClient_SplitsLargeRead(t *testing.T) {
	h := newClientHarness(t, ClientConfig{})
	conn := h.dial(t)

	data := strings.Repeat("x", 120)
	if _, err := conn.Write([]byte(data)); err != nil {
		t.Fatalf("write: %v", err)
	}

	wantLens := []int{56, 56, 8}
	var connID uint16
	for i, want := range wantLens {
		f := recvFrame(t, h.outbound)
		if i == 0 {
			connID = f.ConnID
		}
		if f.ConnID != connID {
			t.Errorf("frame %d conn id = %d, want %d", i, f.ConnID, connID)
		}
		if int(f.Seq) != i {
			t.Errorf("frame %d seq = %d, want %d", i, f.Seq, i)
		}
		if len(f.Payload) != want {
			t.Errorf("frame %d payload len = %d, want %d", i, len(f.Payload), want)
		}
	}
}

func TestClient_LockStep(t *testing.T) {
	h := newClientHarness(t, ClientConfig{})
	conn := h.dial(t)

	conn.Write([]byte("one"))
	first := recvFrame(t, h.outbound)

	// No further read happens until the reply for the first chunk arrives.
	conn.Write([]byte("two"))
	expectNoFrame(t, h.outbound, 100*time.Millisecond)

	h.reply(t, first.ConnID, "ack")
	if got := readN(t, conn, 3); got != "ack" {
		t.Fatalf("client received %q, want %q", got, "ack")
	}

	second := recvFrame(t, h.outbound)
	if string(second.Payload) != "two" {
		t.Errorf("second payload = %q, want %q", second.Payload, "two")
	}
	if second.ConnID != first.ConnID {
		t.Errorf("conn id changed from %d to %d", first.ConnID, second.ConnID)
	}
}

func TestClient_ConnectionsGetDistinctIDs(t *testing.T) {
	h := newClientHarness(t, ClientConfig{})
	a := h.dial(t)
	b := h.dial(t)

	a.Write([]byte("a"))
	fa := recvFrame(t, h.outbound)
	b.Write([]byte("b"))
	fb := recvFrame(t, h.outbound)

	if fa.ConnID == fb.ConnID {
		t.Fatalf("both connections use conn id %d", fa.ConnID)
	}

	// Replies reach only the connection they are addressed to.
	h.reply(t, fb.ConnID, "B")
	h.reply(t, fa.ConnID, "A")
	if got := readN(t, a, 1); got != "A" {
		t.Errorf("connection a received %q, want %q", got, "A")
	}
	if got := readN(t, b, 1); got != "B" {
		t.Errorf("connection b received %q, want %q", got, "B")
	}
}

func TestClient_EndOfStreamReleasesID(t *testing.T) {
	h := newClientHarness(t, ClientConfig{})
	conn := h.dial(t)

	conn.Write([]byte("bye"))
	f := recvFrame(t, h.outbound)
	h.reply(t, f.ConnID, "ok")
	readN(t, conn, 2)

	conn.Close()

	deadline := time.Now().Add(testTimeout)
	for h.dispatcher.Len() != 0 || h.client.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("routes = %d, connections = %d after close, want 0",
				h.dispatcher.Len(), h.client.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := testutil.ToFloat64(h.metrics.RelaysTotal); got != 1 {
		t.Errorf("relays total = %v, want 1", got)
	}
}

func TestClient_MaxConnections(t *testing.T) {
	h := newClientHarness(t, ClientConfig{MaxConnections: 1})

	first := h.dial(t)
	first.Write([]byte("x"))
	recvFrame(t, h.outbound)

	second := h.dial(t)
	second.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read on rejected connection error = %v, want EOF", err)
	}
}

func TestClient_StopClosesConnections(t *testing.T) {
	h := newClientHarness(t, ClientConfig{})
	conn := h.dial(t)

	conn.Write([]byte("wait"))
	recvFrame(t, h.outbound)

	done := make(chan struct{})
	go func() {
		h.client.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Stop did not return while a relay was waiting for a reply")
	}

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection still open after Stop")
	}
}

func TestClient_StartTwice(t *testing.T) {
	h := newClientHarness(t, ClientConfig{})
	if err := h.client.Start(); err == nil {
		t.Error("second Start should fail")
	}
}

func TestClient_ListenError(t *testing.T) {
	h := newClientHarness(t, ClientConfig{})

	c := NewClient(ClientConfig{Listen: h.client.Addr().String()}, nil, h.dispatcher, nil, newTestMetrics())
	if err := c.Start(); err == nil {
		c.Stop()
		t.Fatal("Start on a port in use should fail")
	}
}

func TestConnError(t *testing.T) {
	err := &ConnError{Op: "read", ConnID: 12, Err: io.ErrUnexpectedEOF}

	if got, want := err.Error(), "relay conn 12: read: unexpected EOF"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("ConnError should unwrap to its cause")
	}
}
