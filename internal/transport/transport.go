// Package transport moves tunnel frames between bounded in-process queues
// and a raw ICMP socket.
//
// A Transport runs two goroutines once started:
//
//   - the egress pump drains the outbound queue and writes each frame to the
//     configured remote (client role) or to the most recently observed peer
//     (server role);
//   - the ingress pump reads datagrams from the socket, decodes them and
//     pushes the frames onto the inbound queue.
//
// Malformed datagrams are dropped and counted. A hard socket error stops the
// transport; the cause is available from Err once Done is closed.
//
// In the server role, frames queued before any peer has been observed are
// dropped rather than buffered.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/postalsys/pingtun/internal/config"
	"github.com/postalsys/pingtun/internal/frame"
	"github.com/postalsys/pingtun/internal/logging"
	"github.com/postalsys/pingtun/internal/metrics"
	"github.com/postalsys/pingtun/internal/recovery"
)

// readBufferSize fits any ICMP datagram delivered with a standard MTU.
const readBufferSize = 1500

var (
	// ErrAlreadyStarted is returned by Start on a running transport.
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrStopped is returned by Start on a stopped transport.
	ErrStopped = errors.New("transport stopped")
)

// State is the lifecycle state of a Transport.
type State int32

const (
	// StateIdle means the transport has been created but not started.
	StateIdle State = iota
	// StateRunning means both pumps are active.
	StateRunning
	// StateStopped is terminal.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config holds transport configuration.
type Config struct {
	// Role selects how the egress pump picks a destination.
	Role config.Role

	// Remote is the fixed destination in the client role.
	Remote net.Addr

	// QueueSize is the capacity of the inbound and outbound queues.
	QueueSize int

	// VerifyChecksum drops inbound frames whose checksum does not verify.
	VerifyChecksum bool

	// RateLimit caps outbound frames per second. 0 means unlimited.
	RateLimit float64

	// RateBurst is the token bucket size used with RateLimit.
	RateBurst int
}

// Transport owns the raw socket and the two pumps.
type Transport struct {
	cfg     Config
	conn    PacketConn
	peer    *PeerResolver
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	outbound chan frame.Frame
	inbound  chan frame.Frame

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// New creates a transport over an already opened socket.
func New(cfg Config, conn PacketConn, logger *slog.Logger, m *metrics.Metrics) *Transport {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		cfg:      cfg,
		conn:     conn,
		peer:     NewPeerResolver(),
		logger:   logger.With(logging.KeyComponent, "transport", logging.KeyRole, string(cfg.Role)),
		metrics:  m,
		outbound: make(chan frame.Frame, cfg.QueueSize),
		inbound:  make(chan frame.Frame, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	m.SetTransportState(int(StateIdle))
	return t
}

// Open opens a raw ICMP socket bound to bind and wraps it in a Transport.
func Open(cfg Config, bind string, logger *slog.Logger, m *metrics.Metrics) (*Transport, error) {
	conn, err := Listen(bind)
	if err != nil {
		return nil, err
	}
	return New(cfg, conn, logger, m), nil
}

// Start launches the pumps and returns the queue endpoints. The inbound
// queue is closed when the ingress pump exits. Cancelling ctx stops the
// transport.
func (t *Transport) Start(ctx context.Context) (chan<- frame.Frame, <-chan frame.Frame, error) {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if t.State() == StateStopped {
			return nil, nil, ErrStopped
		}
		return nil, nil, ErrAlreadyStarted
	}
	t.metrics.SetTransportState(int(StateRunning))

	t.wg.Add(3)
	go t.egressPump()
	go t.ingressPump()
	go func() {
		defer t.wg.Done()
		select {
		case <-ctx.Done():
			t.shutdown(nil)
		case <-t.done:
		}
	}()

	t.logger.Info("transport started", "queue_size", t.cfg.QueueSize)

	return t.outbound, t.inbound, nil
}

// Stop closes the socket and waits for the pumps to exit. It is safe to
// call more than once.
func (t *Transport) Stop() {
	t.shutdown(nil)
	t.wg.Wait()
}

// Done is closed when the transport enters StateStopped.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that stopped the transport, or nil after a clean stop.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Peer returns the resolver holding the learned peer address.
func (t *Transport) Peer() *PeerResolver {
	return t.peer
}

// shutdown moves the transport to StateStopped. It does not wait for the
// pumps, so it may be called from inside one.
func (t *Transport) shutdown(cause error) {
	t.stopOnce.Do(func() {
		t.errMu.Lock()
		t.err = cause
		t.errMu.Unlock()

		t.state.Store(int32(StateStopped))
		t.metrics.SetTransportState(int(StateStopped))
		t.cancel()
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.logger.Debug("close socket", logging.KeyError, err)
		}
		close(t.done)

		if cause != nil {
			t.logger.Error("transport stopped", logging.KeyState, StateStopped.String(), logging.KeyError, cause)
		} else {
			t.logger.Info("transport stopped", logging.KeyState, StateStopped.String())
		}
	})
}

// destination resolves where the next frame goes.
func (t *Transport) destination() (net.Addr, bool) {
	if t.cfg.Role == config.RoleServer {
		return t.peer.Current()
	}
	return t.cfg.Remote, t.cfg.Remote != nil
}

func (t *Transport) egressPump() {
	defer t.wg.Done()
	defer recovery.RecoverWithCallback(t.logger, "transport.egress", func(r any) {
		t.shutdown(recovery.AsError("transport.egress", r))
	})

	for {
		var f frame.Frame
		select {
		case <-t.ctx.Done():
			return
		case f = <-t.outbound:
		}

		if t.limiter != nil {
			if err := t.limiter.Wait(t.ctx); err != nil {
				return
			}
		}

		dst, ok := t.destination()
		if !ok {
			t.metrics.RecordFrameDropped(metrics.ReasonNoPeer)
			t.logger.Debug("dropping frame, no peer learned yet",
				logging.KeyConnID, f.ConnID,
				logging.KeySeq, f.Seq)
			continue
		}

		if _, err := t.conn.WriteTo(f.Marshal(), dst); err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if isHardError(err) {
				t.shutdown(fmt.Errorf("send to %s: %w", dst, err))
				return
			}
			t.metrics.RecordFrameDropped(metrics.ReasonSendError)
			t.logger.Debug("send failed, frame dropped",
				logging.KeyPeer, dst.String(),
				logging.KeyConnID, f.ConnID,
				logging.KeyError, err)
			continue
		}

		t.metrics.RecordFrameSent()
	}
}

func (t *Transport) ingressPump() {
	defer t.wg.Done()
	defer close(t.inbound)
	defer recovery.RecoverWithCallback(t.logger, "transport.ingress", func(r any) {
		t.shutdown(recovery.AsError("transport.ingress", r))
	})

	buf := make([]byte, readBufferSize)
	for {
		n, src, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.shutdown(fmt.Errorf("receive: %w", err))
			return
		}

		f, err := t.decode(buf[:n])
		if err != nil {
			reason := "invalid"
			var de *frame.DecodeError
			if errors.As(err, &de) {
				reason = de.Reason
			}
			t.metrics.RecordDecodeError(reason)
			t.logger.Debug("dropping malformed datagram",
				logging.KeyRemoteAddr, addrString(src),
				logging.KeyReason, reason,
				logging.KeyError, err)
			continue
		}

		if t.cfg.Role == config.RoleServer {
			t.observePeer(src)
		}
		t.metrics.RecordFrameReceived()

		select {
		case t.inbound <- f:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) decode(raw []byte) (frame.Frame, error) {
	if t.cfg.VerifyChecksum {
		return frame.Decode(raw)
	}
	return frame.DecodeUnverified(raw)
}

func (t *Transport) observePeer(src net.Addr) {
	changed, prev := t.peer.Observe(src)
	if !changed {
		return
	}

	if prev == nil {
		t.logger.Info("peer learned", logging.KeyPeer, addrString(src))
		return
	}

	t.metrics.RecordPeerChange()
	t.logger.Warn("peer address changed",
		logging.KeyPeer, addrString(src),
		logging.KeyPrevPeer, prev.String())
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
