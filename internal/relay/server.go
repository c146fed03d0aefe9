package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/pingtun/internal/frame"
	"github.com/postalsys/pingtun/internal/logging"
	"github.com/postalsys/pingtun/internal/metrics"
	"github.com/postalsys/pingtun/internal/recovery"
)

// ErrIdle is returned by a multiplexed session closed for inactivity.
var ErrIdle = errors.New("session idle")

// ServerConfig holds server relay configuration.
type ServerConfig struct {
	// Target is the TCP host:port every session connects to.
	Target string

	// DialTimeout bounds each connection attempt to Target.
	DialTimeout time.Duration

	// Multiplex gives every connection id its own target connection.
	// Otherwise a single target connection is opened at start and tagged
	// with whichever connection id arrived last.
	Multiplex bool

	// IdleTimeout closes multiplexed sessions with no traffic (0 = never).
	IdleTimeout time.Duration

	// ReadSize is the target read buffer size (default DefaultReadSize).
	ReadSize int

	// QueueSize is the per-session inbound queue capacity in multiplex mode.
	QueueSize int
}

// Server forwards tunnel frames to the target and target bytes back into
// the tunnel.
type Server struct {
	cfg      ServerConfig
	outbound chan<- frame.Frame
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dial     func(ctx context.Context, network, address string) (net.Conn, error)

	dispatcher *Dispatcher
	sessions   atomic.Int64

	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewServer creates a server relay that enqueues frames on outbound.
func NewServer(cfg ServerConfig, outbound chan<- frame.Frame, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	return &Server{
		cfg:      cfg,
		outbound: outbound,
		logger:   logger.With(logging.KeyComponent, "server", logging.KeyTarget, cfg.Target),
		metrics:  m,
		dial:     dialer.DialContext,
		done:     make(chan struct{}),
	}
}

// Start begins relaying frames taken from inbound.
//
// In single mode the target is dialed before Start returns and a dial
// failure is returned. The relay ends when the target connection closes,
// inbound is closed, or ctx is done; Done is closed then.
func (s *Server) Start(ctx context.Context, inbound <-chan frame.Frame) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("server relay already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.Multiplex {
		s.startMultiplex(inbound)
		return nil
	}

	conn, err := s.dial(s.ctx, "tcp", s.cfg.Target)
	if err != nil {
		s.cancel()
		s.finish(nil)
		return fmt.Errorf("connect to target %s: %w", s.cfg.Target, err)
	}
	s.logger.Info("connected to target", logging.KeyRemoteAddr, conn.RemoteAddr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		defer func() { s.finish(err) }()
		defer recovery.RecoverWithCallback(s.logger, "relay.Server.single", func(r any) {
			err = recovery.AsError("relay.Server.single", r)
		})

		err = s.runSession(s.ctx, conn, inbound, &session{track: true})
	}()

	return nil
}

func (s *Server) startMultiplex(inbound <-chan frame.Frame) {
	s.dispatcher = NewDispatcher(s.cfg.QueueSize, s.logger, s.metrics)
	s.dispatcher.OnUnknown(s.openSession)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(nil)
		defer recovery.RecoverWithLog(s.logger, "relay.Server.dispatch")

		s.dispatcher.Run(s.ctx, inbound)
	}()
}

// openSession registers a route for a new connection id and starts its
// session. Runs on the dispatcher goroutine so it must not block.
func (s *Server) openSession(f frame.Frame) {
	if s.ctx.Err() != nil {
		return
	}
	ch, ok := s.dispatcher.Register(f.ConnID)
	if !ok {
		s.dispatcher.Dispatch(f)
		return
	}
	s.dispatcher.Dispatch(f)

	s.wg.Add(1)
	go func(id uint16) {
		defer s.wg.Done()
		defer s.dispatcher.Unregister(id)
		defer recovery.RecoverWithLog(s.logger, "relay.Server.session")

		logger := s.logger.With(logging.KeyConnID, id)

		dctx, cancel := context.WithTimeout(s.ctx, s.dialTimeout())
		conn, err := s.dial(dctx, "tcp", s.cfg.Target)
		cancel()
		if err != nil {
			s.metrics.RecordRelayError("dial")
			logger.Warn("connect to target failed", logging.KeyError, err)
			return
		}

		if err := s.runSession(s.ctx, conn, ch, &session{id: id}); err != nil {
			logger.Debug("session ended", logging.KeyError, err)
		}
	}(f.ConnID)
}

func (s *Server) dialTimeout() time.Duration {
	if s.cfg.DialTimeout > 0 {
		return s.cfg.DialTimeout
	}
	return 10 * time.Second
}

// session is the per-target-connection state of the select loop.
type session struct {
	// id tags frames read from the target.
	id uint16
	// track updates id from every inbound frame.
	track bool
}

type readResult struct {
	data []byte
	err  error
}

// runSession relays between conn and the tunnel until one side ends. conn
// is closed on return. A target that closes the stream is not an error.
func (s *Server) runSession(ctx context.Context, conn net.Conn, in <-chan frame.Frame, sess *session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	s.sessions.Add(1)
	defer s.sessions.Add(-1)
	s.metrics.RecordRelayOpen()
	start := time.Now()
	var sent, received int
	defer func() {
		s.metrics.RecordRelayClose(time.Since(start).Seconds())
		s.logger.Debug("session closed",
			logging.KeyConnID, sess.id,
			"to_target", humanize.Bytes(uint64(received)),
			"from_target", humanize.Bytes(uint64(sent)),
			logging.KeyDuration, time.Since(start).Round(time.Millisecond))
	}()

	reads := make(chan readResult)
	go func() {
		defer recovery.RecoverWithLog(s.logger, "relay.Server.reader")
		buf := make([]byte, s.cfg.ReadSize)
		for {
			n, err := conn.Read(buf)
			var r readResult
			if n > 0 {
				r.data = append([]byte(nil), buf[:n]...)
			}
			r.err = err
			select {
			case reads <- r:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var idle <-chan time.Time
	var timer *time.Timer
	if s.cfg.Multiplex && s.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(s.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}
	touch := func() {
		if timer != nil {
			timer.Reset(s.cfg.IdleTimeout)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case f, ok := <-in:
			if !ok {
				return nil
			}
			touch()
			if sess.track && f.ConnID != sess.id {
				s.logger.Debug("active connection changed",
					logging.KeyConnID, f.ConnID, "previous", sess.id)
				sess.id = f.ConnID
			}
			if _, err := conn.Write(f.Payload); err != nil {
				s.metrics.RecordRelayError("write")
				return &ConnError{Op: "write", ConnID: sess.id, Err: err}
			}
			received += len(f.Payload)
			s.metrics.RecordBytes(metrics.DirectionFromTunnel, len(f.Payload))

		case r := <-reads:
			if len(r.data) > 0 {
				touch()
				if err := enqueue(ctx, s.outbound, frame.Encode(sess.id, r.data)); err != nil {
					return nil
				}
				sent += len(r.data)
				s.metrics.RecordBytes(metrics.DirectionToTunnel, len(r.data))
			}
			if r.err != nil {
				if isClosedErr(r.err) {
					s.logger.Info("target closed connection", logging.KeyConnID, sess.id)
					return nil
				}
				s.metrics.RecordRelayError("read")
				return &ConnError{Op: "read", ConnID: sess.id, Err: r.err}
			}

		case <-idle:
			return &ConnError{Op: "idle", ConnID: sess.id, Err: ErrIdle}
		}
	}
}

// ActiveSessions returns the number of open target connections.
func (s *Server) ActiveSessions() int64 {
	return s.sessions.Load()
}

// Stop ends every session and waits for them to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.finish(nil)
}

// Done is closed when the relay has ended.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the relay, if any.
func (s *Server) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Server) finish(err error) {
	s.stopOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}
