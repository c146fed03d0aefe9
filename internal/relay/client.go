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

// connIDAttempts bounds how many random ids are tried before giving up.
const connIDAttempts = 32

// ClientConfig holds client relay configuration.
type ClientConfig struct {
	// Listen is the local TCP address to accept connections on.
	Listen string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// ReadSize is the TCP read buffer size (default DefaultReadSize).
	ReadSize int
}

// Client accepts local TCP connections and relays each through the tunnel.
type Client struct {
	cfg        ClientConfig
	outbound   chan<- frame.Frame
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	listener net.Listener

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a client relay. Frames for each connection are sent on
// outbound; replies are taken from routes registered on dispatcher.
func NewClient(cfg ClientConfig, outbound chan<- frame.Frame, dispatcher *Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:         cfg,
		outbound:    outbound,
		dispatcher:  dispatcher,
		logger:      logger.With(logging.KeyComponent, "client"),
		metrics:     m,
		connections: make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the listener and begins accepting connections.
func (c *Client) Start() error {
	if c.running.Load() {
		return fmt.Errorf("client relay already running")
	}

	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.Listen, err)
	}

	c.listener = ln
	c.running.Store(true)

	c.wg.Add(1)
	go c.acceptLoop()

	c.logger.Info("client relay listening", logging.KeyLocalAddr, ln.Addr().String())
	return nil
}

// Stop closes the listener and every active connection, then waits for the
// relays to exit.
func (c *Client) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.running.Store(false)
		c.cancel()

		if c.listener != nil {
			err = c.listener.Close()
		}

		c.mu.Lock()
		for conn := range c.connections {
			conn.Close()
		}
		c.mu.Unlock()
	})

	c.wg.Wait()
	return err
}

// Addr returns the listening address.
func (c *Client) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// ConnectionCount returns the number of active relays.
func (c *Client) ConnectionCount() int64 {
	return c.connCount.Load()
}

func (c *Client) acceptLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "relay.Client.acceptLoop")

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Debug("accept error", logging.KeyError, err)
			continue
		}

		if c.cfg.MaxConnections > 0 && c.connCount.Load() >= int64(c.cfg.MaxConnections) {
			c.logger.Warn("connection limit reached, rejecting",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				"limit", c.cfg.MaxConnections)
			conn.Close()
			continue
		}

		c.mu.Lock()
		c.connections[conn] = struct{}{}
		c.mu.Unlock()
		c.connCount.Add(1)

		c.wg.Add(1)
		go c.handleConnection(conn)
	}
}

func (c *Client) handleConnection(conn net.Conn) {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "relay.Client.handleConnection")
	defer func() {
		conn.Close()
		c.mu.Lock()
		delete(c.connections, conn)
		c.mu.Unlock()
		c.connCount.Add(-1)
	}()

	id, inbound, err := c.allocate()
	if err != nil {
		c.logger.Error("cannot relay connection",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err)
		return
	}
	defer c.dispatcher.Unregister(id)

	logger := c.logger.With(logging.KeyConnID, id)
	logger.Debug("relay opened", logging.KeyRemoteAddr, conn.RemoteAddr().String())

	c.metrics.RecordRelayOpen()
	start := time.Now()

	stats, err := c.relay(c.ctx, conn, id, inbound)

	c.metrics.RecordRelayClose(time.Since(start).Seconds())
	attrs := []any{
		"sent", humanize.Bytes(uint64(stats.sent)),
		"received", humanize.Bytes(uint64(stats.received)),
		logging.KeyDuration, time.Since(start).Round(time.Millisecond),
	}
	if err != nil {
		var ce *ConnError
		if errors.As(err, &ce) {
			c.metrics.RecordRelayError(ce.Op)
		}
		logger.Info("relay ended with error", append(attrs, logging.KeyError, err)...)
		return
	}
	logger.Debug("relay closed", attrs...)
}

// allocate picks a fresh random connection id and registers its route.
func (c *Client) allocate() (uint16, <-chan frame.Frame, error) {
	for i := 0; i < connIDAttempts; i++ {
		id, err := randomConnID()
		if err != nil {
			return 0, nil, fmt.Errorf("generate connection id: %w", err)
		}
		if ch, ok := c.dispatcher.Register(id); ok {
			return id, ch, nil
		}
	}
	return 0, nil, ErrNoConnID
}

type relayStats struct {
	sent     int
	received int
}

// relay runs the lock-step loop for one connection until the stream ends.
// A clean end of stream returns a nil error.
func (c *Client) relay(ctx context.Context, conn net.Conn, id uint16, inbound <-chan frame.Frame) (relayStats, error) {
	var stats relayStats

	// Unblock a pending Read when the relay is stopped.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, c.cfg.ReadSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			if err := enqueue(ctx, c.outbound, frame.Encode(id, buf[:n])); err != nil {
				return stats, nil
			}
			stats.sent += n
			c.metrics.RecordBytes(metrics.DirectionToTunnel, n)

			var reply frame.Frame
			select {
			case reply = <-inbound:
			case <-ctx.Done():
				return stats, nil
			}

			if _, err := conn.Write(reply.Payload); err != nil {
				if ctx.Err() != nil {
					return stats, nil
				}
				return stats, &ConnError{Op: "write", ConnID: id, Err: err}
			}
			stats.received += len(reply.Payload)
			c.metrics.RecordBytes(metrics.DirectionFromTunnel, len(reply.Payload))
		}

		if readErr != nil {
			if isClosedErr(readErr) || ctx.Err() != nil {
				return stats, nil
			}
			return stats, &ConnError{Op: "read", ConnID: id, Err: readErr}
		}
	}
}
