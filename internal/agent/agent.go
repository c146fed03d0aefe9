// Package agent wires configuration, the ICMP transport, the relays and the
// health server into one running tunnel endpoint.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/pingtun/internal/config"
	"github.com/postalsys/pingtun/internal/health"
	"github.com/postalsys/pingtun/internal/logging"
	"github.com/postalsys/pingtun/internal/metrics"
	"github.com/postalsys/pingtun/internal/recovery"
	"github.com/postalsys/pingtun/internal/relay"
	"github.com/postalsys/pingtun/internal/transport"
)

// ErrTransportStopped is reported when the transport stops without a cause.
var ErrTransportStopped = errors.New("transport stopped unexpectedly")

// Option customizes an Agent.
type Option func(*Agent)

// WithLogger sets the logger instead of building one from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithPacketConn uses conn instead of opening a raw ICMP socket.
func WithPacketConn(conn transport.PacketConn) Option {
	return func(a *Agent) { a.conn = conn }
}

// WithRegistry registers metrics with reg and serves them from it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *Agent) { a.registry = reg }
}

// Agent is one tunnel endpoint, client or server.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	conn     transport.PacketConn

	transport    *transport.Transport
	dispatcher   *relay.Dispatcher
	client       *relay.Client
	server       *relay.Server
	healthServer *health.Server

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// New creates an agent for cfg. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalid)
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("%w: invalid role %q", config.ErrInvalid, cfg.Role)
	}

	a := &Agent{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		a.logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	a.logger = a.logger.With(logging.KeyRole, string(cfg.Role))

	if a.registry != nil {
		a.metrics = metrics.NewMetricsWithRegistry(a.registry)
	} else {
		a.metrics = metrics.Default()
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())

	if cfg.Health.Enabled {
		hcfg := health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}
		if a.registry != nil {
			hcfg.Gatherer = a.registry
		}
		a.healthServer = health.NewServer(hcfg, &agentStatsProvider{agent: a})
	}

	return a, nil
}

// Start opens the raw socket and starts the transport, the relay for the
// configured role and the health server. On error everything already
// started is stopped again.
func (a *Agent) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already running")
	}

	a.logger.Info("starting agent", logging.KeyComponent, "agent")

	if err := a.start(); err != nil {
		a.logger.Error("failed to start agent", logging.KeyError, err)
		a.Stop()
		return err
	}

	a.wg.Add(1)
	go a.watch()

	a.logger.Info("agent started")
	return nil
}

func (a *Agent) start() error {
	tcfg := transport.Config{
		Role:           a.cfg.Role,
		QueueSize:      a.cfg.ICMP.QueueSize,
		VerifyChecksum: a.cfg.ICMP.VerifyChecksum,
		RateLimit:      a.cfg.ICMP.RateLimit,
		RateBurst:      a.cfg.ICMP.RateBurst,
	}
	if a.cfg.Role == config.RoleClient {
		ip := net.ParseIP(a.cfg.Client.Remote)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: client.remote: invalid IPv4 address: %s", config.ErrInvalid, a.cfg.Client.Remote)
		}
		tcfg.Remote = &net.IPAddr{IP: ip.To4()}
	}

	if a.conn != nil {
		a.transport = transport.New(tcfg, a.conn, a.logger, a.metrics)
	} else {
		tr, err := transport.Open(tcfg, a.cfg.ICMP.Bind, a.logger, a.metrics)
		if err != nil {
			return err
		}
		a.transport = tr
	}

	outbound, inbound, err := a.transport.Start(a.ctx)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	switch a.cfg.Role {
	case config.RoleClient:
		a.dispatcher = relay.NewDispatcher(a.cfg.ICMP.QueueSize, a.logger, a.metrics)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer recovery.RecoverWithLog(a.logger, "agent.dispatcher")
			a.dispatcher.Run(a.ctx, inbound)
		}()

		a.client = relay.NewClient(relay.ClientConfig{
			Listen:         a.cfg.Client.Listen,
			MaxConnections: a.cfg.Client.MaxConnections,
		}, outbound, a.dispatcher, a.logger, a.metrics)
		if err := a.client.Start(); err != nil {
			return fmt.Errorf("start client relay: %w", err)
		}

	case config.RoleServer:
		a.server = relay.NewServer(relay.ServerConfig{
			Target:      a.cfg.Server.Target,
			DialTimeout: a.cfg.Server.DialTimeout,
			Multiplex:   a.cfg.Server.Multiplex,
			IdleTimeout: a.cfg.Server.IdleTimeout,
			QueueSize:   a.cfg.ICMP.QueueSize,
		}, outbound, a.logger, a.metrics)
		if err := a.server.Start(a.ctx, inbound); err != nil {
			return fmt.Errorf("start server relay: %w", err)
		}
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started", logging.KeyLocalAddr, a.healthServer.Address().String())
	}

	return nil
}

// watch ends the agent when the transport or the single-target server
// relay stops on its own.
func (a *Agent) watch() {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "agent.watch")

	var serverDone <-chan struct{}
	if a.server != nil && !a.cfg.Server.Multiplex {
		serverDone = a.server.Done()
	}

	select {
	case <-a.ctx.Done():
		return

	case <-a.transport.Done():
		err := a.transport.Err()
		if err == nil {
			err = ErrTransportStopped
		}
		a.logger.Error("transport stopped", logging.KeyError, err)
		a.finish(err)

	case <-serverDone:
		if err := a.server.Err(); err != nil {
			a.logger.Error("server relay ended", logging.KeyError, err)
			a.finish(err)
			return
		}
		a.logger.Info("server relay ended")
		a.finish(nil)
	}

	go a.Stop()
}

// Stop shuts every component down. It is safe to call more than once.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")

		a.running.Store(false)
		a.cancel()

		if a.healthServer != nil {
			a.healthServer.Stop()
		}
		if a.client != nil {
			a.client.Stop()
		}
		if a.server != nil {
			a.server.Stop()
		}
		if a.transport != nil {
			a.transport.Stop()
		}

		a.wg.Wait()
		a.finish(nil)

		a.logger.Info("agent stopped")
	})
	return nil
}

// Done is closed once the agent has ended, either through Stop or because
// a component failed.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Err returns the failure that ended the agent, or nil.
func (a *Agent) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *Agent) finish(err error) {
	a.doneOnce.Do(func() {
		a.errMu.Lock()
		a.err = err
		a.errMu.Unlock()
		close(a.done)
	})
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// ClientAddr returns the client relay's listening address, or nil.
func (a *Agent) ClientAddr() net.Addr {
	if a.client == nil {
		return nil
	}
	return a.client.Addr()
}

// HealthAddr returns the health server's listening address, or nil.
func (a *Agent) HealthAddr() net.Addr {
	if a.healthServer == nil {
		return nil
	}
	return a.healthServer.Address()
}

// Stats returns a snapshot for the health endpoints.
func (a *Agent) Stats() health.Stats {
	s := health.Stats{
		Role:           string(a.cfg.Role),
		TransportState: transport.StateIdle.String(),
	}
	if a.transport != nil {
		s.TransportState = a.transport.State().String()
		if peer, ok := a.transport.Peer().Current(); ok {
			s.Peer = peer.String()
		}
	}
	switch a.cfg.Role {
	case config.RoleClient:
		s.Listen = a.cfg.Client.Listen
		if a.client != nil {
			if addr := a.client.Addr(); addr != nil {
				s.Listen = addr.String()
			}
			s.ActiveRelays = a.client.ConnectionCount()
		}
	case config.RoleServer:
		s.Target = a.cfg.Server.Target
		if a.server != nil {
			s.ActiveRelays = a.server.ActiveSessions()
		}
	}
	return s
}

// agentStatsProvider adapts Agent to health.StatsProvider interface.
type agentStatsProvider struct {
	agent *Agent
}

// IsRunning implements health.StatsProvider.
func (p *agentStatsProvider) IsRunning() bool {
	return p.agent.IsRunning() && p.agent.transport != nil &&
		p.agent.transport.State() == transport.StateRunning
}

// Stats implements health.StatsProvider.
func (p *agentStatsProvider) Stats() health.Stats {
	return p.agent.Stats()
}
