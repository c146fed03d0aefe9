package main

import (
	"net"
	"strconv"

	"github.com/postalsys/pingtun/internal/config"
)

type runFlags struct {
	client        bool
	server        bool
	listenPort    int
	remoteAddress string
	remotePort    int
	configPath    string
	logLevel      string
	logFormat     string
	multiplex     bool
	healthAddress string
}

// loadConfig reads the configuration file if one was given, applies the
// command-line overrides and validates the result.
func loadConfig(f runFlags, changed func(name string) bool) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.LoadUnvalidated(f.configPath)
		if err != nil {
			return nil, err
		}
	}

	applyFlags(cfg, f, changed)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, f runFlags, changed func(name string) bool) {
	switch {
	case f.client:
		cfg.Role = config.RoleClient
	case f.server:
		cfg.Role = config.RoleServer
	}

	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("health") {
		cfg.Health.Enabled = true
		cfg.Health.Address = f.healthAddress
	}

	switch cfg.Role {
	case config.RoleClient:
		if changed("listen-port") {
			host, _, err := net.SplitHostPort(cfg.Client.Listen)
			if err != nil || host == "" {
				host = "127.0.0.1"
			}
			cfg.Client.Listen = net.JoinHostPort(host, strconv.Itoa(f.listenPort))
		}
		if changed("remote-address") {
			cfg.Client.Remote = f.remoteAddress
		}

	case config.RoleServer:
		if changed("remote-address") || changed("remote-port") {
			host, port, _ := net.SplitHostPort(cfg.Server.Target)
			if changed("remote-address") {
				host = f.remoteAddress
			}
			if changed("remote-port") {
				port = strconv.Itoa(f.remotePort)
			}
			cfg.Server.Target = net.JoinHostPort(host, port)
		}
		if changed("multiplex") {
			cfg.Server.Multiplex = f.multiplex
		}
	}
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
