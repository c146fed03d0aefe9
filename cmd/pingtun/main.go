// Package main provides the CLI entry point for the pingtun TCP-over-ICMP
// tunnel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/postalsys/pingtun/internal/agent"
	"github.com/postalsys/pingtun/internal/config"
	"github.com/postalsys/pingtun/internal/service"
	"github.com/postalsys/pingtun/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

var (
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pingtun",
		Short: "pingtun - TCP over ICMP tunnel",
		Long: `pingtun carries TCP streams inside ICMP echo datagrams.

The client accepts local TCP connections and sends their bytes to the
server as ICMP packets; the server forwards them to a target TCP service
and sends the replies back the same way. Both ends need raw socket
access (root or CAP_NET_RAW).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tunnel endpoint",
		Long: `Start a tunnel endpoint.

Client: listens on 127.0.0.1:LISTEN_PORT and tunnels to REMOTE_ADDRESS.
Server: forwards tunnelled bytes to REMOTE_ADDRESS:REMOTE_PORT.

Flags override values from the configuration file.`,
		Example: `  pingtun run --client -p 8022 -a 203.0.113.10
  pingtun run --server -a 127.0.0.1 -r 22
  pingtun run -c pingtun.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.Flags().Changed)
			if err != nil {
				return err
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}

			switch cfg.Role {
			case config.RoleClient:
				port := cfg.ListenPort()
				if addr := a.ClientAddr(); addr != nil {
					port = portOf(addr.String())
				}
				fmt.Println(okStyle.Render(fmt.Sprintf("Serving on port %d...", port)))
			case config.RoleServer:
				fmt.Println(okStyle.Render(fmt.Sprintf("Forwarding to %s...", cfg.Server.Target)))
			}
			if addr := a.HealthAddr(); addr != nil {
				fmt.Println(dimStyle.Render(fmt.Sprintf("Health endpoint: http://%s/health", addr)))
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case sig := <-sigCh:
				fmt.Println(dimStyle.Render(fmt.Sprintf("\nReceived signal %v, shutting down...", sig)))
			case <-a.Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			stopped := make(chan struct{})
			go func() {
				a.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				return fmt.Errorf("shutdown timed out")
			}

			if err := a.Err(); err != nil {
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&flags.client, "client", false, "Run as tunnel client")
	f.BoolVar(&flags.server, "server", false, "Run as tunnel server")
	f.IntVarP(&flags.listenPort, "listen-port", "p", 0, "Client: local TCP port to listen on")
	f.StringVarP(&flags.remoteAddress, "remote-address", "a", "", "Client: server IPv4 address. Server: target host")
	f.IntVarP(&flags.remotePort, "remote-port", "r", 0, "Server: target TCP port")
	f.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	f.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flags.logFormat, "log-format", "", "Log format (text, json, auto)")
	f.BoolVar(&flags.multiplex, "multiplex", false, "Server: one target connection per client connection")
	f.StringVar(&flags.healthAddress, "health", "", "Serve health and metrics endpoints on this address")
	cmd.MarkFlagsMutuallyExclusive("client", "server")

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup wizard: %w", err)
			}
			return nil
		},
	}
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
	}

	var configPath string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start a systemd unit for a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			svc := service.DefaultConfig(configPath, string(cfg.Role))
			if err := service.Install(svc); err != nil {
				return err
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("Installed %s", svc.Name)))
			return nil
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./pingtun.yaml", "Path to configuration file")

	var name string
	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove a systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall(name)
		},
	}
	uninstall.Flags().StringVarP(&name, "name", "n", "pingtun-client", "Service name")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsInstalled(name) {
				fmt.Printf("%s: not installed\n", name)
				return nil
			}
			st, err := service.Status(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", name, st)
			return nil
		},
	}
	status.Flags().StringVarP(&name, "name", "n", "pingtun-client", "Service name")

	cmd.AddCommand(install, uninstall, status)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pingtun %s\n", Version)
		},
	}
}
