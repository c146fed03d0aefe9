// Package wizard provides the interactive configuration generator behind
// "pingtun init".
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/pingtun/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath string
	Role       config.Role

	ListenPort    string
	RemoteAddress string

	TargetHost string
	TargetPort string
	Multiplex  bool

	LogLevel      string
	HealthEnabled bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := Answers{
		ConfigPath: "./pingtun.yaml",
		Role:       config.RoleClient,
		ListenPort: "8022",
		TargetHost: "127.0.0.1",
		TargetPort: "22",
		LogLevel:   "info",
	}

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	var err error
	switch a.Role {
	case config.RoleClient:
		err = w.askClient(&a)
	case config.RoleServer:
		err = w.askServer(&a)
	}
	if err != nil {
		return nil, err
	}

	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  pingtun")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  TCP over ICMP tunnel - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where to write the configuration and which end of the tunnel this is."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./pingtun.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewSelect[config.Role]().
				Title("Role").
				Options(
					huh.NewOption("Client (accepts local TCP, sends ICMP)", config.RoleClient),
					huh.NewOption("Server (receives ICMP, connects to target)", config.RoleServer),
				).
				Value(&a.Role),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askClient(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client").
				Description("Local applications connect to 127.0.0.1 on the listen port."),

			huh.NewInput().
				Title("Listen Port").
				Placeholder("8022").
				Value(&a.ListenPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Server Address").
				Description("IPv4 address of the tunnel server").
				Value(&a.RemoteAddress).
				Validate(validateIPv4),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askServer(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server").
				Description("Tunnelled bytes are forwarded to this TCP service."),

			huh.NewInput().
				Title("Target Host").
				Placeholder("127.0.0.1").
				Value(&a.TargetHost).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("target host is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Target Port").
				Placeholder("22").
				Value(&a.TargetPort).
				Validate(validatePort),

			huh.NewConfirm().
				Title("Multiplex connections?").
				Description("Open one target connection per client connection").
				Value(&a.Multiplex),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a configuration.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Role = a.Role
	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"

	switch a.Role {
	case config.RoleClient:
		cfg.Client.Listen = net.JoinHostPort("127.0.0.1", a.ListenPort)
		cfg.Client.Remote = strings.TrimSpace(a.RemoteAddress)
	case config.RoleServer:
		cfg.Server.Target = net.JoinHostPort(strings.TrimSpace(a.TargetHost), a.TargetPort)
		cfg.Server.Multiplex = a.Multiplex
	}

	cfg.Health.Enabled = a.HealthEnabled

	return cfg
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# pingtun configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Role:         %s\n", cfg.Role)

	switch cfg.Role {
	case config.RoleClient:
		fmt.Printf("  Listen:       %s\n", cfg.Client.Listen)
		fmt.Printf("  Server:       %s\n", cfg.Client.Remote)
	case config.RoleServer:
		fmt.Printf("  Target:       %s\n", cfg.Server.Target)
		if cfg.Server.Multiplex {
			fmt.Println("  Multiplex:    enabled")
		}
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the tunnel (raw sockets need root or CAP_NET_RAW):")
	fmt.Printf("    sudo pingtun run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

func validateIPv4(s string) error {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("enter an IPv4 address")
	}
	return nil
}
