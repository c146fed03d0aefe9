package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/pingtun/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name    string
		answers Answers
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "client",
			answers: Answers{
				Role:          config.RoleClient,
				ListenPort:    "9000",
				RemoteAddress: " 203.0.113.5 ",
				LogLevel:      "debug",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Client.Listen != "127.0.0.1:9000" {
					t.Errorf("Client.Listen = %q, want 127.0.0.1:9000", cfg.Client.Listen)
				}
				if cfg.Client.Remote != "203.0.113.5" {
					t.Errorf("Client.Remote = %q, want 203.0.113.5", cfg.Client.Remote)
				}
				if cfg.Log.Level != "debug" {
					t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
				}
			},
		},
		{
			name: "server",
			answers: Answers{
				Role:       config.RoleServer,
				TargetHost: "10.0.0.4",
				TargetPort: "22",
				Multiplex:  true,
				LogLevel:   "info",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Server.Target != "10.0.0.4:22" {
					t.Errorf("Server.Target = %q, want 10.0.0.4:22", cfg.Server.Target)
				}
				if !cfg.Server.Multiplex {
					t.Error("Server.Multiplex should be true")
				}
			},
		},
		{
			name: "health enabled",
			answers: Answers{
				Role:          config.RoleClient,
				ListenPort:    "8022",
				RemoteAddress: "192.0.2.1",
				LogLevel:      "warn",
				HealthEnabled: true,
			},
			check: func(t *testing.T, cfg *config.Config) {
				if !cfg.Health.Enabled {
					t.Error("Health.Enabled should be true")
				}
				if cfg.Health.Address == "" {
					t.Error("Health.Address should keep its default")
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := BuildConfig(tc.answers)
			if cfg.Role != tc.answers.Role {
				t.Errorf("Role = %q, want %q", cfg.Role, tc.answers.Role)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("built config does not validate: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	cfg := BuildConfig(Answers{
		Role:          config.RoleClient,
		ListenPort:    "8022",
		RemoteAddress: "192.0.2.1",
		LogLevel:      "debug",
	})

	configPath := filepath.Join(t.TempDir(), "pingtun.yaml")
	if err := WriteConfig(cfg, configPath); err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "# pingtun configuration") {
		t.Error("Config file missing header comment")
	}
	for _, want := range []string{"role: client", "remote: 192.0.2.1", "level: debug"} {
		if !strings.Contains(content, want) {
			t.Errorf("Config file missing %q", want)
		}
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load on written file: %v", err)
	}
	if loaded.Client.Listen != cfg.Client.Listen || loaded.Client.Remote != cfg.Client.Remote {
		t.Errorf("loaded client = %+v, want %+v", loaded.Client, cfg.Client)
	}
	if loaded.Server.DialTimeout != cfg.Server.DialTimeout {
		t.Errorf("loaded dial timeout = %v, want %v", loaded.Server.DialTimeout, cfg.Server.DialTimeout)
	}
}

func TestWriteConfigCreatesDirectory(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "subdir", "nested", "pingtun.yaml")

	if err := WriteConfig(config.Default(), configPath); err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) error
		input   string
		wantErr bool
	}{
		{"port ok", validatePort, "22", false},
		{"port zero", validatePort, "0", true},
		{"port too large", validatePort, "65536", true},
		{"port not a number", validatePort, "ssh", true},
		{"ipv4 ok", validateIPv4, "198.51.100.1", false},
		{"ipv6 rejected", validateIPv4, "2001:db8::1", true},
		{"hostname rejected", validateIPv4, "example.com", true},
		{"yaml path", validateConfigPath, "./pingtun.yaml", false},
		{"yml path", validateConfigPath, "conf/p.yml", false},
		{"json path", validateConfigPath, "p.json", true},
		{"empty path", validateConfigPath, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn(tc.input)
			if (err != nil) != tc.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
