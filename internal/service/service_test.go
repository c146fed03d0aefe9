package service

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("pingtun.yaml", "server")

	if cfg.Name != "pingtun-server" {
		t.Errorf("Name = %q, want pingtun-server", cfg.Name)
	}
	if !filepath.IsAbs(cfg.ConfigPath) {
		t.Errorf("ConfigPath %q should be absolute", cfg.ConfigPath)
	}
	if cfg.WorkingDir != filepath.Dir(cfg.ConfigPath) {
		t.Errorf("WorkingDir = %q, want %q", cfg.WorkingDir, filepath.Dir(cfg.ConfigPath))
	}
	if !strings.Contains(cfg.Description, "server") {
		t.Errorf("Description %q should mention the role", cfg.Description)
	}
}

func TestDefaultConfig_NoRole(t *testing.T) {
	if got := DefaultConfig("/etc/pingtun/pingtun.yaml", "").Name; got != "pingtun" {
		t.Errorf("Name = %q, want pingtun", got)
	}
}
