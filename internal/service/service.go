// Package service installs pingtun as a system service. Only systemd on
// Linux is supported.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrUnsupported is returned on platforms without systemd support.
var ErrUnsupported = errors.New("service installation is only supported on linux with systemd")

// ServiceConfig holds configuration for installing the service.
type ServiceConfig struct {
	// Name is the systemd unit name without the .service suffix
	Name string

	// Description is the service description
	Description string

	// ConfigPath is the absolute path to the config file
	ConfigPath string

	// WorkingDir is the working directory for the service
	WorkingDir string

	// User is the user to run the service as (empty for root)
	User string

	// Group is the group to run the service as (empty for root)
	Group string
}

// DefaultConfig returns a service configuration for configPath. The unit
// name includes the role so a client and a server can run on one host.
func DefaultConfig(configPath, role string) ServiceConfig {
	absPath, _ := filepath.Abs(configPath)

	name := "pingtun"
	if role != "" {
		name += "-" + role
	}

	return ServiceConfig{
		Name:        name,
		Description: fmt.Sprintf("pingtun TCP over ICMP tunnel (%s)", role),
		ConfigPath:  absPath,
		WorkingDir:  filepath.Dir(absPath),
	}
}

// Install writes, enables and starts the unit. Must run as root.
func Install(cfg ServiceConfig) error {
	if !IsRoot() {
		return fmt.Errorf("must run as root to install service")
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops, disables and removes the unit. Must run as root.
func Uninstall(serviceName string) error {
	if !IsRoot() {
		return fmt.Errorf("must run as root to uninstall service")
	}
	return uninstallImpl(serviceName)
}

// Status returns the systemd activity state of the service.
func Status(serviceName string) (string, error) {
	return statusImpl(serviceName)
}

// IsInstalled checks if the service is already installed.
func IsInstalled(serviceName string) bool {
	return isInstalledImpl(serviceName)
}

// IsRoot returns true if the process runs with UID 0.
func IsRoot() bool {
	return isRootImpl()
}

// runCommand executes a command and returns combined output.
func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
