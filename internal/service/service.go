// Package service installs the daemon as a per-user service: a systemd
// user unit on Linux, a launchd agent on macOS and a scheduled task on
// Windows.
package service

import (
	"errors"
	"os"
	"time"
)

const (
	// Name is the systemd unit and scheduled task name.
	Name = "safnode"
	// Label is the launchd agent label.
	Label = "dev.safnode.daemon"
)

var (
	ErrNotInstalled     = errors.New("service not installed")
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrUnsupported      = errors.New("service installation is not supported on this platform")
)

// Status is the state of the installed service.
type Status struct {
	Installed bool          `json:"installed"`
	Running   bool          `json:"running"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// Installer manages the platform service definition.
type Installer interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Start() error
	Stop() error
	Status() (Status, error)
}

// Options describe the command the service runs.
type Options struct {
	// ExecPath is the safnode binary; defaults to the running executable.
	ExecPath string
	// ConfigFile is passed as --config when set.
	ConfigFile string
	// LogDir receives daemon output where the platform needs a file.
	LogDir string
}

func (o Options) withDefaults() Options {
	if o.ExecPath == "" {
		o.ExecPath, _ = os.Executable()
	}
	if o.ExecPath == "" {
		o.ExecPath = "/usr/local/bin/safnode"
	}
	return o
}

// Args is the daemon command line, without the executable.
func (o Options) Args() []string {
	args := []string{"daemon", "run"}
	if o.ConfigFile != "" {
		args = append(args, "--config", o.ConfigFile)
	}
	return args
}
