//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type linuxInstaller struct {
	opts     Options
	unitPath string
}

// NewInstaller returns the systemd user unit installer.
func NewInstaller(opts Options) Installer {
	home, _ := os.UserHomeDir()
	return &linuxInstaller{
		opts:     opts.withDefaults(),
		unitPath: filepath.Join(home, ".config", "systemd", "user", Name+".service"),
	}
}

func systemctl(args ...string) ([]byte, error) {
	return exec.Command("systemctl", append([]string{"--user"}, args...)...).Output()
}

func (i *linuxInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}
	if err := os.MkdirAll(filepath.Dir(i.unitPath), 0755); err != nil {
		return fmt.Errorf("create systemd user dir: %w", err)
	}
	if err := os.WriteFile(i.unitPath, []byte(SystemdUnit(i.opts)), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if _, err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if _, err := systemctl("enable", Name); err != nil {
		return fmt.Errorf("systemctl enable: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	systemctl("stop", Name)
	systemctl("disable", Name)
	if err := os.Remove(i.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	systemctl("daemon-reload")
	return nil
}

func (i *linuxInstaller) IsInstalled() bool {
	_, err := os.Stat(i.unitPath)
	return err == nil
}

func (i *linuxInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if _, err := systemctl("start", Name); err != nil {
		return fmt.Errorf("systemctl start: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if _, err := systemctl("stop", Name); err != nil {
		return fmt.Errorf("systemctl stop: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Status() (Status, error) {
	var status Status
	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	out, _ := systemctl("is-active", Name)
	status.Running = strings.TrimSpace(string(out)) == "active"
	if !status.Running {
		return status, nil
	}

	out, _ = systemctl("show", Name, "--property=MainPID", "--value")
	if pid, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil {
		status.PID = pid
	}
	out, _ = systemctl("show", Name, "--property=ActiveEnterTimestamp", "--value")
	if t, err := time.Parse("Mon 2006-01-02 15:04:05 MST", strings.TrimSpace(string(out))); err == nil {
		status.Uptime = time.Since(t)
	}
	return status, nil
}
