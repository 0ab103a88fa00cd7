//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

type darwinInstaller struct {
	opts      Options
	plistPath string
}

// NewInstaller returns the launchd agent installer.
func NewInstaller(opts Options) Installer {
	home, _ := os.UserHomeDir()
	opts = opts.withDefaults()
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(home, "Library", "Logs", "safnode")
	}
	return &darwinInstaller{
		opts:      opts,
		plistPath: filepath.Join(home, "Library", "LaunchAgents", Label+".plist"),
	}
}

func (i *darwinInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}
	if err := os.MkdirAll(filepath.Dir(i.plistPath), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.MkdirAll(i.opts.LogDir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.WriteFile(i.plistPath, []byte(LaunchdPlist(i.opts)), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	return nil
}

func (i *darwinInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	exec.Command("launchctl", "unload", i.plistPath).Run()
	if err := os.Remove(i.plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (i *darwinInstaller) IsInstalled() bool {
	_, err := os.Stat(i.plistPath)
	return err == nil
}

func (i *darwinInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("launchctl", "load", i.plistPath).Run(); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}
	return nil
}

func (i *darwinInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("launchctl", "unload", i.plistPath).Run(); err != nil {
		return fmt.Errorf("launchctl unload: %w", err)
	}
	return nil
}

func (i *darwinInstaller) Status() (Status, error) {
	var status Status
	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	// "launchctl list <label>" prints a plist-ish dict including "PID" = n;
	out, err := exec.Command("launchctl", "list", Label).Output()
	if err != nil {
		return status, nil
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, `"PID"`) {
			continue
		}
		v := strings.Trim(strings.TrimPrefix(line, `"PID" =`), " ;")
		if pid, err := strconv.Atoi(v); err == nil {
			status.PID = pid
			status.Running = true
		}
	}
	return status, nil
}
