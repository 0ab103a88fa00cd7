//go:build windows

package service

import (
	"fmt"
	"os/exec"
	"strings"
)

type windowsInstaller struct {
	opts Options
}

// NewInstaller returns the scheduled task installer. The task runs at
// logon for the current user.
func NewInstaller(opts Options) Installer {
	return &windowsInstaller{opts: opts.withDefaults()}
}

func schtasks(args ...string) ([]byte, error) {
	return exec.Command("schtasks", args...).CombinedOutput()
}

func (i *windowsInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}
	out, err := schtasks("/Create", "/TN", Name, "/TR", TaskCommand(i.opts), "/SC", "ONLOGON", "/RL", "LIMITED", "/F")
	if err != nil {
		return fmt.Errorf("schtasks create: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (i *windowsInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	schtasks("/End", "/TN", Name)
	if out, err := schtasks("/Delete", "/TN", Name, "/F"); err != nil {
		return fmt.Errorf("schtasks delete: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (i *windowsInstaller) IsInstalled() bool {
	_, err := schtasks("/Query", "/TN", Name)
	return err == nil
}

func (i *windowsInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if out, err := schtasks("/Run", "/TN", Name); err != nil {
		return fmt.Errorf("schtasks run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (i *windowsInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if out, err := schtasks("/End", "/TN", Name); err != nil {
		return fmt.Errorf("schtasks end: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (i *windowsInstaller) Status() (Status, error) {
	var status Status
	out, err := schtasks("/Query", "/TN", Name, "/FO", "LIST")
	if err != nil {
		return status, nil
	}
	status.Installed = true
	status.Running = strings.Contains(string(out), "Running")
	return status, nil
}
