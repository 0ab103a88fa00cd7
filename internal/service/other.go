//go:build !linux && !darwin && !windows

package service

type unsupported struct{}

// NewInstaller returns an installer that reports ErrUnsupported.
func NewInstaller(opts Options) Installer { return unsupported{} }

func (unsupported) Install() error          { return ErrUnsupported }
func (unsupported) Uninstall() error        { return ErrUnsupported }
func (unsupported) IsInstalled() bool       { return false }
func (unsupported) Start() error            { return ErrUnsupported }
func (unsupported) Stop() error             { return ErrUnsupported }
func (unsupported) Status() (Status, error) { return Status{}, ErrUnsupported }
