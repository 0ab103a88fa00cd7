//go:build !windows

package crypto

import "golang.org/x/sys/unix"

func (p *Passphrase) lock() error {
	if len(p.data) == 0 {
		return nil
	}
	if err := unix.Mlock(p.data); err != nil {
		return err
	}
	p.locked = true
	return nil
}

func (p *Passphrase) unlock() error {
	if len(p.data) == 0 {
		return nil
	}
	err := unix.Munlock(p.data)
	if err == nil {
		p.locked = false
	}
	return err
}
