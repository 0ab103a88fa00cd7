//go:build windows

package crypto

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func (p *Passphrase) lock() error {
	if len(p.data) == 0 {
		return nil
	}
	if err := windows.VirtualLock(uintptr(unsafe.Pointer(&p.data[0])), uintptr(len(p.data))); err != nil {
		return err
	}
	p.locked = true
	return nil
}

func (p *Passphrase) unlock() error {
	if len(p.data) == 0 {
		return nil
	}
	err := windows.VirtualUnlock(uintptr(unsafe.Pointer(&p.data[0])), uintptr(len(p.data)))
	if err == nil {
		p.locked = false
	}
	return err
}
