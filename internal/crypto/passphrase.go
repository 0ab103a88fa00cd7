package crypto

import (
	"crypto/subtle"
	"runtime"
	"sync"
)

// Passphrase holds an identity passphrase in memory that is locked
// against swapping where the OS allows it, and zeroed on Destroy.
type Passphrase struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewPassphrase takes ownership of b: its contents are copied into locked
// memory and b is zeroed.
func NewPassphrase(b []byte) *Passphrase {
	p := &Passphrase{data: make([]byte, len(b))}
	// mlock needs CAP_IPC_LOCK or a sufficient RLIMIT_MEMLOCK; without it
	// the passphrase is still zeroed on Destroy.
	_ = p.lock()
	copy(p.data, b)
	ZeroBytes(b)
	runtime.SetFinalizer(p, (*Passphrase).Destroy)
	return p
}

// Bytes returns the passphrase. The slice is only valid until Destroy.
func (p *Passphrase) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *Passphrase) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

// Locked reports whether the memory is locked against swapping.
func (p *Passphrase) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// Destroy zeroes and unlocks the passphrase. It is safe to call twice.
func (p *Passphrase) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		return
	}
	ZeroBytes(p.data)
	if p.locked {
		p.unlock()
	}
	p.data = nil
	runtime.SetFinalizer(p, nil)
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
	runtime.KeepAlive(b)
}
