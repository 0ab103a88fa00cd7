package daemon

import (
	"errors"
	"testing"
	"time"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
)

func testKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp.Public
}

func TestRateLimiterSize(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig(10))
	pk := testKey(t)

	tests := []struct {
		name    string
		typ     envelope.MessageType
		size    int
		wantErr error
	}{
		{"small request", envelope.MessageTypeSafRequestMessages, 512, nil},
		{"oversized request", envelope.MessageTypeSafRequestMessages, 5 << 10, ErrTooLarge},
		{"large text", envelope.MessageTypeText, 512 << 10, nil},
		{"text over envelope limit", envelope.MessageTypeText, envelope.MaxEnvelopeSize + 1, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rl.Allow(pk, tt.typ, tt.size)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Allow() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRateLimiterStoredMessageRequests(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig(100))
	alice, bob := testKey(t), testKey(t)

	for i := range 3 {
		if err := rl.Allow(alice, envelope.MessageTypeSafRequestMessages, 64); err != nil {
			t.Fatalf("request %d: Allow() error = %v", i, err)
		}
	}
	if err := rl.Allow(alice, envelope.MessageTypeSafRequestMessages, 64); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fourth request: Allow() error = %v, want ErrRateLimited", err)
	}

	// Other types and other peers are unaffected.
	if err := rl.Allow(alice, envelope.MessageTypeText, 64); err != nil {
		t.Errorf("text from limited peer: Allow() error = %v", err)
	}
	if err := rl.Allow(bob, envelope.MessageTypeSafRequestMessages, 64); err != nil {
		t.Errorf("request from other peer: Allow() error = %v", err)
	}

	if got := rl.Dropped()[envelope.MessageTypeSafRequestMessages]; got != 1 {
		t.Errorf("Dropped()[request] = %d, want 1", got)
	}

	rl.RemovePeer(alice)
	if err := rl.Allow(alice, envelope.MessageTypeSafRequestMessages, 64); err != nil {
		t.Errorf("after RemovePeer: Allow() error = %v", err)
	}
}

func TestRateLimiterPeerBurst(t *testing.T) {
	cfg := DefaultRateLimitConfig(1)
	cfg.GlobalBurst = 1000
	rl := NewRateLimiter(cfg)
	pk := testKey(t)

	allowed := 0
	for range 10 {
		if rl.Allow(pk, envelope.MessageTypeText, 10) == nil {
			allowed++
		}
	}
	if allowed != cfg.PeerBurst {
		t.Errorf("allowed %d envelopes, want burst of %d", allowed, cfg.PeerBurst)
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestConnectionLimiterPerIP(t *testing.T) {
	cl := NewConnectionLimiter(&ConnectionLimitConfig{
		MaxConnections:      3,
		MaxConnectionsPerIP: 2,
		IPPerSecond:         100,
		IPBurst:             100,
		MaxFailures:         5,
		FailureWindow:       time.Minute,
		BlockDuration:       time.Minute,
	})

	if err := cl.Admit("10.0.0.1:1000"); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := cl.Admit("10.0.0.1:1001"); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := cl.Admit("10.0.0.1:1002"); !errors.Is(err, ErrTooManyConns) {
		t.Fatalf("third from same IP: Admit() error = %v, want ErrTooManyConns", err)
	}
	if err := cl.Admit("10.0.0.2:1000"); err != nil {
		t.Fatalf("other IP: Admit() error = %v", err)
	}
	if err := cl.Admit("10.0.0.3:1000"); !errors.Is(err, ErrTooManyConns) {
		t.Fatalf("over total: Admit() error = %v, want ErrTooManyConns", err)
	}
	if got := cl.Active(); got != 3 {
		t.Errorf("Active() = %d, want 3", got)
	}

	cl.Release("10.0.0.1:1000")
	if err := cl.Admit("10.0.0.1:1003"); err != nil {
		t.Errorf("after Release: Admit() error = %v", err)
	}
}

func TestConnectionLimiterBlocksFailures(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cl := NewConnectionLimiter(&ConnectionLimitConfig{
		MaxConnections:      10,
		MaxConnectionsPerIP: 10,
		IPPerSecond:         100,
		IPBurst:             100,
		MaxFailures:         3,
		FailureWindow:       time.Minute,
		BlockDuration:       5 * time.Minute,
	})
	cl.now = clock.now
	const addr = "192.0.2.7:4000"

	for range 3 {
		cl.RecordFailure(addr)
	}
	if err := cl.Admit(addr); !errors.Is(err, ErrIPBlocked) {
		t.Fatalf("Admit() error = %v, want ErrIPBlocked", err)
	}

	clock.advance(5*time.Minute + time.Second)
	if err := cl.Admit(addr); err != nil {
		t.Fatalf("after block expired: Admit() error = %v", err)
	}
	cl.Release(addr)

	// Failures spread beyond the window do not accumulate.
	for range 4 {
		cl.RecordFailure(addr)
		clock.advance(2 * time.Minute)
	}
	if err := cl.Admit(addr); err != nil {
		t.Errorf("spread failures: Admit() error = %v", err)
	}
}

func TestConnectionLimiterRecordSuccessResets(t *testing.T) {
	cl := NewConnectionLimiter(&ConnectionLimitConfig{
		MaxConnections:      10,
		MaxConnectionsPerIP: 10,
		IPPerSecond:         100,
		IPBurst:             100,
		MaxFailures:         2,
		FailureWindow:       time.Hour,
		BlockDuration:       time.Hour,
	})
	const addr = "192.0.2.8:4000"

	cl.RecordFailure(addr)
	cl.RecordSuccess(addr)
	cl.RecordFailure(addr)
	if err := cl.Admit(addr); err != nil {
		t.Errorf("Admit() error = %v, want nil after success reset", err)
	}
}
