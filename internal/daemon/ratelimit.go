package daemon

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
)

var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrTooLarge     = errors.New("message too large")
	ErrIPBlocked    = errors.New("address temporarily blocked")
	ErrTooManyConns = errors.New("too many connections")
)

// RateLimitConfig bounds inbound envelopes.
type RateLimitConfig struct {
	// Per peer, across all types.
	PeerPerSecond float64
	PeerBurst     int

	// Per peer and envelope type, per minute.
	TypeLimits map[envelope.MessageType]TypeLimit

	GlobalPerSecond float64
	GlobalBurst     int

	// Encoded envelope size limits; types not listed use
	// envelope.MaxEnvelopeSize.
	SizeLimits map[envelope.MessageType]int
}

type TypeLimit struct {
	PerMinute int
	Burst     int
}

// DefaultRateLimitConfig returns the limits used by the daemon. A stored
// messages request makes the receiver scan its store, so requests are
// limited hardest.
func DefaultRateLimitConfig(peerPerSecond float64) *RateLimitConfig {
	if peerPerSecond <= 0 {
		peerPerSecond = 50
	}
	return &RateLimitConfig{
		PeerPerSecond: peerPerSecond,
		PeerBurst:     int(peerPerSecond * 2),
		TypeLimits: map[envelope.MessageType]TypeLimit{
			envelope.MessageTypeSafRequestMessages: {PerMinute: 6, Burst: 3},
			envelope.MessageTypeSafStoredMessages:  {PerMinute: 30, Burst: 10},
			envelope.MessageTypeJoin:               {PerMinute: 10, Burst: 5},
			envelope.MessageTypeDiscovery:          {PerMinute: 30, Burst: 10},
		},
		GlobalPerSecond: peerPerSecond * 10,
		GlobalBurst:     int(peerPerSecond * 20),
		SizeLimits: map[envelope.MessageType]int{
			envelope.MessageTypeSafRequestMessages: 4 << 10,
			envelope.MessageTypeJoin:               4 << 10,
			envelope.MessageTypeDiscovery:          16 << 10,
		},
	}
}

type typeKey struct {
	peer crypto.PublicKey
	typ  envelope.MessageType
}

// RateLimiter applies size, global, per-peer and per-type limits to
// inbound envelopes.
type RateLimiter struct {
	cfg    *RateLimitConfig
	global *rate.Limiter

	mu      sync.Mutex
	peers   map[crypto.PublicKey]*rate.Limiter
	types   map[typeKey]*rate.Limiter
	dropped map[envelope.MessageType]int64
}

func NewRateLimiter(cfg *RateLimitConfig) *RateLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig(0)
	}
	return &RateLimiter{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), cfg.GlobalBurst),
		peers:   make(map[crypto.PublicKey]*rate.Limiter),
		types:   make(map[typeKey]*rate.Limiter),
		dropped: make(map[envelope.MessageType]int64),
	}
}

// Allow reports whether an envelope of msgType and size from pk may be
// processed.
func (rl *RateLimiter) Allow(pk crypto.PublicKey, msgType envelope.MessageType, size int) error {
	limit, ok := rl.cfg.SizeLimits[msgType]
	if !ok {
		limit = envelope.MaxEnvelopeSize
	}
	if size > limit {
		rl.recordDrop(msgType)
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, msgType, size, limit)
	}

	if !rl.global.Allow() {
		rl.recordDrop(msgType)
		return fmt.Errorf("%w: global", ErrRateLimited)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	pl, ok := rl.peers[pk]
	if !ok {
		pl = rate.NewLimiter(rate.Limit(rl.cfg.PeerPerSecond), rl.cfg.PeerBurst)
		rl.peers[pk] = pl
	}
	if !pl.Allow() {
		rl.dropped[msgType]++
		return fmt.Errorf("%w: peer %s", ErrRateLimited, pk.Short())
	}

	tl, ok := rl.cfg.TypeLimits[msgType]
	if !ok {
		return nil
	}
	key := typeKey{pk, msgType}
	l, ok := rl.types[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(tl.PerMinute)/60), tl.Burst)
		rl.types[key] = l
	}
	if !l.Allow() {
		rl.dropped[msgType]++
		return fmt.Errorf("%w: %s from %s", ErrRateLimited, msgType, pk.Short())
	}
	return nil
}

func (rl *RateLimiter) recordDrop(msgType envelope.MessageType) {
	rl.mu.Lock()
	rl.dropped[msgType]++
	rl.mu.Unlock()
}

// RemovePeer forgets the limiters of a disconnected peer.
func (rl *RateLimiter) RemovePeer(pk crypto.PublicKey) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.peers, pk)
	for k := range rl.types {
		if k.peer == pk {
			delete(rl.types, k)
		}
	}
}

// Dropped returns drop counts by envelope type.
func (rl *RateLimiter) Dropped() map[envelope.MessageType]int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make(map[envelope.MessageType]int64, len(rl.dropped))
	for k, v := range rl.dropped {
		out[k] = v
	}
	return out
}

// ConnectionLimitConfig bounds inbound peer connections before the
// handshake runs.
type ConnectionLimitConfig struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	IPPerSecond         float64
	IPBurst             int
	// Handshake failures within FailureWindow before an address is blocked
	// for BlockDuration.
	MaxFailures   int
	FailureWindow time.Duration
	BlockDuration time.Duration
}

func DefaultConnectionLimitConfig() *ConnectionLimitConfig {
	return &ConnectionLimitConfig{
		MaxConnections:      200,
		MaxConnectionsPerIP: 8,
		IPPerSecond:         2,
		IPBurst:             5,
		MaxFailures:         5,
		FailureWindow:       time.Minute,
		BlockDuration:       5 * time.Minute,
	}
}

type ipState struct {
	conns        int
	limiter      *rate.Limiter
	failures     int
	firstFailure time.Time
	blockedUntil time.Time
}

// ConnectionLimiter admits inbound connections by remote IP.
type ConnectionLimiter struct {
	cfg *ConnectionLimitConfig

	mu    sync.Mutex
	total int
	ips   map[string]*ipState
	now   func() time.Time
}

func NewConnectionLimiter(cfg *ConnectionLimitConfig) *ConnectionLimiter {
	if cfg == nil {
		cfg = DefaultConnectionLimitConfig()
	}
	return &ConnectionLimiter{cfg: cfg, ips: make(map[string]*ipState), now: time.Now}
}

func (cl *ConnectionLimiter) state(ip string) *ipState {
	s, ok := cl.ips[ip]
	if !ok {
		s = &ipState{limiter: rate.NewLimiter(rate.Limit(cl.cfg.IPPerSecond), cl.cfg.IPBurst)}
		cl.ips[ip] = s
	}
	return s
}

// Admit reserves a connection slot for remoteAddr ("host:port"). Every
// successful Admit must be paired with Release.
func (cl *ConnectionLimiter) Admit(remoteAddr string) error {
	ip := hostOf(remoteAddr)
	cl.mu.Lock()
	defer cl.mu.Unlock()

	s := cl.state(ip)
	if cl.now().Before(s.blockedUntil) {
		return ErrIPBlocked
	}
	if cl.total >= cl.cfg.MaxConnections || s.conns >= cl.cfg.MaxConnectionsPerIP {
		return ErrTooManyConns
	}
	if !s.limiter.Allow() {
		return fmt.Errorf("%w: connections from %s", ErrRateLimited, ip)
	}
	s.conns++
	cl.total++
	return nil
}

func (cl *ConnectionLimiter) Release(remoteAddr string) {
	ip := hostOf(remoteAddr)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	s, ok := cl.ips[ip]
	if !ok || s.conns == 0 {
		return
	}
	s.conns--
	cl.total--
	if s.conns == 0 && s.failures == 0 && s.blockedUntil.IsZero() {
		delete(cl.ips, ip)
	}
}

// RecordFailure counts a failed handshake and blocks the address once it
// has failed too often.
func (cl *ConnectionLimiter) RecordFailure(remoteAddr string) {
	ip := hostOf(remoteAddr)
	cl.mu.Lock()
	defer cl.mu.Unlock()

	s := cl.state(ip)
	now := cl.now()
	if now.Sub(s.firstFailure) > cl.cfg.FailureWindow {
		s.failures = 0
		s.firstFailure = now
	}
	s.failures++
	if s.failures >= cl.cfg.MaxFailures {
		s.blockedUntil = now.Add(cl.cfg.BlockDuration)
		s.failures = 0
	}
}

func (cl *ConnectionLimiter) RecordSuccess(remoteAddr string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if s, ok := cl.ips[hostOf(remoteAddr)]; ok {
		s.failures = 0
	}
}

func (cl *ConnectionLimiter) Active() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
