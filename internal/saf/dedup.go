package saf

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Deduplicator remembers recently seen message fingerprints. It is bounded
// both by count and by age, so a fingerprint can be forgotten and accepted
// again; it never reports a fresh fingerprint as a duplicate.
type Deduplicator struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, time.Time]
	ttl time.Duration
	now func() time.Time
}

// NewDeduplicator remembers up to capacity fingerprints for ttl each. A ttl
// of zero keeps entries until they are evicted by count.
func NewDeduplicator(capacity int, ttl time.Duration) *Deduplicator {
	d := &Deduplicator{ttl: ttl, now: time.Now}
	if capacity > 0 {
		d.lru, _ = simplelru.NewLRU[string, time.Time](capacity, nil)
	}
	return d
}

// InsertIfAbsent records fingerprint and reports whether it had already
// been seen. Check and insert happen atomically.
func (d *Deduplicator) InsertIfAbsent(fingerprint []byte) bool {
	if d.lru == nil {
		return false
	}
	key := string(fingerprint)
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if seen, ok := d.lru.Peek(key); ok && (d.ttl == 0 || now.Sub(seen) < d.ttl) {
		return true
	}
	d.lru.Add(key, now)
	return false
}

// InsertMessageSignature is InsertIfAbsent behind the DuplicateChecker
// interface.
func (d *Deduplicator) InsertMessageSignature(ctx context.Context, signature []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return d.InsertIfAbsent(signature), nil
}

func (d *Deduplicator) Len() int {
	if d.lru == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Len()
}
