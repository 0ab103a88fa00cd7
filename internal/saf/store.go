package saf

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type storeEntry struct {
	key       string
	msg       *StoredMessage
	expiresAt time.Time
}

// MessageStore is a bounded, TTL-aware map of stored messages. Entries are
// kept in insertion order; when full, the oldest insertion is evicted.
// Expired entries are never returned and are physically removed by Sweep.
type MessageStore struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *storeEntry]
	capacity int
	now      func() time.Time
}

// NewMessageStore returns a store holding at most capacity messages. A
// capacity of zero or less yields a store that accepts and returns nothing.
func NewMessageStore(capacity int) *MessageStore {
	s := &MessageStore{capacity: capacity, now: time.Now}
	if capacity > 0 {
		// Only fails for non-positive sizes.
		s.lru, _ = simplelru.NewLRU[string, *storeEntry](capacity, nil)
	}
	return s
}

// Insert stores msg under key until ttl elapses, replacing any existing
// entry. A replaced entry counts as newly inserted.
func (s *MessageStore) Insert(key string, msg *StoredMessage, ttl time.Duration) {
	if s.lru == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Remove first so an overwrite moves to the back of the insertion order.
	s.lru.Remove(key)
	s.lru.Add(key, &storeEntry{key: key, msg: msg, expiresAt: s.now().Add(ttl)})
}

// Snapshot returns the live entries as of the call, earliest inserted
// first. The sequence is backed by a copy, so it can be iterated any number
// of times without holding the store lock.
func (s *MessageStore) Snapshot() iter.Seq2[string, *StoredMessage] {
	var live []*storeEntry
	if s.lru != nil {
		s.mu.Lock()
		now := s.now()
		entries := s.lru.Values()
		s.mu.Unlock()

		live = make([]*storeEntry, 0, len(entries))
		for _, e := range entries {
			if e.expiresAt.After(now) {
				live = append(live, e)
			}
		}
	}
	return func(yield func(string, *StoredMessage) bool) {
		for _, e := range live {
			if !yield(e.key, e.msg) {
				return
			}
		}
	}
}

// Get returns the live message stored under key.
func (s *MessageStore) Get(key string) (*StoredMessage, bool) {
	if s.lru == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Peek(key)
	if !ok || !e.expiresAt.After(s.now()) {
		return nil, false
	}
	return e.msg, true
}

// Sweep removes expired entries and reports how many were removed.
func (s *MessageStore) Sweep() int {
	if s.lru == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for _, e := range s.lru.Values() {
		if !e.expiresAt.After(now) {
			s.lru.Remove(e.key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *MessageStore) Run(ctx context.Context, interval time.Duration) {
	if s.lru == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("Swept expired stored messages", "removed", n, "remaining", s.Len())
			}
		}
	}
}

// Len counts entries, including expired ones not yet swept.
func (s *MessageStore) Len() int {
	if s.lru == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *MessageStore) Capacity() int {
	return max(s.capacity, 0)
}
