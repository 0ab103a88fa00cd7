package saf

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func keysOf(s *MessageStore) []string {
	var keys []string
	for k := range s.Snapshot() {
		keys = append(keys, k)
	}
	return keys
}

func msgAt(t time.Time) *StoredMessage {
	return &StoredMessage{Version: StoredMessageVersion, StoredAt: t}
}

func TestMessageStoreInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	s := NewMessageStore(10)
	s.now = clock.Now

	for i := range 3 {
		s.Insert(fmt.Sprintf("k%d", i), msgAt(clock.Now()), time.Hour)
		clock.Advance(time.Second)
	}
	if got, want := keysOf(s), []string{"k0", "k1", "k2"}; !slices.Equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}

	s.Insert("k0", msgAt(clock.Now()), time.Hour)
	if got, want := keysOf(s), []string{"k1", "k2", "k0"}; !slices.Equal(got, want) {
		t.Errorf("after overwrite keys = %v, want %v", got, want)
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
}

func TestMessageStoreEvictsOldest(t *testing.T) {
	s := NewMessageStore(2)
	s.Insert("a", msgAt(time.Now()), time.Hour)
	s.Insert("b", msgAt(time.Now()), time.Hour)
	s.Insert("c", msgAt(time.Now()), time.Hour)

	if got, want := keysOf(s), []string{"b", "c"}; !slices.Equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
	if _, ok := s.Get("a"); ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestMessageStoreZeroTTLNeverVisible(t *testing.T) {
	s := NewMessageStore(10)
	s.Insert("gone", msgAt(time.Now()), 0)
	if keys := keysOf(s); len(keys) != 0 {
		t.Errorf("snapshot = %v, want empty", keys)
	}
	if _, ok := s.Get("gone"); ok {
		t.Error("Get returned a zero-TTL entry")
	}
}

func TestMessageStoreExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewMessageStore(10)
	s.now = clock.Now

	s.Insert("short", msgAt(clock.Now()), time.Minute)
	s.Insert("long", msgAt(clock.Now()), time.Hour)

	clock.Advance(time.Minute)
	if got, want := keysOf(s), []string{"long"}; !slices.Equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
	if s.Len() != 2 {
		t.Errorf("Len before sweep = %d, want 2", s.Len())
	}
	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", s.Len())
	}
}

func TestMessageStoreSnapshotIsStable(t *testing.T) {
	s := NewMessageStore(10)
	s.Insert("a", msgAt(time.Now()), time.Hour)
	snap := s.Snapshot()

	s.Insert("b", msgAt(time.Now()), time.Hour)

	for range 2 {
		var keys []string
		for k := range snap {
			keys = append(keys, k)
		}
		if !slices.Equal(keys, []string{"a"}) {
			t.Errorf("snapshot keys = %v, want [a]", keys)
		}
	}

	count := 0
	for range s.Snapshot() {
		count++
		break
	}
	if count != 1 {
		t.Errorf("early break yielded %d, want 1", count)
	}
}

func TestMessageStoreZeroCapacity(t *testing.T) {
	for _, capacity := range []int{0, -5} {
		s := NewMessageStore(capacity)
		s.Insert("a", msgAt(time.Now()), time.Hour)
		if s.Len() != 0 || len(keysOf(s)) != 0 {
			t.Errorf("capacity %d: store not empty", capacity)
		}
		if s.Sweep() != 0 || s.Capacity() != 0 {
			t.Errorf("capacity %d: unexpected state", capacity)
		}
	}
}

func TestMessageStoreConcurrentAccess(t *testing.T) {
	s := NewMessageStore(100)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				s.Insert(fmt.Sprintf("%d-%d", w, i), msgAt(time.Now()), time.Hour)
				for range s.Snapshot() {
				}
			}
		}()
	}
	wg.Wait()
	if s.Len() != 100 {
		t.Errorf("Len = %d, want 100", s.Len())
	}
}
