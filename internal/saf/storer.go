package saf

import (
	"log/slog"
	"sync"
	"time"

	"safnode.dev/go/safnode/internal/envelope"
)

// Storer keeps envelopes that could not be delivered live, so the
// recipient can collect them later.
type Storer struct {
	store *MessageStore
	ttl   time.Duration
	stats *Stats
	now   func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewStorer(store *MessageStore, ttl time.Duration, stats *Stats) *Storer {
	if stats == nil {
		stats = &Stats{}
	}
	return &Storer{store: store, ttl: ttl, stats: stats, now: time.Now}
}

// storedAt returns the current time, nudged forward so that no two
// messages share a StoredAt. Requesters page through the store by it.
func (s *Storer) storedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

// StoreUndeliverable stores env and returns its storage key. Only signed,
// encrypted, non-SAF envelopes are stored.
func (s *Storer) StoreUndeliverable(env *envelope.Envelope) (string, error) {
	if env.Header == nil {
		return "", ErrHeaderNotProvided
	}
	header, err := envelope.ParseHeader(env.Header)
	if err != nil {
		return "", newError(KindDhtMessageError, err)
	}
	if header.MessageType.IsSafMessage() {
		return "", newError(KindNotStorable, errUnstorableType(header.MessageType))
	}
	if !header.Flags.Has(envelope.FlagEncrypted) {
		return "", ErrStoredMessageNotEncrypted
	}
	if !header.VerifySignature(env.Body) {
		return "", ErrInvalidSignature
	}

	key := StorageKey(header.OriginSignature)
	s.store.Insert(key, NewStoredMessage(env.Header, env.Body, s.storedAt()), s.ttl)
	s.stats.MessagesStored.Add(1)

	slog.Debug("Stored undeliverable message",
		"key", key[:16],
		"destination", header.Destination.String(),
		"type", header.MessageType)
	return key, nil
}

type errUnstorableType envelope.MessageType

func (e errUnstorableType) Error() string {
	return envelope.MessageType(e).String() + " messages are not stored"
}
