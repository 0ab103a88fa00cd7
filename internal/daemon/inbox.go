package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
)

// TextMessage is the body of a MessageTypeText envelope.
type TextMessage struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// InboxMessage is an application message delivered to this node.
type InboxMessage struct {
	Tag        uuid.UUID `json:"tag"`
	From       string    `json:"from"`
	FromName   string    `json:"from_name,omitempty"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// Inbox is the last stage of the inbound pipeline. It keeps the most
// recent text messages, dropping the oldest past maxSize and anything older
// than maxAge.
type Inbox struct {
	mu      sync.Mutex
	items   []InboxMessage
	maxAge  time.Duration
	maxSize int
	metrics *Metrics
	now     func() time.Time
}

// NewInbox creates an inbox. maxAge 0 keeps messages until they are
// pushed out by newer ones.
func NewInbox(maxSize int, maxAge time.Duration, metrics *Metrics) *Inbox {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Inbox{maxAge: maxAge, maxSize: maxSize, metrics: metrics, now: time.Now}
}

func (in *Inbox) Handle(_ context.Context, msg *inbound.DecryptedMessage) error {
	if msg.DecryptionFailed() {
		slog.Debug("Ignoring message not encrypted for us",
			"tag", msg.Tag,
			"type", msg.MessageType(),
			"peer", msg.SourcePeer.String())
		return nil
	}
	if msg.MessageType() != envelope.MessageTypeText {
		slog.Debug("Ignoring unsupported message type", "tag", msg.Tag, "type", msg.MessageType())
		return nil
	}

	var text TextMessage
	ok, err := msg.DecodeContent(0, &text)
	if err != nil {
		return fmt.Errorf("decode text message: %w", err)
	}
	if !ok {
		return fmt.Errorf("decode text message: empty body")
	}

	in.add(InboxMessage{
		Tag:        msg.Tag,
		From:       msg.SourcePeer.PublicKey.String(),
		FromName:   msg.SourcePeer.Name,
		Text:       text.Text,
		SentAt:     text.SentAt,
		ReceivedAt: in.now().UTC(),
	})
	if in.metrics != nil {
		in.metrics.InboxDelivered.Add(1)
	}
	slog.Info("Message received", "from", msg.SourcePeer.String(), "tag", msg.Tag)
	return nil
}

func (in *Inbox) add(m InboxMessage) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pruneLocked()
	if len(in.items) >= in.maxSize {
		in.items = in.items[len(in.items)-in.maxSize+1:]
	}
	in.items = append(in.items, m)
}

func (in *Inbox) pruneLocked() {
	if in.maxAge <= 0 {
		return
	}
	cutoff := in.now().Add(-in.maxAge)
	i := 0
	for i < len(in.items) && in.items[i].ReceivedAt.Before(cutoff) {
		i++
	}
	in.items = in.items[i:]
}

// List returns the messages oldest first without removing them.
func (in *Inbox) List() []InboxMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pruneLocked()
	return append([]InboxMessage(nil), in.items...)
}

// Drain removes and returns all messages.
func (in *Inbox) Drain() []InboxMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pruneLocked()
	out := in.items
	in.items = nil
	return out
}

func (in *Inbox) Count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pruneLocked()
	return len(in.items)
}
