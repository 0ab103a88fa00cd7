// Package inbound carries messages received from the overlay through the
// node's processing pipeline.
package inbound

import (
	"context"
	"time"

	"github.com/google/uuid"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/peer"
)

// DhtInboundMessage is a message as it arrived, before decryption. For
// messages recovered from store-and-forward, SourcePeer is the origin and
// not the peer that relayed it.
type DhtInboundMessage struct {
	Tag        uuid.UUID
	Header     *envelope.Header
	SourcePeer *peer.Peer
	Body       []byte
	ReceivedAt time.Time
}

func NewDhtInboundMessage(header *envelope.Header, source *peer.Peer, body []byte) *DhtInboundMessage {
	return &DhtInboundMessage{
		Tag:        uuid.New(),
		Header:     header,
		SourcePeer: source,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}
}

// DecryptedMessage is an inbound message after the decryption stage:
// either it carries a decoded body, or decryption failed and only the raw
// message is available.
type DecryptedMessage struct {
	*DhtInboundMessage
	body *envelope.Body
}

// Succeeded wraps a message whose body was decoded.
func Succeeded(body *envelope.Body, msg *DhtInboundMessage) *DecryptedMessage {
	return &DecryptedMessage{DhtInboundMessage: msg, body: body}
}

// Failed wraps a message that could not be decrypted by this node.
func Failed(msg *DhtInboundMessage) *DecryptedMessage {
	return &DecryptedMessage{DhtInboundMessage: msg}
}

// Success returns the decoded body, or nil if decryption failed.
func (m *DecryptedMessage) Success() *envelope.Body {
	return m.body
}

func (m *DecryptedMessage) DecryptionFailed() bool {
	return m.body == nil
}

func (m *DecryptedMessage) MessageType() envelope.MessageType {
	return m.Header.MessageType
}

// DecodeContent decodes body part i into v. It reports false when the
// message was not decrypted or has no such part.
func (m *DecryptedMessage) DecodeContent(i int, v any) (bool, error) {
	if m.body == nil {
		return false, nil
	}
	return m.body.DecodePart(i, v)
}

// Handler is a stage of the inbound pipeline.
type Handler interface {
	Handle(ctx context.Context, msg *DecryptedMessage) error
}

type HandlerFunc func(ctx context.Context, msg *DecryptedMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *DecryptedMessage) error {
	return f(ctx, msg)
}
