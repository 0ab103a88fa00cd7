// Package outbound builds signed envelopes and queues them for delivery.
package outbound

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/peer"
)

// Encryption selects whether the body is encrypted for its recipient.
type Encryption uint8

const (
	EncryptNone Encryption = iota
	EncryptForDestination
)

// Message is an envelope queued for a directly addressed peer.
type Message struct {
	Tag                  uuid.UUID
	DestinationPublicKey crypto.PublicKey
	Envelope             *envelope.Envelope
	QueuedAt             time.Time
}

// SendRequest describes a message to send. To is the peer the envelope is
// handed to; Destination is what the header declares. When encrypting, the
// body is encrypted for Destination's key if it names one, else for To.
type SendRequest struct {
	To          crypto.PublicKey
	Destination envelope.Destination
	MessageType envelope.MessageType
	Encryption  Encryption
	Payload     []any
}

func (r SendRequest) encryptionKey() crypto.PublicKey {
	if r.Destination.Kind == envelope.DestinationPublicKey {
		return r.Destination.PublicKey
	}
	return r.To
}

// Requester is the handle other components use to send messages. Sends
// only enqueue; delivery happens elsewhere.
type Requester struct {
	node *peer.NodeIdentity
	out  chan<- *Message
}

func NewRequester(node *peer.NodeIdentity, out chan<- *Message) *Requester {
	return &Requester{node: node, out: out}
}

// SendDirect sends payload to exactly one peer with an Unknown header
// destination.
func (r *Requester) SendDirect(ctx context.Context, to crypto.PublicKey, msgType envelope.MessageType, enc Encryption, payload any) (uuid.UUID, error) {
	return r.SendMessage(ctx, SendRequest{
		To:          to,
		Destination: envelope.Unknown(),
		MessageType: msgType,
		Encryption:  enc,
		Payload:     []any{payload},
	})
}

// SendMessage builds, signs and enqueues a message. It blocks until the
// message is queued or ctx is done.
func (r *Requester) SendMessage(ctx context.Context, req SendRequest) (uuid.UUID, error) {
	if req.To.IsZero() {
		return uuid.Nil, fmt.Errorf("send %s: no recipient", req.MessageType)
	}
	env, err := BuildEnvelope(r.node, req)
	if err != nil {
		return uuid.Nil, err
	}
	msg := &Message{
		Tag:                  uuid.New(),
		DestinationPublicKey: req.To,
		Envelope:             env,
		QueuedAt:             time.Now().UTC(),
	}
	select {
	case r.out <- msg:
		return msg.Tag, nil
	case <-ctx.Done():
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", req.MessageType, ctx.Err())
	}
}

// BuildEnvelope encodes the payload, encrypts it if requested, and signs
// the resulting body as node.
func BuildEnvelope(node *peer.NodeIdentity, req SendRequest) (*envelope.Envelope, error) {
	body, err := envelope.WrapInBody(req.Payload...)
	if err != nil {
		return nil, err
	}
	data, err := body.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	flags := envelope.FlagNone
	if req.Encryption == EncryptForDestination {
		secret, err := crypto.GenerateECDHSecret(node.SecretKey(), req.encryptionKey())
		if err != nil {
			return nil, fmt.Errorf("derive shared secret: %w", err)
		}
		data, err = crypto.Encrypt(secret, data)
		secret.Zero()
		if err != nil {
			return nil, fmt.Errorf("encrypt body: %w", err)
		}
		flags |= envelope.FlagEncrypted
	}

	sig, err := node.Sign(envelope.Challenge(req.MessageType, flags, req.Destination, data))
	if err != nil {
		return nil, fmt.Errorf("sign body: %w", err)
	}

	dest := req.Destination
	return &envelope.Envelope{
		Version: envelope.Version,
		Header: &envelope.WireHeader{
			Version:         envelope.Version,
			Destination:     &dest,
			OriginPublicKey: node.PublicKey().Bytes(),
			OriginSignature: sig,
			MessageType:     req.MessageType,
			Flags:           flags,
		},
		Body: data,
	}, nil
}
