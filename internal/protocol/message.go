// Package protocol defines the frames exchanged between safnode peers over
// a websocket connection and the hello handshake that opens it.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"safnode.dev/go/safnode/internal/crypto"
)

// Version information
const (
	ProtocolVersion    = "1.0.0"
	MinProtocolVersion = "1.0.0"
)

// MessageType identifies the type of frame
type MessageType string

const (
	MsgHello    MessageType = "hello"
	MsgEnvelope MessageType = "envelope" // Payload is an envelope.Envelope
	MsgReject   MessageType = "reject"
	MsgPing     MessageType = "ping"
	MsgPong     MessageType = "pong"
)

// Message is a single frame on a peer connection
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	From      []byte          `json:"from,omitempty"`      // Sender's public key
	Signature []byte          `json:"signature,omitempty"` // Signature over SigningData
}

// Signer signs frames as the local node.
type Signer interface {
	PublicKey() crypto.PublicKey
	Sign(message []byte) ([]byte, error)
}

// NewMessage creates a new message with the given payload
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// ParsePayload unmarshals the message payload
func (m *Message) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// SigningData returns the canonical bytes to be signed for this message.
// Format: Type (length-prefixed) || Timestamp (Unix nano, 8 bytes) || Payload
func (m *Message) SigningData() []byte {
	var buf bytes.Buffer

	typeBytes := []byte(m.Type)
	binary.Write(&buf, binary.BigEndian, uint32(len(typeBytes)))
	buf.Write(typeBytes)

	binary.Write(&buf, binary.BigEndian, m.Timestamp.UnixNano())

	buf.Write(m.Payload)

	return buf.Bytes()
}

// Sign sets From and Signature.
func (m *Message) Sign(s Signer) error {
	sig, err := s.Sign(m.SigningData())
	if err != nil {
		return err
	}
	m.From = s.PublicKey().Bytes()
	m.Signature = sig
	return nil
}

// Verify verifies the message signature against the From public key.
func (m *Message) Verify() error {
	pk, err := crypto.PublicKeyFromBytes(m.From)
	if err != nil {
		return errors.New("missing or invalid sender public key")
	}
	if len(m.Signature) != crypto.SignatureSize {
		return errors.New("missing or invalid signature")
	}
	if !crypto.Verify(pk, m.Signature, m.SigningData()) {
		return errors.New("invalid message signature")
	}
	return nil
}

// VerifyFrom verifies the signature and that the message is from the expected sender.
func (m *Message) VerifyFrom(expected crypto.PublicKey) error {
	if err := m.Verify(); err != nil {
		return err
	}
	if !bytes.Equal(m.From, expected.Bytes()) {
		return errors.New("message sender does not match expected peer")
	}
	return nil
}

// IsSigned returns true if the message has signature fields set.
func (m *Message) IsSigned() bool {
	return len(m.From) > 0 && len(m.Signature) > 0
}

// Hello is exchanged when peers connect
type Hello struct {
	Version    string           `json:"version"`
	MinVersion string           `json:"min_version"`
	PublicKey  crypto.PublicKey `json:"public_key"`
	Name       string           `json:"name,omitempty"`
	Addresses  []string         `json:"addresses,omitempty"` // How to reach this peer
}

// Reject indicates the connection or a frame was refused
type Reject struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

// Common rejection codes
const (
	RejectCodeVersionMismatch = "version_mismatch"
	RejectCodeInvalidHello    = "invalid_hello"
	RejectCodeSelfConnection  = "self_connection"
	RejectCodeRateLimited     = "rate_limited"
	RejectCodeTooLarge        = "too_large"
)
