package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"safnode.dev/go/safnode/internal/crypto"
)

// Version is the current envelope format version.
const Version uint32 = 1

// MessageType identifies what an envelope's body carries.
type MessageType uint8

const (
	MessageTypeNone MessageType = iota
	MessageTypeText
	MessageTypeJoin
	MessageTypeDiscovery
	MessageTypeSafRequestMessages
	MessageTypeSafStoredMessages
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeNone:
		return "None"
	case MessageTypeText:
		return "Text"
	case MessageTypeJoin:
		return "Join"
	case MessageTypeDiscovery:
		return "Discovery"
	case MessageTypeSafRequestMessages:
		return "SafRequestMessages"
	case MessageTypeSafStoredMessages:
		return "SafStoredMessages"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

func (t MessageType) valid() bool {
	return t <= MessageTypeSafStoredMessages
}

// IsDhtMessage reports whether the type is overlay control traffic rather
// than an application message.
func (t MessageType) IsDhtMessage() bool {
	switch t {
	case MessageTypeJoin, MessageTypeDiscovery, MessageTypeSafRequestMessages, MessageTypeSafStoredMessages:
		return true
	}
	return false
}

func (t MessageType) IsSafMessage() bool {
	return t == MessageTypeSafRequestMessages || t == MessageTypeSafStoredMessages
}

// Flags is a bit set of envelope properties.
type Flags uint32

const (
	FlagNone      Flags = 0
	FlagEncrypted Flags = 1 << 0
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

var (
	ErrHeaderNotProvided = errors.New("header not provided")
	ErrInvalidHeader     = errors.New("invalid header")
)

// WireHeader is the header as it travels and as it is stored. Every field
// is optional on the wire; ParseHeader turns it into a validated Header.
type WireHeader struct {
	Version         uint32       `json:"version"`
	Destination     *Destination `json:"destination,omitempty"`
	OriginPublicKey []byte       `json:"origin_public_key,omitempty"`
	OriginSignature []byte       `json:"origin_signature,omitempty"`
	MessageType     MessageType  `json:"message_type"`
	Flags           Flags        `json:"flags"`
}

// Header is a validated envelope header.
type Header struct {
	Version         uint32
	Destination     Destination
	OriginPublicKey crypto.PublicKey
	OriginSignature []byte
	MessageType     MessageType
	Flags           Flags
}

// ParseHeader validates a wire header.
func ParseHeader(w *WireHeader) (*Header, error) {
	if w == nil {
		return nil, ErrHeaderNotProvided
	}
	if w.Version == 0 || w.Version > Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, w.Version)
	}
	if w.Destination == nil {
		return nil, fmt.Errorf("%w: missing destination", ErrInvalidHeader)
	}
	if !w.MessageType.valid() {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrInvalidHeader, w.MessageType)
	}
	pk, err := crypto.PublicKeyFromBytes(w.OriginPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: origin public key: %v", ErrInvalidHeader, err)
	}
	if len(w.OriginSignature) != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: origin signature length %d", ErrInvalidHeader, len(w.OriginSignature))
	}
	return &Header{
		Version:         w.Version,
		Destination:     *w.Destination,
		OriginPublicKey: pk,
		OriginSignature: bytes.Clone(w.OriginSignature),
		MessageType:     w.MessageType,
		Flags:           w.Flags,
	}, nil
}

// Wire converts the header back to its wire form.
func (h *Header) Wire() *WireHeader {
	dest := h.Destination
	return &WireHeader{
		Version:         h.Version,
		Destination:     &dest,
		OriginPublicKey: h.OriginPublicKey.Bytes(),
		OriginSignature: bytes.Clone(h.OriginSignature),
		MessageType:     h.MessageType,
		Flags:           h.Flags,
	}
}

// Challenge returns the bytes the origin signs: the routing-relevant header
// fields followed by the body exactly as transmitted.
func Challenge(msgType MessageType, flags Flags, dest Destination, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("safnode/envelope")
	buf.WriteByte(byte(msgType))
	binary.Write(&buf, binary.BigEndian, uint32(flags))
	buf.Write(dest.bytes())
	binary.Write(&buf, binary.BigEndian, uint32(len(body)))
	buf.Write(body)
	return buf.Bytes()
}

// VerifySignature checks the origin signature over body.
func (h *Header) VerifySignature(body []byte) bool {
	return crypto.Verify(h.OriginPublicKey, h.OriginSignature, Challenge(h.MessageType, h.Flags, h.Destination, body))
}
