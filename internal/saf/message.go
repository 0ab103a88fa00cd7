package saf

import (
	"bytes"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	"safnode.dev/go/safnode/internal/envelope"
)

// StoredMessageVersion is the current StoredMessage format.
const StoredMessageVersion uint32 = 1

// StoredMessage is an envelope held on behalf of an offline recipient. It
// is never modified after creation.
type StoredMessage struct {
	Version       uint32               `json:"version"`
	Header        *envelope.WireHeader `json:"header,omitempty"`
	EncryptedBody []byte               `json:"encrypted_body"`
	StoredAt      time.Time            `json:"stored_at"`
}

// NewStoredMessage copies header and body into a new StoredMessage.
func NewStoredMessage(header *envelope.WireHeader, body []byte, storedAt time.Time) *StoredMessage {
	var h *envelope.WireHeader
	if header != nil {
		c := *header
		if header.Destination != nil {
			d := *header.Destination
			c.Destination = &d
		}
		c.OriginPublicKey = bytes.Clone(header.OriginPublicKey)
		c.OriginSignature = bytes.Clone(header.OriginSignature)
		h = &c
	}
	return &StoredMessage{
		Version:       StoredMessageVersion,
		Header:        h,
		EncryptedBody: bytes.Clone(body),
		StoredAt:      storedAt.UTC(),
	}
}

// StoredMessagesRequest asks a peer for the messages it holds for us.
type StoredMessagesRequest struct {
	// Since restricts the response to messages stored at or after it.
	Since *time.Time `json:"since,omitempty"`
}

// StoredMessagesResponse carries stored messages back to a requester.
type StoredMessagesResponse struct {
	Messages []*StoredMessage `json:"messages"`
}

// StorageKey derives the store key from an origin signature, so the same
// envelope stored twice occupies one slot.
func StorageKey(originSignature []byte) string {
	sum := blake2b.Sum256(originSignature)
	return hex.EncodeToString(sum[:])
}
