// Package envelope defines the signed, optionally encrypted unit that
// travels through the overlay and is held by store-and-forward peers.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxEnvelopeSize bounds an encoded envelope.
const MaxEnvelopeSize = 1 << 20

var ErrEnvelopeTooLarge = errors.New("envelope too large")

// Envelope is a header plus a body. When the header carries FlagEncrypted
// the body is ciphertext for the destination; otherwise it is an encoded
// Body.
type Envelope struct {
	Version uint32      `json:"version"`
	Header  *WireHeader `json:"header,omitempty"`
	Body    []byte      `json:"body"`
}

func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	return data, nil
}

func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
