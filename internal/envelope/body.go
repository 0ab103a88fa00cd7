package envelope

import (
	"encoding/json"
	"fmt"
)

// Body is an ordered list of independently encoded parts. Handlers agree
// on which part index carries which value.
type Body struct {
	Parts []json.RawMessage `json:"parts"`
}

// WrapInBody encodes each value as one part.
func WrapInBody(values ...any) (*Body, error) {
	b := &Body{Parts: make([]json.RawMessage, 0, len(values))}
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode part %d: %w", i, err)
		}
		b.Parts = append(b.Parts, data)
	}
	return b, nil
}

// DecodePart decodes part i into v. It returns false with a nil error when
// the body has no such part.
func (b *Body) DecodePart(i int, v any) (bool, error) {
	if i < 0 || i >= len(b.Parts) {
		return false, nil
	}
	if err := json.Unmarshal(b.Parts[i], v); err != nil {
		return false, fmt.Errorf("decode part %d: %w", i, err)
	}
	return true, nil
}

func (b *Body) Len() int {
	return len(b.Parts)
}

func (b *Body) IsEmpty() bool {
	return len(b.Parts) == 0
}

func (b *Body) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBody parses bytes produced by Encode.
func DecodeBody(data []byte) (*Body, error) {
	var b Body
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return &b, nil
}
