package peer

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"safnode.dev/go/safnode/internal/crypto"
)

// NodeIDSize is the length of a node id in bytes.
const NodeIDSize = 13

// NodeID locates a node in the overlay's XOR metric space. It is derived
// from the node's public key.
type NodeID [NodeIDSize]byte

// Distance is the XOR of two node ids, compared as a big-endian integer.
type Distance [NodeIDSize]byte

// MaxDistance is larger than or equal to every other distance.
var MaxDistance = func() Distance {
	var d Distance
	for i := range d {
		d[i] = 0xff
	}
	return d
}()

// NodeIDFromPublicKey hashes pk down to a node id.
func NodeIDFromPublicKey(pk crypto.PublicKey) NodeID {
	var id NodeID
	h, err := blake2b.New(NodeIDSize, nil)
	if err != nil {
		// Only fails for sizes outside 1..64.
		panic(err)
	}
	h.Write(pk[:])
	copy(id[:], h.Sum(nil))
	return id
}

// ParseNodeID decodes a hex node id.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse node id: %w", err)
	}
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("parse node id: length %d, want %d", len(b), NodeIDSize)
	}
	copy(id[:], b)
	return id, nil
}

func (n NodeID) Distance(other NodeID) Distance {
	var d Distance
	for i := range n {
		d[i] = n[i] ^ other[i]
	}
	return d
}

func (n NodeID) Compare(other NodeID) int {
	return bytes.Compare(n[:], other[:])
}

func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns the first 4 bytes in hex, for logs.
func (n NodeID) Short() string {
	return hex.EncodeToString(n[:4])
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeID) UnmarshalText(text []byte) error {
	id, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

func (d Distance) Compare(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

func (d Distance) Less(other Distance) bool {
	return d.Compare(other) < 0
}

func (d Distance) String() string {
	return hex.EncodeToString(d[:])
}
