package envelope

import (
	"encoding/json"
	"fmt"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/peer"
)

// DestinationKind tags which variant a Destination holds.
type DestinationKind uint8

const (
	DestinationUnknown DestinationKind = iota
	DestinationPublicKey
	DestinationNodeID
)

func (k DestinationKind) String() string {
	switch k {
	case DestinationUnknown:
		return "unknown"
	case DestinationPublicKey:
		return "public_key"
	case DestinationNodeID:
		return "node_id"
	}
	return fmt.Sprintf("DestinationKind(%d)", uint8(k))
}

// Destination is who a message is intended for: anyone (Unknown), the
// holder of a public key, or a node id. Only the field matching Kind is
// meaningful.
type Destination struct {
	Kind      DestinationKind
	PublicKey crypto.PublicKey
	NodeID    peer.NodeID
}

func Unknown() Destination {
	return Destination{Kind: DestinationUnknown}
}

func ToPublicKey(pk crypto.PublicKey) Destination {
	return Destination{Kind: DestinationPublicKey, PublicKey: pk}
}

func ToNodeID(id peer.NodeID) Destination {
	return Destination{Kind: DestinationNodeID, NodeID: id}
}

func (d Destination) String() string {
	switch d.Kind {
	case DestinationUnknown:
		return "Unknown"
	case DestinationPublicKey:
		return "PublicKey(" + d.PublicKey.Short() + ")"
	case DestinationNodeID:
		return "NodeID(" + d.NodeID.Short() + ")"
	}
	return d.Kind.String()
}

// bytes is the canonical encoding used in signature challenges.
func (d Destination) bytes() []byte {
	switch d.Kind {
	case DestinationPublicKey:
		return append([]byte{byte(d.Kind)}, d.PublicKey[:]...)
	case DestinationNodeID:
		return append([]byte{byte(d.Kind)}, d.NodeID[:]...)
	}
	return []byte{byte(DestinationUnknown)}
}

type wireDestination struct {
	Kind      string            `json:"kind"`
	PublicKey *crypto.PublicKey `json:"public_key,omitempty"`
	NodeID    *peer.NodeID      `json:"node_id,omitempty"`
}

func (d Destination) MarshalJSON() ([]byte, error) {
	w := wireDestination{Kind: d.Kind.String()}
	switch d.Kind {
	case DestinationUnknown:
	case DestinationPublicKey:
		w.PublicKey = &d.PublicKey
	case DestinationNodeID:
		w.NodeID = &d.NodeID
	default:
		return nil, fmt.Errorf("marshal destination: unknown kind %d", d.Kind)
	}
	return json.Marshal(w)
}

func (d *Destination) UnmarshalJSON(data []byte) error {
	var w wireDestination
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "unknown":
		*d = Unknown()
	case "public_key":
		if w.PublicKey == nil {
			return fmt.Errorf("destination public_key: missing key")
		}
		*d = ToPublicKey(*w.PublicKey)
	case "node_id":
		if w.NodeID == nil {
			return fmt.Errorf("destination node_id: missing id")
		}
		*d = ToNodeID(*w.NodeID)
	default:
		return fmt.Errorf("unknown destination kind %q", w.Kind)
	}
	return nil
}
