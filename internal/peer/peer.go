// Package peer holds the node's view of the overlay: its own identity, the
// directory of known peers, and the network region queries built on it.
package peer

import (
	"fmt"
	"slices"
	"time"

	"safnode.dev/go/safnode/internal/crypto"
)

// Peer is a known remote node.
type Peer struct {
	PublicKey crypto.PublicKey `json:"public_key"`
	NodeID    NodeID           `json:"node_id"`
	Name      string           `json:"name,omitempty"`
	Addresses []string         `json:"addresses,omitempty"`
	AddedAt   time.Time        `json:"added_at"`
	LastSeen  time.Time        `json:"last_seen,omitzero"`
}

// New returns a peer for pk with its node id filled in.
func New(pk crypto.PublicKey, name string, addresses ...string) *Peer {
	return &Peer{
		PublicKey: pk,
		NodeID:    NodeIDFromPublicKey(pk),
		Name:      name,
		Addresses: addresses,
		AddedAt:   time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (p *Peer) Clone() *Peer {
	c := *p
	c.Addresses = slices.Clone(p.Addresses)
	return &c
}

func (p *Peer) String() string {
	if p.Name != "" {
		return fmt.Sprintf("%s (%s)", p.Name, p.PublicKey.Short())
	}
	return p.PublicKey.Short()
}

// NodeIdentity is the local node.
type NodeIdentity struct {
	Name          string
	Keys          *crypto.KeyPair
	NodeID        NodeID
	PublicAddress string
}

// NewNodeIdentity wraps a key pair as the local node identity.
func NewNodeIdentity(name string, keys *crypto.KeyPair, publicAddress string) *NodeIdentity {
	return &NodeIdentity{
		Name:          name,
		Keys:          keys,
		NodeID:        NodeIDFromPublicKey(keys.Public),
		PublicAddress: publicAddress,
	}
}

func (n *NodeIdentity) PublicKey() crypto.PublicKey {
	return n.Keys.Public
}

func (n *NodeIdentity) SecretKey() *crypto.SecretKey {
	return n.Keys.Secret
}

func (n *NodeIdentity) Sign(message []byte) ([]byte, error) {
	return crypto.Sign(n.Keys.Secret, message)
}

// ToPeer describes the local node as other nodes see it.
func (n *NodeIdentity) ToPeer() *Peer {
	var addrs []string
	if n.PublicAddress != "" {
		addrs = []string{n.PublicAddress}
	}
	return New(n.Keys.Public, n.Name, addrs...)
}
