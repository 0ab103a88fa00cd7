package saf

import (
	"context"

	"github.com/google/uuid"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/outbound"
	"safnode.dev/go/safnode/internal/peer"
)

// RegionOracle answers network region membership questions.
type RegionOracle interface {
	InNetworkRegion(ctx context.Context, nodeID, regionNodeID peer.NodeID, n int) (bool, error)
}

// PeerDirectory resolves public keys to known peers. Unknown keys yield
// peer.ErrPeerNotFound.
type PeerDirectory interface {
	FindByPublicKey(ctx context.Context, pk crypto.PublicKey) (*peer.Peer, error)
}

// ClosestPeerFinder ranks known peers by distance.
type ClosestPeerFinder interface {
	ClosestPeers(id peer.NodeID, n int, excluded ...crypto.PublicKey) []*peer.Peer
}

// DuplicateChecker records message signatures. It returns true if the
// signature had been seen before.
type DuplicateChecker interface {
	InsertMessageSignature(ctx context.Context, signature []byte) (bool, error)
}

// OutboundRequester sends a message to exactly one peer.
type OutboundRequester interface {
	SendDirect(ctx context.Context, to crypto.PublicKey, msgType envelope.MessageType, enc outbound.Encryption, payload any) (uuid.UUID, error)
}
