package saf

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
	"safnode.dev/go/safnode/internal/outbound"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/testutil"
)

// storedFor builds a stored message from origin, encrypted for recipient
// and declaring dest.
func storedFor(t *testing.T, origin, recipient *testutil.TestNode, dest envelope.Destination, text string) *StoredMessage {
	t.Helper()
	env := testutil.Envelope(t, origin, recipient.PublicKey(), dest, envelope.MessageTypeText, outbound.EncryptForDestination, text)
	return NewStoredMessage(env.Header, env.Body, time.Now())
}

func responseFrom(t *testing.T, relay, receiver *testutil.TestNode, msgs ...*StoredMessage) *inbound.DecryptedMessage {
	t.Helper()
	return testutil.Decrypted(t, relay, receiver, envelope.MessageTypeSafStoredMessages, StoredMessagesResponse{Messages: msgs})
}

func requestFrom(t *testing.T, source, relay *testutil.TestNode, req StoredMessagesRequest) *inbound.DecryptedMessage {
	t.Helper()
	return testutil.Decrypted(t, source, relay, envelope.MessageTypeSafRequestMessages, req)
}

// rankedNodes creates count nodes, adds them to m, and returns them sorted
// by distance to region, nearest first.
func rankedNodes(t *testing.T, m *peer.Manager, region peer.NodeID, count int) []*testutil.TestNode {
	t.Helper()
	nodes := make([]*testutil.TestNode, count)
	for i := range nodes {
		nodes[i] = testutil.NewTestNode(t, "")
	}
	testutil.AddPeers(t, m, nodes...)
	slices.SortFunc(nodes, func(a, b *testutil.TestNode) int {
		return region.Distance(a.Node.NodeID).Compare(region.Distance(b.Node.NodeID))
	})
	return nodes
}

type recordingReporter struct {
	mu    sync.Mutex
	peers []*peer.Peer
	errs  []error
}

func (r *recordingReporter) ReportViolation(_ context.Context, p *peer.Peer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, p)
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.ShutdownGrace = time.Second
	cfg.ProcessingTimeout = 5 * time.Second
	return cfg
}

// withUnreducedSignature returns a copy of m whose origin signature has
// the group order added to its response scalar.
func withUnreducedSignature(m *StoredMessage) *StoredMessage {
	order := [32]byte{
		0xed, 0xd3, 0xf5, 0x5c, 0x1a, 0x63, 0x12, 0x58,
		0xd6, 0x9c, 0xf7, 0xa2, 0xde, 0xf9, 0xde, 0x14,
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0x10,
	}
	c := NewStoredMessage(m.Header, m.EncryptedBody, m.StoredAt)
	sig := slices.Clone(m.Header.OriginSignature)
	var carry uint16
	for i := range 32 {
		sum := uint16(sig[32+i]) + uint16(order[i]) + carry
		sig[32+i] = byte(sum)
		carry = sum >> 8
	}
	c.Header.OriginSignature = sig
	return c
}
