// Package testutil provides fixtures shared by safnode package tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
	"safnode.dev/go/safnode/internal/outbound"
	"safnode.dev/go/safnode/internal/peer"
)

// TestNode is a node identity with its own temporary config directory.
type TestNode struct {
	Identity  *crypto.Identity
	Node      *peer.NodeIdentity
	ConfigDir string
	Name      string
}

// NewTestNode creates a node identity rooted in a fresh temp dir.
func NewTestNode(t *testing.T, name string) *TestNode {
	t.Helper()

	identity, err := crypto.GenerateIdentity(name)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return &TestNode{
		Identity:  identity,
		Node:      peer.NewNodeIdentity(name, identity.KeyPair(), ""),
		ConfigDir: t.TempDir(),
		Name:      name,
	}
}

func (n *TestNode) PublicKey() crypto.PublicKey {
	return n.Node.PublicKey()
}

// Peer returns the node as another node's directory would record it.
func (n *TestNode) Peer() *peer.Peer {
	return n.Node.ToPeer()
}

// Populate adds count random peers to m and returns them.
func Populate(t *testing.T, m *peer.Manager, count int) []*peer.Peer {
	t.Helper()
	peers := make([]*peer.Peer, count)
	for i := range peers {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair: %v", err)
		}
		peers[i] = peer.New(kp.Public, "")
		if err := m.Add(context.Background(), peers[i]); err != nil {
			t.Fatalf("add peer: %v", err)
		}
	}
	return peers
}

// AddPeers adds each node to m.
func AddPeers(t *testing.T, m *peer.Manager, nodes ...*TestNode) {
	t.Helper()
	for _, n := range nodes {
		if err := m.Add(context.Background(), n.Peer()); err != nil {
			t.Fatalf("add peer %s: %v", n.Name, err)
		}
	}
}

// Envelope builds a signed envelope from origin carrying payload.
func Envelope(t *testing.T, origin *TestNode, to crypto.PublicKey, dest envelope.Destination, msgType envelope.MessageType, enc outbound.Encryption, payload ...any) *envelope.Envelope {
	t.Helper()
	env, err := outbound.BuildEnvelope(origin.Node, outbound.SendRequest{
		To:          to,
		Destination: dest,
		MessageType: msgType,
		Encryption:  enc,
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

// Decrypted builds a message as the receiving node's decryption stage
// would hand it on: from source, addressed and encrypted to receiver.
func Decrypted(t *testing.T, source, receiver *TestNode, msgType envelope.MessageType, payload any) *inbound.DecryptedMessage {
	t.Helper()
	env := Envelope(t, source, receiver.PublicKey(), envelope.Unknown(), msgType, outbound.EncryptForDestination, payload)
	msg, err := inbound.NewDecryptor(receiver.Node).Decrypt(context.Background(), env, source.Peer())
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if msg.DecryptionFailed() {
		t.Fatal("receiver could not decrypt test message")
	}
	return msg
}

// SpyHandler records every message it is asked to handle.
type SpyHandler struct {
	mu       sync.Mutex
	messages []*inbound.DecryptedMessage
	Err      error
}

func (s *SpyHandler) Handle(_ context.Context, msg *inbound.DecryptedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return s.Err
}

func (s *SpyHandler) Messages() []*inbound.DecryptedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*inbound.DecryptedMessage(nil), s.messages...)
}

func (s *SpyHandler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SentMessage is one call recorded by OutboundSpy.
type SentMessage struct {
	To         crypto.PublicKey
	Type       envelope.MessageType
	Encryption outbound.Encryption
	Payload    any
	Envelope   *envelope.Envelope
}

// OutboundSpy records sends. When Node is set it also builds the real
// envelope so tests can hand it to another node.
type OutboundSpy struct {
	Node *peer.NodeIdentity
	Err  error

	mu   sync.Mutex
	sent []SentMessage
}

func (o *OutboundSpy) SendDirect(_ context.Context, to crypto.PublicKey, msgType envelope.MessageType, enc outbound.Encryption, payload any) (uuid.UUID, error) {
	if o.Err != nil {
		return uuid.Nil, o.Err
	}
	sm := SentMessage{To: to, Type: msgType, Encryption: enc, Payload: payload}
	if o.Node != nil {
		env, err := outbound.BuildEnvelope(o.Node, outbound.SendRequest{
			To:          to,
			Destination: envelope.Unknown(),
			MessageType: msgType,
			Encryption:  enc,
			Payload:     []any{payload},
		})
		if err != nil {
			return uuid.Nil, err
		}
		sm.Envelope = env
	}
	o.mu.Lock()
	o.sent = append(o.sent, sm)
	o.mu.Unlock()
	return uuid.New(), nil
}

func (o *OutboundSpy) Sent() []SentMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]SentMessage(nil), o.sent...)
}
