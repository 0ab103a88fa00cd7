package saf

import (
	"context"
	"errors"
	"testing"
	"time"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
	"safnode.dev/go/safnode/internal/outbound"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/testutil"
)

type serviceNode struct {
	*testutil.TestNode
	peers *peer.Manager
	out   *testutil.OutboundSpy
	next  *testutil.SpyHandler
	svc   *Service
}

func newServiceNode(t *testing.T, name string, opts ...func(*Config)) *serviceNode {
	t.Helper()
	cfg := testConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	tn := testutil.NewTestNode(t, name)
	n := &serviceNode{
		TestNode: tn,
		peers:    peer.NewManager(),
		out:      &testutil.OutboundSpy{Node: tn.Node},
		next:     &testutil.SpyHandler{},
	}
	svc, err := New(Options{
		Config:   cfg,
		Node:     tn.Node,
		Peers:    n.peers,
		Outbound: n.out,
		Next:     n.next,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.svc = svc
	return n
}

// deliver hands the most recent envelope sent by from to to's SAF handler.
func deliver(t *testing.T, from, to *serviceNode) {
	t.Helper()
	sent := from.out.Sent()
	if len(sent) == 0 {
		t.Fatalf("%s sent nothing", from.Name)
	}
	last := sent[len(sent)-1]
	if last.To != to.PublicKey() {
		t.Fatalf("%s's last message is not for %s", from.Name, to.Name)
	}
	msg, err := inbound.NewDecryptor(to.Node).Decrypt(context.Background(), last.Envelope, from.Peer())
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if err := to.svc.Handler().Handle(context.Background(), msg); err != nil {
		t.Fatalf("%s handle: %v", to.Name, err)
	}
}

func TestServiceStoreAndForward(t *testing.T) {
	alice := newServiceNode(t, "alice")
	relay := newServiceNode(t, "relay")
	bob := newServiceNode(t, "bob")
	testutil.AddPeers(t, relay.peers, alice.TestNode, bob.TestNode)
	testutil.AddPeers(t, bob.peers, relay.TestNode, alice.TestNode)

	// Bob is offline; the relay keeps alice's message for him.
	env := testutil.Envelope(t, alice.TestNode, bob.PublicKey(), envelope.ToPublicKey(bob.PublicKey()),
		envelope.MessageTypeText, outbound.EncryptForDestination, "while you were out")
	if _, err := relay.svc.Storer().StoreUndeliverable(env); err != nil {
		t.Fatalf("store: %v", err)
	}

	n, err := bob.svc.Requester().RequestStoredMessages(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RequestStoredMessages = (%d, %v), want 2 requests", n, err)
	}
	// Only the relay answers; alice holds nothing.
	var toRelay bool
	for _, s := range bob.out.Sent() {
		if s.To == relay.PublicKey() {
			msg, err := inbound.NewDecryptor(relay.Node).Decrypt(context.Background(), s.Envelope, bob.Peer())
			if err != nil {
				t.Fatal(err)
			}
			if err := relay.svc.Handler().Handle(context.Background(), msg); err != nil {
				t.Fatal(err)
			}
			toRelay = true
		}
	}
	if !toRelay {
		t.Fatal("bob did not ask the relay")
	}

	deliver(t, relay, bob)

	msgs := bob.next.Messages()
	if len(msgs) != 1 {
		t.Fatalf("bob received %d messages, want 1", len(msgs))
	}
	var text string
	if _, err := msgs[0].DecodeContent(0, &text); err != nil || text != "while you were out" {
		t.Errorf("got %q (%v)", text, err)
	}
	if msgs[0].SourcePeer.PublicKey != alice.PublicKey() {
		t.Error("recovered message not attributed to alice")
	}

	last, err := bob.svc.Requester().LastRequestAt(context.Background())
	if err != nil || last.IsZero() {
		t.Errorf("watermark not recorded: %v %v", last, err)
	}

	// The next request starts after the recovered message.
	if err := bob.svc.Requester().RequestFrom(context.Background(), relay.PublicKey()); err != nil {
		t.Fatal(err)
	}
	deliver(t, bob, relay)
	deliver(t, relay, bob)
	if bob.next.Count() != 1 {
		t.Errorf("bob received %d messages after replay, want 1", bob.next.Count())
	}
}

func TestServicePagesThroughFullBatches(t *testing.T) {
	capped := func(c *Config) { c.MaxReturnedMessages = 2 }
	alice := newServiceNode(t, "alice", capped)
	relay := newServiceNode(t, "relay", capped)
	bob := newServiceNode(t, "bob", capped)
	testutil.AddPeers(t, relay.peers, alice.TestNode, bob.TestNode)
	testutil.AddPeers(t, bob.peers, relay.TestNode, alice.TestNode)

	const stored = 5
	for i := range stored {
		env := testutil.Envelope(t, alice.TestNode, bob.PublicKey(), envelope.ToPublicKey(bob.PublicKey()),
			envelope.MessageTypeText, outbound.EncryptForDestination, i)
		if _, err := relay.svc.Storer().StoreUndeliverable(env); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	ctx := context.Background()
	if err := bob.svc.Requester().RequestFrom(ctx, relay.PublicKey()); err != nil {
		t.Fatal(err)
	}
	requests := len(bob.out.Sent())
	for round := 0; ; round++ {
		if round == 10 {
			t.Fatal("bob kept requesting")
		}
		deliver(t, bob, relay)
		deliver(t, relay, bob)
		if len(bob.out.Sent()) == requests {
			break
		}
		requests = len(bob.out.Sent())
	}

	if n := bob.next.Count(); n != stored {
		t.Fatalf("bob recovered %d of %d stored messages", n, stored)
	}
	if n := relay.svc.Stats().MessagesReturned.Load(); n != stored {
		t.Errorf("relay returned %d messages, want %d", n, stored)
	}

	// Nothing is left once the cursor has passed every message.
	if err := bob.svc.Requester().RequestFrom(ctx, relay.PublicKey()); err != nil {
		t.Fatal(err)
	}
	deliver(t, bob, relay)
	deliver(t, relay, bob)
	if n := relay.svc.Stats().MessagesReturned.Load(); n != stored {
		t.Errorf("relay returned %d messages after the last page, want %d", n, stored)
	}
}

func TestServiceRun(t *testing.T) {
	node := newServiceNode(t, "node")
	source := testutil.NewTestNode(t, "source")

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *inbound.DecryptedMessage)
	done := make(chan error, 1)
	go func() { done <- node.svc.Run(ctx, in) }()

	in <- testutil.Decrypted(t, source, node.TestNode, envelope.MessageTypeText, "x")
	deadline := time.Now().Add(2 * time.Second)
	for node.next.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if node.next.Count() != 1 {
		t.Errorf("handled %d messages, want 1", node.next.Count())
	}
}

func TestServiceOptions(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	if _, err := New(Options{Config: testConfig(), Node: node.Node}); err == nil {
		t.Error("New accepted missing dependencies")
	}

	cfg := testConfig()
	cfg.MaxReturnedMessages = -1
	_, err := New(Options{
		Config:   cfg,
		Node:     node.Node,
		Peers:    peer.NewManager(),
		Outbound: &testutil.OutboundSpy{},
		Next:     &testutil.SpyHandler{},
	})
	if err == nil {
		t.Error("New accepted negative max_returned_messages")
	}
	if errors.Is(err, ErrInvalidEnvelopeBody) {
		t.Error("config error classified as SAF error")
	}
}
