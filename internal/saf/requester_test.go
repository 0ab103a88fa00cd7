package saf

import (
	"context"
	"errors"
	"testing"
	"time"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/storage"
	"safnode.dev/go/safnode/internal/testutil"
)

func TestRequesterTargetsClosestPeers(t *testing.T) {
	cfg := testConfig()
	cfg.NumClosestNodes = 3
	node := testutil.NewTestNode(t, "node")
	peers := peer.NewManager()
	ranked := rankedNodes(t, peers, node.Node.NodeID, 6)
	testutil.AddPeers(t, peers, node)
	out := &testutil.OutboundSpy{}

	r := NewRequester(cfg, node.Node, peers, out, storage.NewMemoryStore())
	n, err := r.RequestStoredMessages(context.Background())
	if err != nil {
		t.Fatalf("RequestStoredMessages: %v", err)
	}
	if n != 3 {
		t.Fatalf("sent %d requests, want 3", n)
	}
	sent := out.Sent()
	for i, s := range sent {
		if s.To != ranked[i].PublicKey() {
			t.Errorf("request %d went to %s, want %s", i, s.To.Short(), ranked[i].PublicKey().Short())
		}
		if s.Type != envelope.MessageTypeSafRequestMessages {
			t.Errorf("request %d type = %v", i, s.Type)
		}
		req := s.Payload.(StoredMessagesRequest)
		if req.Since != nil {
			t.Errorf("first request has since %v, want none", req.Since)
		}
	}
}

func TestRequesterNoPeers(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	out := &testutil.OutboundSpy{}
	r := NewRequester(testConfig(), node.Node, peer.NewManager(), out, storage.NewMemoryStore())

	n, err := r.RequestStoredMessages(context.Background())
	if err != nil || n != 0 {
		t.Errorf("got (%d, %v), want (0, nil)", n, err)
	}
}

func TestRequesterCursor(t *testing.T) {
	ctx := context.Background()
	node := testutil.NewTestNode(t, "node")
	relay := testutil.NewTestNode(t, "relay")
	other := testutil.NewTestNode(t, "other")
	peers := peer.NewManager()
	testutil.AddPeers(t, peers, relay, other)
	kv := storage.NewMemoryStore()
	out := &testutil.OutboundSpy{}
	cfg := testConfig()
	cfg.MaxReturnedMessages = 3
	r := NewRequester(cfg, node.Node, peers, out, kv)

	// An empty response leaves the cursor alone.
	if err := r.RecordResponse(ctx, relay.Peer(), &StoredMessagesResponse{}); err != nil {
		t.Fatal(err)
	}
	if c, _ := r.Cursor(ctx, relay.PublicKey()); !c.IsZero() {
		t.Fatalf("cursor = %v, want zero", c)
	}
	if last, _ := r.LastRequestAt(ctx); last.IsZero() {
		t.Error("response time not recorded")
	}

	// The relay's clock decides, not ours.
	relayTime := time.Now().Add(-time.Hour).UTC()
	resp := &StoredMessagesResponse{Messages: []*StoredMessage{
		{StoredAt: relayTime.Add(-time.Minute)},
		{StoredAt: relayTime},
	}}
	if err := r.RecordResponse(ctx, relay.Peer(), resp); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	cursor, err := r.Cursor(ctx, relay.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if !cursor.After(relayTime) || cursor.After(relayTime.Add(time.Microsecond)) {
		t.Errorf("cursor = %v, want just after %v", cursor, relayTime)
	}
	if len(out.Sent()) != 0 {
		t.Error("partial batch triggered a follow-up request")
	}

	// Other relays keep their own cursor.
	if c, _ := r.Cursor(ctx, other.PublicKey()); !c.IsZero() {
		t.Errorf("other relay cursor = %v, want zero", c)
	}

	// Survives a new requester over the same store.
	r2 := NewRequester(cfg, node.Node, peers, out, kv)
	if _, err := r2.RequestStoredMessages(ctx); err != nil {
		t.Fatal(err)
	}
	for _, s := range out.Sent() {
		req := s.Payload.(StoredMessagesRequest)
		switch s.To {
		case relay.PublicKey():
			if req.Since == nil || !req.Since.Equal(cursor) {
				t.Errorf("since for relay = %v, want %v", req.Since, cursor)
			}
		case other.PublicKey():
			if req.Since != nil {
				t.Errorf("since for other relay = %v, want none", req.Since)
			}
		}
	}
}

func TestRequesterFollowsFullBatch(t *testing.T) {
	ctx := context.Background()
	node := testutil.NewTestNode(t, "node")
	relay := testutil.NewTestNode(t, "relay")
	peers := peer.NewManager()
	testutil.AddPeers(t, peers, relay)
	out := &testutil.OutboundSpy{}
	cfg := testConfig()
	cfg.MaxReturnedMessages = 2
	r := NewRequester(cfg, node.Node, peers, out, storage.NewMemoryStore())

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	full := &StoredMessagesResponse{Messages: []*StoredMessage{{StoredAt: at}, {StoredAt: at.Add(time.Second)}}}
	if err := r.RecordResponse(ctx, relay.Peer(), full); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	sent := out.Sent()
	if len(sent) != 1 || sent[0].To != relay.PublicKey() {
		t.Fatalf("sent %d follow-up requests, want 1 to the relay", len(sent))
	}
	req := sent[0].Payload.(StoredMessagesRequest)
	if req.Since == nil || !req.Since.After(at.Add(time.Second)) {
		t.Errorf("follow-up since = %v, want after the last returned message", req.Since)
	}

	// The same full batch again does not move the cursor, so no loop.
	if err := r.RecordResponse(ctx, relay.Peer(), full); err != nil {
		t.Fatal(err)
	}
	if n := len(out.Sent()); n != 1 {
		t.Errorf("sent %d requests after a repeated batch, want 1", n)
	}
}

type closedKV struct {
	storage.KeyValueStore
}

func (closedKV) Put(context.Context, string, []byte) error {
	return errors.New("sql: database is closed")
}

func TestRequesterIgnoresResponsesAfterClose(t *testing.T) {
	ctx := context.Background()
	node := testutil.NewTestNode(t, "node")
	relay := testutil.NewTestNode(t, "relay")
	r := NewRequester(testConfig(), node.Node, peer.NewManager(), &testutil.OutboundSpy{}, closedKV{storage.NewMemoryStore()})
	r.Close()

	resp := &StoredMessagesResponse{Messages: []*StoredMessage{{StoredAt: time.Now()}}}
	if err := r.RecordResponse(ctx, relay.Peer(), resp); err != nil {
		t.Fatalf("RecordResponse after Close: %v", err)
	}
}

func TestRequesterSendErrors(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	peers := peer.NewManager()
	testutil.Populate(t, peers, 2)
	out := &testutil.OutboundSpy{Err: errors.New("no route")}
	r := NewRequester(testConfig(), node.Node, peers, out, storage.NewMemoryStore())

	n, err := r.RequestStoredMessages(context.Background())
	if n != 0 || err == nil {
		t.Errorf("got (%d, %v), want (0, error)", n, err)
	}
}
