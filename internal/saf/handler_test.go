package saf

import (
	"context"
	"errors"
	"testing"
	"time"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/testutil"
)

func newTestMessageHandler(t *testing.T, node *testutil.TestNode, peers *peer.Manager, out OutboundRequester, next inbound.Handler) *MessageHandler {
	t.Helper()
	cfg := testConfig()
	store := NewMessageStore(10)
	requests := NewRequestHandler(cfg, node.Node, store, peers, out, nil)
	responses := NewResponseHandler(ResponseHandlerOptions{
		Config: cfg,
		Node:   node.Node,
		Region: peers,
		Peers:  peers,
		Dedup:  NewDeduplicator(10, time.Minute),
		Next:   next,
	})
	return NewMessageHandler(requests, responses, next)
}

func TestMessageHandlerRouting(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	source := testutil.NewTestNode(t, "source")
	peers := peer.NewManager()
	testutil.AddPeers(t, peers, source)
	out := &testutil.OutboundSpy{}
	next := &testutil.SpyHandler{}
	h := newTestMessageHandler(t, node, peers, out, next)
	ctx := context.Background()

	text := testutil.Decrypted(t, source, node, envelope.MessageTypeText, "hi")
	if err := h.Handle(ctx, text); err != nil {
		t.Fatalf("text: %v", err)
	}
	if next.Count() != 1 || next.Messages()[0] != text {
		t.Error("non-SAF message not passed through unchanged")
	}

	req := testutil.Decrypted(t, source, node, envelope.MessageTypeSafRequestMessages, StoredMessagesRequest{})
	if err := h.Handle(ctx, req); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(out.Sent()) != 1 {
		t.Errorf("request produced %d responses, want 1", len(out.Sent()))
	}

	resp := testutil.Decrypted(t, source, node, envelope.MessageTypeSafStoredMessages, StoredMessagesResponse{})
	if err := h.Handle(ctx, resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if next.Count() != 1 {
		t.Error("SAF response passed to next stage")
	}
}

func TestMessageHandlerDiscardsUndecryptedDht(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	source := testutil.NewTestNode(t, "source")
	peers := peer.NewManager()
	out := &testutil.OutboundSpy{}
	next := &testutil.SpyHandler{}
	h := newTestMessageHandler(t, node, peers, out, next)

	for _, typ := range []envelope.MessageType{envelope.MessageTypeSafRequestMessages, envelope.MessageTypeJoin} {
		msg := testutil.Decrypted(t, source, node, typ, StoredMessagesRequest{})
		if err := h.Handle(context.Background(), inbound.Failed(msg.DhtInboundMessage)); err != nil {
			t.Errorf("%v: %v", typ, err)
		}
	}
	if next.Count() != 0 || len(out.Sent()) != 0 {
		t.Error("undecrypted DHT message was handled")
	}

	// Undecrypted application messages still reach the next stage.
	msg := testutil.Decrypted(t, source, node, envelope.MessageTypeText, "x")
	if err := h.Handle(context.Background(), inbound.Failed(msg.DhtInboundMessage)); err != nil {
		t.Fatal(err)
	}
	if next.Count() != 1 {
		t.Errorf("next count = %d, want 1", next.Count())
	}
}

func TestMiddlewareHandlesUntilClosed(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	source := testutil.NewTestNode(t, "source")
	spy := &testutil.SpyHandler{}
	m := NewMiddleware(spy, testConfig(), nil)

	in := make(chan *inbound.DecryptedMessage, 5)
	for range 5 {
		in <- testutil.Decrypted(t, source, node, envelope.MessageTypeText, "x")
	}
	close(in)

	if err := m.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if spy.Count() != 5 {
		t.Errorf("handled %d messages, want 5", spy.Count())
	}
}

func TestMiddlewareClassifiesErrors(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	source := testutil.NewTestNode(t, "source")
	stats := &Stats{}
	errs := []error{ErrInvalidSignature, ErrPeerNotFound, ErrOutboundError, errors.New("boom")}
	queue := make(chan error, len(errs))
	for _, err := range errs {
		queue <- err
	}
	handler := inbound.HandlerFunc(func(context.Context, *inbound.DecryptedMessage) error {
		return <-queue
	})
	m := NewMiddleware(handler, testConfig(), stats)

	in := make(chan *inbound.DecryptedMessage, len(errs))
	for range errs {
		in <- testutil.Decrypted(t, source, node, envelope.MessageTypeText, "x")
	}
	close(in)
	if err := m.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := stats.Snapshot()
	if snap.DroppedViolation != 1 || snap.DroppedBenign != 1 || snap.DroppedMalfunction != 2 {
		t.Errorf("violation/benign/malfunction = %d/%d/%d, want 1/1/2",
			snap.DroppedViolation, snap.DroppedBenign, snap.DroppedMalfunction)
	}
}

func TestMiddlewareStopsAcceptingAfterCancel(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	source := testutil.NewTestNode(t, "source")
	spy := &testutil.SpyHandler{}
	m := NewMiddleware(spy, testConfig(), nil)

	in := make(chan *inbound.DecryptedMessage, 20)
	for range 20 {
		in <- testutil.Decrypted(t, source, node, envelope.MessageTypeText, "x")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Run(ctx, in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := spy.Count(); n != 0 {
		t.Errorf("handled %d messages after cancel, want 0", n)
	}
}

func TestMiddlewareShutdownGrace(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	source := testutil.NewTestNode(t, "source")
	msg := testutil.Decrypted(t, source, node, envelope.MessageTypeText, "x")

	t.Run("finishes in flight work", func(t *testing.T) {
		started := make(chan struct{})
		var handlerErr error
		handler := inbound.HandlerFunc(func(ctx context.Context, _ *inbound.DecryptedMessage) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			handlerErr = ctx.Err()
			return nil
		})
		cfg := testConfig()
		cfg.ShutdownGrace = 5 * time.Second
		m := NewMiddleware(handler, cfg, nil)

		ctx, cancel := context.WithCancel(context.Background())
		in := make(chan *inbound.DecryptedMessage, 1)
		in <- msg
		done := make(chan error, 1)
		go func() { done <- m.Run(ctx, in) }()
		<-started
		cancel()

		if err := <-done; err != nil {
			t.Fatalf("Run: %v", err)
		}
		if handlerErr != nil {
			t.Errorf("handler context cancelled by shutdown: %v", handlerErr)
		}
	})

	t.Run("times out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		started := make(chan struct{})
		handler := inbound.HandlerFunc(func(context.Context, *inbound.DecryptedMessage) error {
			close(started)
			<-release
			return nil
		})
		cfg := testConfig()
		cfg.ShutdownGrace = 20 * time.Millisecond
		m := NewMiddleware(handler, cfg, nil)

		ctx, cancel := context.WithCancel(context.Background())
		in := make(chan *inbound.DecryptedMessage, 1)
		in <- msg
		done := make(chan error, 1)
		go func() { done <- m.Run(ctx, in) }()
		<-started
		cancel()

		if err := <-done; !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Run = %v, want ErrShutdownTimeout", err)
		}
	})
}

func TestMiddlewareProcessingTimeout(t *testing.T) {
	node := testutil.NewTestNode(t, "node")
	source := testutil.NewTestNode(t, "source")
	got := make(chan error, 1)
	handler := inbound.HandlerFunc(func(ctx context.Context, _ *inbound.DecryptedMessage) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})
	cfg := testConfig()
	cfg.ProcessingTimeout = 10 * time.Millisecond
	m := NewMiddleware(handler, cfg, nil)

	in := make(chan *inbound.DecryptedMessage, 1)
	in <- testutil.Decrypted(t, source, node, envelope.MessageTypeText, "x")
	close(in)
	if err := m.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := <-got; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("handler ctx err = %v, want deadline exceeded", err)
	}
}
