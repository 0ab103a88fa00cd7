package saf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/outbound"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/storage"
)

const (
	lastResponseKey = "saf/last_request_at"
	cursorPrefix    = "saf/since/"
)

// Requester asks nearby peers for messages they hold for this node. Each
// relay gets its own cursor: the StoredAt, on the relay's clock, of the
// last message it returned. A full batch triggers a follow-up request
// from the new cursor.
type Requester struct {
	cfg      Config
	node     *peer.NodeIdentity
	peers    ClosestPeerFinder
	outbound OutboundRequester
	kv       storage.KeyValueStore

	mu     sync.Mutex
	closed bool
}

func NewRequester(cfg Config, node *peer.NodeIdentity, peers ClosestPeerFinder, out OutboundRequester, kv storage.KeyValueStore) *Requester {
	return &Requester{cfg: cfg, node: node, peers: peers, outbound: out, kv: kv}
}

// RequestStoredMessages sends a request to each of the closest known peers
// and returns how many requests were queued.
func (r *Requester) RequestStoredMessages(ctx context.Context) (int, error) {
	targets := r.peers.ClosestPeers(r.node.NodeID, r.cfg.NumClosestNodes, r.node.PublicKey())
	if len(targets) == 0 {
		return 0, nil
	}

	sent := 0
	var errs []error
	for _, p := range targets {
		if err := r.RequestFrom(ctx, p.PublicKey); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	slog.Info("Requested stored messages", "peers", sent)
	return sent, errors.Join(errs...)
}

// RequestFrom sends a request to a single peer, typically one that just
// connected.
func (r *Requester) RequestFrom(ctx context.Context, pk crypto.PublicKey) error {
	var req StoredMessagesRequest
	since, err := r.Cursor(ctx, pk)
	if err != nil {
		return err
	}
	if !since.IsZero() {
		req.Since = &since
	}
	if _, err := r.outbound.SendDirect(ctx, pk, envelope.MessageTypeSafRequestMessages, outbound.EncryptForDestination, req); err != nil {
		return fmt.Errorf("request stored messages from %s: %w", pk.Short(), err)
	}
	return nil
}

// RecordResponse moves the cursor for from past the last message in resp.
// When the batch was full and the cursor moved, the next batch is
// requested straight away.
func (r *Requester) RecordResponse(ctx context.Context, from *peer.Peer, resp *StoredMessagesResponse) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil
	}

	if err := r.putTime(ctx, lastResponseKey, time.Now().UTC()); err != nil {
		return err
	}
	if resp == nil || len(resp.Messages) == 0 {
		return nil
	}
	last := resp.Messages[len(resp.Messages)-1]
	if last == nil || last.StoredAt.IsZero() {
		return nil
	}

	// Since is inclusive, so step one tick past the last returned message.
	next := last.StoredAt.UTC().Add(time.Nanosecond)
	prev, err := r.Cursor(ctx, from.PublicKey)
	if err != nil {
		return err
	}
	if !next.After(prev) {
		return nil
	}
	if err := r.putTime(ctx, cursorPrefix+from.PublicKey.String(), next); err != nil {
		return err
	}

	if r.cfg.MaxReturnedMessages > 0 && len(resp.Messages) >= r.cfg.MaxReturnedMessages {
		slog.Debug("Stored messages batch was full, requesting more",
			"peer", from.String(),
			"since", next)
		return r.RequestFrom(ctx, from.PublicKey)
	}
	return nil
}

// Close stops further writes. Responses still being processed after Close
// are ignored.
func (r *Requester) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Cursor returns the Since bound for the next request to pk, or the zero
// time if pk never returned anything.
func (r *Requester) Cursor(ctx context.Context, pk crypto.PublicKey) (time.Time, error) {
	return r.getTime(ctx, cursorPrefix+pk.String())
}

// LastRequestAt returns when a stored messages response was last
// processed, or the zero time.
func (r *Requester) LastRequestAt(ctx context.Context) (time.Time, error) {
	return r.getTime(ctx, lastResponseKey)
}

func (r *Requester) getTime(ctx context.Context, key string) (time.Time, error) {
	var t time.Time
	data, err := r.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return t, nil
	}
	if err != nil {
		return t, fmt.Errorf("load %s: %w", key, err)
	}
	if err := t.UnmarshalText(data); err != nil {
		return time.Time{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return t, nil
}

func (r *Requester) putTime(ctx context.Context, key string, t time.Time) error {
	data, err := t.MarshalText()
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
