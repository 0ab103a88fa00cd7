package saf

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
	"safnode.dev/go/safnode/internal/peer"
)

// ResponseRecorder is told when a batch of stored messages has been
// processed, so the next request can ask only for newer messages.
type ResponseRecorder interface {
	RecordResponse(ctx context.Context, from *peer.Peer, resp *StoredMessagesResponse) error
}

// ResponseHandler validates, decrypts and re-injects messages recovered
// from a SafStoredMessages response.
type ResponseHandler struct {
	cfg      Config
	node     *peer.NodeIdentity
	region   RegionOracle
	peers    PeerDirectory
	dedup    DuplicateChecker
	pool     *BlockingPool
	next     inbound.Handler
	reporter ViolationReporter
	recorder ResponseRecorder
	stats    *Stats
}

type ResponseHandlerOptions struct {
	Config   Config
	Node     *peer.NodeIdentity
	Region   RegionOracle
	Peers    PeerDirectory
	Dedup    DuplicateChecker
	Pool     *BlockingPool
	Next     inbound.Handler
	Reporter ViolationReporter
	Recorder ResponseRecorder
	Stats    *Stats
}

func NewResponseHandler(opts ResponseHandlerOptions) *ResponseHandler {
	h := &ResponseHandler{
		cfg:      opts.Config,
		node:     opts.Node,
		region:   opts.Region,
		peers:    opts.Peers,
		dedup:    opts.Dedup,
		pool:     opts.Pool,
		next:     opts.Next,
		reporter: opts.Reporter,
		recorder: opts.Recorder,
		stats:    opts.Stats,
	}
	if h.pool == nil {
		h.pool = NewBlockingPool(opts.Config.Workers)
	}
	if h.reporter == nil {
		h.reporter = nopReporter{}
	}
	if h.stats == nil {
		h.stats = &Stats{}
	}
	return h
}

type result struct {
	msg *inbound.DecryptedMessage
	err error
}

// Handle processes every message in the response independently. A bad
// message never affects its siblings. Successes are forwarded to the next
// stage in no particular order.
func (h *ResponseHandler) Handle(ctx context.Context, msg *inbound.DecryptedMessage) error {
	var resp StoredMessagesResponse
	ok, err := msg.DecodeContent(0, &resp)
	if err != nil {
		return newError(KindInvalidEnvelopeBody, err)
	}
	if !ok {
		return ErrInvalidEnvelopeBody
	}

	source := msg.SourcePeer
	h.stats.ResponsesReceived.Add(1)
	h.stats.MessagesReceived.Add(int64(len(resp.Messages)))

	slog.Debug("Received stored messages",
		"peer", source.String(),
		"messages", len(resp.Messages),
		"tag", msg.Tag)

	results := h.processBatch(ctx, resp.Messages)

	var wg sync.WaitGroup
	for _, r := range results {
		if r.err != nil {
			h.reportFailure(ctx, source, r.err)
			continue
		}
		wg.Add(1)
		go func(m *inbound.DecryptedMessage) {
			defer wg.Done()
			if err := h.next.Handle(ctx, m); err != nil {
				slog.Error("Next service failed to handle recovered message",
					"tag", m.Tag,
					"origin", m.Header.OriginPublicKey.Short(),
					"error", err)
				return
			}
			h.stats.MessagesForwarded.Add(1)
		}(r.msg)
	}
	wg.Wait()

	if h.recorder != nil {
		if err := h.recorder.RecordResponse(ctx, source, &resp); err != nil {
			slog.Warn("Failed to record stored messages response", "peer", source.String(), "error", err)
		}
	}
	return nil
}

func (h *ResponseHandler) processBatch(ctx context.Context, messages []*StoredMessage) []result {
	results := make([]result, len(messages))
	var wg sync.WaitGroup
	for i, m := range messages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var r result
			if err := h.pool.Do(ctx, func() {
				r.msg, r.err = h.processMessage(ctx, m)
			}); err != nil {
				r.err = err
			}
			results[i] = r
		}()
	}
	wg.Wait()
	return results
}

func (h *ResponseHandler) processMessage(ctx context.Context, m *StoredMessage) (*inbound.DecryptedMessage, error) {
	if m == nil || m.Header == nil {
		return nil, ErrHeaderNotProvided
	}
	header, err := envelope.ParseHeader(m.Header)
	if err != nil {
		return nil, newError(KindDhtMessageError, err)
	}

	if !h.checkDestination(ctx, header.Destination) {
		return nil, newError(KindInvalidDestination, errors.New(header.Destination.String()))
	}
	if !header.VerifySignature(m.EncryptedBody) {
		return nil, ErrInvalidSignature
	}
	if !header.Flags.Has(envelope.FlagEncrypted) {
		return nil, ErrStoredMessageNotEncrypted
	}

	dup, err := h.dedup.InsertMessageSignature(ctx, header.OriginSignature)
	if err != nil {
		return nil, newError(KindDedupServiceError, err)
	}
	if dup {
		return nil, ErrDuplicateMessage
	}

	body, err := inbound.DecryptBody(h.node.SecretKey(), header.OriginPublicKey, m.EncryptedBody)
	if err != nil {
		return nil, newError(KindDecryptionFailed, err)
	}

	origin, err := h.peers.FindByPublicKey(ctx, header.OriginPublicKey)
	if errors.Is(err, peer.ErrPeerNotFound) {
		return nil, newError(KindPeerNotFound, errors.New(header.OriginPublicKey.Short()))
	}
	if err != nil {
		return nil, newError(KindPeerManagerError, err)
	}

	return inbound.Succeeded(body, inbound.NewDhtInboundMessage(header, origin, m.EncryptedBody)), nil
}

// checkDestination accepts messages for anyone, for our key, for our node
// id, or for a node id whose neighbourhood we belong to. Oracle failures
// count as not in region.
func (h *ResponseHandler) checkDestination(ctx context.Context, dest envelope.Destination) bool {
	switch dest.Kind {
	case envelope.DestinationUnknown:
		return true
	case envelope.DestinationPublicKey:
		return dest.PublicKey == h.node.PublicKey()
	case envelope.DestinationNodeID:
		if dest.NodeID == h.node.NodeID {
			return true
		}
		inRegion, err := h.region.InNetworkRegion(ctx, h.node.NodeID, dest.NodeID, h.cfg.NumNeighbouringNodes)
		if err != nil {
			slog.Error("Network region check failed", "node_id", dest.NodeID.Short(), "error", err)
			return false
		}
		return inRegion
	}
	return false
}

func (h *ResponseHandler) reportFailure(ctx context.Context, source *peer.Peer, err error) {
	class := Classify(err)
	h.stats.recordDrop(class)
	switch class {
	case ClassBenign:
		slog.Debug("Dropped stored message", "peer", source.String(), "reason", err)
	case ClassMalfunction:
		slog.Error("System malfunction while processing stored message", "peer", source.String(), "error", err)
	case ClassProtocolViolation:
		slog.Warn("SECURITY: peer sent an invalid stored message, badly behaving node",
			"peer", source.String(),
			"error", err)
		h.reporter.ReportViolation(ctx, source, err)
	}
}
