package saf

import (
	"context"
	"log/slog"

	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
	"safnode.dev/go/safnode/internal/outbound"
	"safnode.dev/go/safnode/internal/peer"
)

// RequestHandler answers a peer asking for the messages held for it.
type RequestHandler struct {
	cfg      Config
	node     *peer.NodeIdentity
	store    *MessageStore
	region   RegionOracle
	outbound OutboundRequester
	stats    *Stats
}

func NewRequestHandler(cfg Config, node *peer.NodeIdentity, store *MessageStore, region RegionOracle, out OutboundRequester, stats *Stats) *RequestHandler {
	if stats == nil {
		stats = &Stats{}
	}
	return &RequestHandler{cfg: cfg, node: node, store: store, region: region, outbound: out, stats: stats}
}

// Handle serves one SafRequestMessages message. Requesters outside our
// network region are ignored without a response.
func (h *RequestHandler) Handle(ctx context.Context, msg *inbound.DecryptedMessage) error {
	var req StoredMessagesRequest
	ok, err := msg.DecodeContent(0, &req)
	if err != nil {
		return newError(KindInvalidEnvelopeBody, err)
	}
	if !ok {
		return ErrInvalidEnvelopeBody
	}

	source := msg.SourcePeer
	inRegion, err := h.region.InNetworkRegion(ctx, source.NodeID, h.node.NodeID, h.cfg.NumClosestNodes)
	if err != nil {
		h.stats.RequestsRejected.Add(1)
		return newError(KindPeerManagerError, err)
	}
	if !inRegion {
		h.stats.RequestsRejected.Add(1)
		slog.Debug("Ignoring stored messages request from peer outside network region",
			"peer", source.String(),
			"node_id", source.NodeID.Short(),
			"region_size", h.cfg.NumClosestNodes)
		return nil
	}

	messages := h.collect(req, source)

	slog.Debug("Responding to stored messages request",
		"peer", source.String(),
		"messages", len(messages),
		"since", req.Since)

	resp := StoredMessagesResponse{Messages: messages}
	if _, err := h.outbound.SendDirect(ctx, source.PublicKey, envelope.MessageTypeSafStoredMessages, outbound.EncryptForDestination, resp); err != nil {
		return newError(KindOutboundError, err)
	}
	h.stats.RequestsServed.Add(1)
	h.stats.MessagesReturned.Add(int64(len(messages)))
	return nil
}

// collect returns up to MaxReturnedMessages stored messages addressed to
// source, in store order.
func (h *RequestHandler) collect(req StoredMessagesRequest, source *peer.Peer) []*StoredMessage {
	limit := h.cfg.MaxReturnedMessages
	messages := []*StoredMessage{}
	for key, m := range h.store.Snapshot() {
		if len(messages) >= limit {
			break
		}
		if req.Since != nil && m.StoredAt.Before(*req.Since) {
			continue
		}
		header, err := envelope.ParseHeader(m.Header)
		if err != nil {
			slog.Warn("Stored message has an invalid header, store integrity problem", "key", key, "error", err)
			continue
		}
		if !destinationMatches(header.Destination, source) {
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

func destinationMatches(dest envelope.Destination, p *peer.Peer) bool {
	switch dest.Kind {
	case envelope.DestinationUnknown:
		return true
	case envelope.DestinationPublicKey:
		return dest.PublicKey == p.PublicKey
	case envelope.DestinationNodeID:
		return dest.NodeID == p.NodeID
	}
	return false
}
