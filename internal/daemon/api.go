package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/peer"
)

const maxAPIBody = 64 << 10

// PeerInfo is a directory entry as served by the API.
type PeerInfo struct {
	PublicKey string    `json:"public_key"`
	NodeID    string    `json:"node_id"`
	Name      string    `json:"name,omitempty"`
	Addresses []string  `json:"addresses,omitempty"`
	AddedAt   time.Time `json:"added_at"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
	Connected bool      `json:"connected"`
}

type AddPeerRequest struct {
	PublicKey string `json:"public_key"`
	Name      string `json:"name,omitempty"`
	Address   string `json:"address,omitempty"`
}

type SendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type SendTextResponse struct {
	Tag string `json:"tag"`
}

type SAFRequestResponse struct {
	Requested int `json:"requested"`
}

// router builds the local API. It listens on loopback only and has no
// authentication.
func (d *Daemon) router() http.Handler {
	r := chi.NewRouter()
	r.Use(d.prom.middleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxAPIBody))

	r.Get("/status", d.handleStatus)
	r.Get("/peers", d.handlePeers)
	r.Post("/peers", d.handleAddPeer)
	r.Delete("/peers/{key}", d.handleRemovePeer)
	r.Get("/inbox", d.handleInbox)
	r.Post("/send", d.handleSend)
	r.Post("/saf/request", d.handleSAFRequest)
	r.Get("/logs", d.handleLogs)
	r.Get("/metrics.json", d.handleMetricsJSON)
	r.Handle("/metrics", promhttp.HandlerFor(d.prom.registry, promhttp.HandlerOpts{}))
	return r
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, d.Status())
}

func (d *Daemon) handlePeers(w http.ResponseWriter, r *http.Request) {
	all := d.peers.All()
	out := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		out = append(out, d.peerInfo(p))
	}
	jsonResponse(w, http.StatusOK, out)
}

func (d *Daemon) peerInfo(p *peer.Peer) PeerInfo {
	return PeerInfo{
		PublicKey: p.PublicKey.String(),
		NodeID:    p.NodeID.String(),
		Name:      p.Name,
		Addresses: p.Addresses,
		AddedAt:   p.AddedAt,
		LastSeen:  p.LastSeen,
		Connected: d.transport.Connected(p.PublicKey),
	}
}

func (d *Daemon) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req AddPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pk, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if pk == d.node.PublicKey() {
		errorResponse(w, http.StatusBadRequest, "cannot add self")
		return
	}

	var addrs []string
	if req.Address != "" {
		addrs = append(addrs, req.Address)
	}
	p := peer.New(pk, req.Name, addrs...)
	if err := d.peers.Add(r.Context(), p); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Address != "" && !d.transport.Connected(pk) {
		go d.dial(req.Address)
	}
	if known, err := d.peers.FindByPublicKey(r.Context(), pk); err == nil {
		p = known
	}
	d.log.Info("Peer added", "peer", p.String())
	jsonResponse(w, http.StatusCreated, d.peerInfo(p))
}

func (d *Daemon) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	pk, err := crypto.ParsePublicKey(chi.URLParam(r, "key"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := d.peers.Remove(r.Context(), pk); err != nil {
		if errors.Is(err, peer.ErrPeerNotFound) {
			errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	d.transport.Disconnect(pk)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleInbox(w http.ResponseWriter, r *http.Request) {
	var msgs []InboxMessage
	if r.URL.Query().Get("drain") == "true" {
		msgs = d.inbox.Drain()
	} else {
		msgs = d.inbox.List()
	}
	if msgs == nil {
		msgs = []InboxMessage{}
	}
	jsonResponse(w, http.StatusOK, msgs)
}

func (d *Daemon) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pk, err := crypto.ParsePublicKey(req.To)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	tag, err := d.SendText(ctx, pk, req.Text)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResponse(w, http.StatusAccepted, SendTextResponse{Tag: tag})
}

func (d *Daemon) handleSAFRequest(w http.ResponseWriter, r *http.Request) {
	n, err := d.saf.Requester().RequestStoredMessages(r.Context())
	if err != nil && n == 0 {
		errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if err != nil {
		d.log.Warn("Some stored message requests failed", "error", err)
	}
	jsonResponse(w, http.StatusOK, SAFRequestResponse{Requested: n})
}

func (d *Daemon) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := LogQuery{Level: slog.LevelDebug, Limit: 500}

	if level := q.Get("level"); level != "" {
		query.Level = ParseLevel(level)
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		query.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= LogBufferSize {
			query.Limit = n
		}
	}

	entries := d.logBuffer.Query(query)
	jsonResponse(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   d.logBuffer.Count(),
	})
}

func (d *Daemon) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, d.MetricsSnapshot())
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}
