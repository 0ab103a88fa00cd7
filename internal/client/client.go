// Package client talks to a running daemon over its local HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"safnode.dev/go/safnode/internal/config"
)

// ErrDaemonNotRunning is returned when nothing answers on the API address.
var ErrDaemonNotRunning = errors.New("daemon is not running")

// APIError is an error response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Status represents daemon status
type Status struct {
	Running        bool      `json:"running"`
	PID            int       `json:"pid"`
	Uptime         string    `json:"uptime"`
	StartTime      time.Time `json:"start_time"`
	Name           string    `json:"name"`
	PublicKey      string    `json:"public_key"`
	NodeID         string    `json:"node_id"`
	P2PAddr        string    `json:"p2p_addr"`
	APIAddr        string    `json:"api_addr,omitempty"`
	ConnectedPeers int       `json:"connected_peers"`
	KnownPeers     int       `json:"known_peers"`
	StoredMessages int       `json:"stored_messages"`
	InboxMessages  int       `json:"inbox_messages"`
	LastRequestAt  time.Time `json:"last_request_at,omitzero"`
	SAF            SAFStats  `json:"saf"`
}

type SAFStats struct {
	RequestsServed     int64 `json:"requests_served"`
	RequestsRejected   int64 `json:"requests_rejected"`
	MessagesReturned   int64 `json:"messages_returned"`
	ResponsesReceived  int64 `json:"responses_received"`
	MessagesReceived   int64 `json:"messages_received"`
	MessagesForwarded  int64 `json:"messages_forwarded"`
	DroppedBenign      int64 `json:"dropped_benign"`
	DroppedMalfunction int64 `json:"dropped_malfunction"`
	DroppedViolation   int64 `json:"dropped_violation"`
	MessagesStored     int64 `json:"messages_stored"`
}

type Peer struct {
	PublicKey string    `json:"public_key"`
	NodeID    string    `json:"node_id"`
	Name      string    `json:"name,omitempty"`
	Addresses []string  `json:"addresses,omitempty"`
	AddedAt   time.Time `json:"added_at"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
	Connected bool      `json:"connected"`
}

// Message is a text message in the daemon's inbox.
type Message struct {
	Tag        string    `json:"tag"`
	From       string    `json:"from"`
	FromName   string    `json:"from_name,omitempty"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
	ReceivedAt time.Time `json:"received_at"`
}

type LogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Client is an API client for one daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the API at baseURL, e.g. "http://127.0.0.1:7947".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FromConfig creates a client for the daemon configured by cfg.
func FromConfig(cfg *config.Config) (*Client, error) {
	if cfg.Daemon.APIPort == 0 {
		return nil, errors.New("the local API is disabled (api_port = 0)")
	}
	return New("http://127.0.0.1:" + strconv.Itoa(cfg.Daemon.APIPort)), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// IsRunning reports whether the daemon answers a status request.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Status(ctx)
	return err == nil
}

func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	if err := c.do(ctx, http.MethodGet, "/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// AddPeer adds a peer to the directory. With an address the daemon also
// connects to it.
func (c *Client) AddPeer(ctx context.Context, publicKey, name, address string) (*Peer, error) {
	req := map[string]string{"public_key": publicKey, "name": name, "address": address}
	var p Peer
	if err := c.do(ctx, http.MethodPost, "/peers", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) RemovePeer(ctx context.Context, publicKey string) error {
	return c.do(ctx, http.MethodDelete, "/peers/"+url.PathEscape(publicKey), nil, nil)
}

// Inbox lists received messages. With drain they are removed.
func (c *Client) Inbox(ctx context.Context, drain bool) ([]Message, error) {
	path := "/inbox"
	if drain {
		path += "?drain=true"
	}
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Send queues a text message and returns its tag.
func (c *Client) Send(ctx context.Context, to, text string) (string, error) {
	var resp struct {
		Tag string `json:"tag"`
	}
	if err := c.do(ctx, http.MethodPost, "/send", map[string]string{"to": to, "text": text}, &resp); err != nil {
		return "", err
	}
	return resp.Tag, nil
}

// RequestStored asks the closest peers for messages held for this node and
// returns how many requests were sent.
func (c *Client) RequestStored(ctx context.Context) (int, error) {
	var resp struct {
		Requested int `json:"requested"`
	}
	if err := c.do(ctx, http.MethodPost, "/saf/request", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Requested, nil
}

// Logs returns recent daemon log entries at level and above.
func (c *Client) Logs(ctx context.Context, level string, limit int) ([]LogEntry, error) {
	q := url.Values{}
	if level != "" {
		q.Set("level", level)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Entries []LogEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/logs?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}
