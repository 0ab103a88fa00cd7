package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/protocol"
)

const dialTimeout = 10 * time.Second

var (
	ErrNotConnected     = errors.New("peer not connected")
	ErrAlreadyConnected = errors.New("peer already connected")
	ErrTransportClosed  = errors.New("transport closed")
)

// EnvelopeFunc is called for every envelope a connected peer sends.
type EnvelopeFunc func(ctx context.Context, from *peer.Peer, env *envelope.Envelope)

// ConnectFunc is called once a peer has completed the handshake.
type ConnectFunc func(ctx context.Context, p *peer.Peer)

// TransportOptions wires a Transport to the node.
type TransportOptions struct {
	Node        *peer.NodeIdentity
	Peers       *peer.Manager
	RateLimiter *RateLimiter
	ConnLimiter *ConnectionLimiter
	Metrics     *Metrics
	OnEnvelope  EnvelopeFunc
	OnConnect   ConnectFunc
}

type peerConn struct {
	peer     *peer.Peer
	conn     *protocol.Conn
	outbound bool
	since    time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Transport carries envelopes between authenticated peers over websockets.
// At most one connection is kept per peer.
type Transport struct {
	opts     TransportOptions
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	conns  map[crypto.PublicKey]*peerConn
	closed bool
}

func NewTransport(ctx context.Context, opts TransportOptions) *Transport {
	if opts.RateLimiter == nil {
		opts.RateLimiter = NewRateLimiter(nil)
	}
	if opts.ConnLimiter == nil {
		opts.ConnLimiter = NewConnectionLimiter(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Transport{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; authentication is the signed hello.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[crypto.PublicKey]*peerConn),
	}
}

// ServeHTTP accepts an inbound peer connection on /p2p.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := t.opts.ConnLimiter.Admit(r.RemoteAddr); err != nil {
		slog.Debug("Refusing peer connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer t.opts.ConnLimiter.Release(r.RemoteAddr)

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	pc, err := t.handshake(protocol.NewConn(ws), false)
	if err != nil {
		t.opts.ConnLimiter.RecordFailure(r.RemoteAddr)
		return
	}
	t.opts.ConnLimiter.RecordSuccess(r.RemoteAddr)
	t.serve(pc)
}

// Dial connects to a peer at url ("ws://host:port/p2p") and returns it
// once the handshake has completed. The connection is served in the
// background.
func (t *Transport) Dial(ctx context.Context, url string) (*peer.Peer, error) {
	ws, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	pc, err := t.handshake(protocol.NewConn(ws), true)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	go t.serve(pc)
	return pc.peer, nil
}

func (t *Transport) hello() *protocol.Hello {
	var addrs []string
	if a := t.opts.Node.PublicAddress; a != "" {
		addrs = append(addrs, a)
	}
	return protocol.NewHello(t.opts.Node, t.opts.Node.Name, addrs...)
}

func (t *Transport) handshake(conn *protocol.Conn, outbound bool) (*peerConn, error) {
	start := time.Now()
	theirs, err := protocol.PerformHandshake(conn, t.opts.Node, t.hello())
	if err != nil {
		t.opts.Metrics.HandshakeFailures.Add(1)
		t.opts.Metrics.RecordError("handshake", err.Error(), conn.RemoteAddr())
		slog.Debug("Handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return nil, err
	}
	t.opts.Metrics.RecordHandshake(time.Since(start))

	p := peer.New(theirs.PublicKey, theirs.Name, theirs.Addresses...)
	p.LastSeen = time.Now().UTC()
	if err := t.opts.Peers.Add(t.ctx, p); err != nil {
		slog.Error("Failed to record peer", "peer", p.String(), "error", err)
	}
	if known, err := t.opts.Peers.FindByPublicKey(t.ctx, p.PublicKey); err == nil {
		p = known
	}

	pc := &peerConn{peer: p, conn: conn, outbound: outbound, since: time.Now(), done: make(chan struct{})}
	if err := t.register(pc); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("Peer connected", "peer", p.String(), "outbound", outbound, "remote", conn.RemoteAddr())
	if t.opts.OnConnect != nil {
		t.opts.OnConnect(t.ctx, p)
	}
	return pc, nil
}

// keeps reports whether c is the connection both ends agree to keep when
// they hold two: the one dialed by the node with the lower public key.
func (t *Transport) keeps(c *peerConn) bool {
	weAreLower := bytes.Compare(t.opts.Node.PublicKey().Bytes(), c.peer.PublicKey.Bytes()) < 0
	return c.outbound == weAreLower
}

func (t *Transport) register(pc *peerConn) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	existing, ok := t.conns[pc.peer.PublicKey]
	if ok && (t.keeps(existing) || !t.keeps(pc)) {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.conns[pc.peer.PublicKey] = pc
	t.wg.Add(1)
	t.mu.Unlock()

	if ok {
		slog.Debug("Replacing duplicate connection", "peer", pc.peer.String())
		existing.close()
	}
	return nil
}

func (t *Transport) unregister(pc *peerConn) {
	t.mu.Lock()
	if cur, ok := t.conns[pc.peer.PublicKey]; ok && cur == pc {
		delete(t.conns, pc.peer.PublicKey)
	}
	t.mu.Unlock()
	t.opts.RateLimiter.RemovePeer(pc.peer.PublicKey)
}

// serve runs the read loop of a registered connection until it closes.
func (t *Transport) serve(pc *peerConn) {
	defer t.wg.Done()
	defer func() {
		t.unregister(pc)
		pc.close()
		t.opts.Peers.MarkSeen(context.WithoutCancel(t.ctx), pc.peer.PublicKey)
		slog.Info("Peer disconnected", "peer", pc.peer.String())
	}()

	pc.conn.KeepAlive()
	go t.pingLoop(pc)

	for {
		msg, err := pc.conn.ReadMessage()
		if err != nil {
			select {
			case <-pc.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("Peer read failed", "peer", pc.peer.String(), "error", err)
				}
			}
			return
		}

		switch msg.Type {
		case protocol.MsgEnvelope:
			t.receive(pc, msg.Payload)
		case protocol.MsgPing:
			if pong, err := protocol.NewMessage(protocol.MsgPong, struct{}{}); err == nil {
				pc.conn.WriteMessage(pong)
			}
		case protocol.MsgPong:
		case protocol.MsgReject:
			var r protocol.Reject
			msg.ParsePayload(&r)
			slog.Warn("Peer rejected us", "peer", pc.peer.String(), "reason", r.Reason, "code", r.Code)
			return
		default:
			slog.Debug("Ignoring unexpected frame", "peer", pc.peer.String(), "type", msg.Type)
		}
	}
}

func (t *Transport) receive(pc *peerConn, payload json.RawMessage) {
	env, err := envelope.Unmarshal(payload)
	if err != nil {
		slog.Debug("Dropping undecodable envelope", "peer", pc.peer.String(), "error", err)
		if errors.Is(err, envelope.ErrEnvelopeTooLarge) {
			t.reject(pc, protocol.RejectCodeTooLarge, err)
		}
		return
	}
	msgType := envelope.MessageTypeNone
	if env.Header != nil {
		msgType = env.Header.MessageType
	}
	if err := t.opts.RateLimiter.Allow(pc.peer.PublicKey, msgType, len(payload)); err != nil {
		t.opts.Metrics.RateLimitDrops.Add(1)
		slog.Debug("Dropping envelope", "peer", pc.peer.String(), "type", msgType, "error", err)
		return
	}
	t.opts.Metrics.RecordReceived(msgType.String(), len(payload))

	if t.opts.OnEnvelope != nil {
		t.opts.OnEnvelope(t.ctx, pc.peer, env)
	}
}

func (t *Transport) reject(pc *peerConn, code string, err error) {
	msg, mErr := protocol.NewMessage(protocol.MsgReject, protocol.Reject{Reason: err.Error(), Code: code})
	if mErr == nil {
		pc.conn.WriteMessage(msg)
	}
}

func (t *Transport) pingLoop(pc *peerConn) {
	ticker := time.NewTicker(protocol.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-pc.done:
			return
		case <-ticker.C:
			if err := pc.conn.Ping(); err != nil {
				pc.close()
				return
			}
		}
	}
}

// Send writes env to a connected peer.
func (t *Transport) Send(pk crypto.PublicKey, env *envelope.Envelope) error {
	t.mu.RLock()
	pc, ok := t.conns[pk]
	t.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}
	msg, err := protocol.NewMessage(protocol.MsgEnvelope, json.RawMessage(data))
	if err != nil {
		return fmt.Errorf("create frame: %w", err)
	}
	if err := pc.conn.WriteMessage(msg); err != nil {
		pc.close()
		return fmt.Errorf("send to %s: %w", pc.peer.String(), err)
	}

	msgType := envelope.MessageTypeNone
	if env.Header != nil {
		msgType = env.Header.MessageType
	}
	t.opts.Metrics.RecordSent(msgType.String(), len(data))
	return nil
}

func (t *Transport) Connected(pk crypto.PublicKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[pk]
	return ok
}

// ConnectedPeers returns the peers with an open connection, sorted by
// distance to id.
func (t *Transport) ConnectedPeers(id peer.NodeID) []*peer.Peer {
	t.mu.RLock()
	out := make([]*peer.Peer, 0, len(t.conns))
	for _, pc := range t.conns {
		out = append(out, pc.peer)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b *peer.Peer) int {
		if c := a.NodeID.Distance(id).Compare(b.NodeID.Distance(id)); c != 0 {
			return c
		}
		return a.NodeID.Compare(b.NodeID)
	})
	return out
}

func (t *Transport) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Disconnect closes the connection to pk, if any.
func (t *Transport) Disconnect(pk crypto.PublicKey) {
	t.mu.RLock()
	pc, ok := t.conns[pk]
	t.mu.RUnlock()
	if ok {
		pc.close()
	}
}

// Close closes every connection and waits for their read loops to
// finish.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	t.cancel()
	for _, pc := range conns {
		pc.close()
	}
	t.wg.Wait()
}
