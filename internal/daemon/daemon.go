// Package daemon runs a safnode: the peer transport, the store-and-forward
// service, local discovery and the local HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"safnode.dev/go/safnode/internal/config"
	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/inbound"
	"safnode.dev/go/safnode/internal/outbound"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/saf"
	"safnode.dev/go/safnode/internal/storage"
)

const (
	// relayReplicas is how many connected peers an envelope is handed to
	// when its recipient is offline.
	relayReplicas = 3

	reconnectInterval = 30 * time.Second
	queueSize         = 256
)

// Daemon is a running node.
type Daemon struct {
	cfg      *config.Config
	paths    *config.Paths
	identity *crypto.Identity
	node     *peer.NodeIdentity
	log      *slog.Logger

	kv        storage.KeyValueStore
	ownsKV    bool
	peers     *peer.Manager
	saf       *saf.Service
	outbound  *outbound.Requester
	decryptor *inbound.Decryptor
	transport *Transport
	inbox     *Inbox
	mdns      *MDNSService

	outCh chan *outbound.Message
	inCh  chan *inbound.DecryptedMessage

	logBuffer   *LogBuffer
	metrics     *Metrics
	prom        *promMetrics
	rateLimiter *RateLimiter
	connLimiter *ConnectionLimiter

	p2pListen string
	apiListen string
	p2pLn     net.Listener
	apiLn     net.Listener
	p2pServer *http.Server
	apiServer *http.Server

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// Options configures a daemon.
type Options struct {
	Paths    *config.Paths
	Config   *config.Config
	Identity *crypto.Identity

	// P2PListen and APIListen override the configured ports, for example
	// "127.0.0.1:0" in tests. An empty APIListen with api_port 0 disables
	// the API.
	P2PListen string
	APIListen string

	// LogOutput receives log records; defaults to stderr.
	LogOutput io.Writer
	// KV backs the peer directory and SAF watermark. Defaults to SQLite at
	// Paths.PeersDB.
	KV storage.KeyValueStore
}

// Status is the daemon's current state, served on GET /status.
type Status struct {
	Running        bool              `json:"running"`
	PID            int               `json:"pid"`
	Uptime         string            `json:"uptime"`
	StartTime      time.Time         `json:"start_time"`
	Name           string            `json:"name"`
	PublicKey      string            `json:"public_key"`
	NodeID         string            `json:"node_id"`
	P2PAddr        string            `json:"p2p_addr"`
	APIAddr        string            `json:"api_addr,omitempty"`
	ConnectedPeers int               `json:"connected_peers"`
	KnownPeers     int               `json:"known_peers"`
	StoredMessages int               `json:"stored_messages"`
	InboxMessages  int               `json:"inbox_messages"`
	LastRequestAt  time.Time         `json:"last_request_at,omitzero"`
	SAF            saf.StatsSnapshot `json:"saf"`
}

func New(opts *Options) (*Daemon, error) {
	if opts.Identity == nil {
		return nil, errors.New("daemon: identity is required")
	}
	if opts.Paths == nil {
		return nil, errors.New("daemon: paths are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logBuffer := NewLogBuffer(LogBufferSize)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:         cfg,
		paths:       opts.Paths,
		identity:    opts.Identity,
		log:         NewLogger(cfg.Logging, out, logBuffer),
		kv:          opts.KV,
		outCh:       make(chan *outbound.Message, queueSize),
		inCh:        make(chan *inbound.DecryptedMessage, queueSize),
		logBuffer:   logBuffer,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(DefaultRateLimitConfig(cfg.Daemon.MaxPeerRate)),
		connLimiter: NewConnectionLimiter(nil),
		p2pListen:   opts.P2PListen,
		apiListen:   opts.APIListen,
		ctx:         ctx,
		cancel:      cancel,
	}
	if d.p2pListen == "" {
		d.p2pListen = ":" + strconv.Itoa(cfg.Daemon.P2PPort)
	}
	if d.apiListen == "" && cfg.Daemon.APIPort != 0 {
		d.apiListen = "127.0.0.1:" + strconv.Itoa(cfg.Daemon.APIPort)
	}

	if d.kv == nil {
		if err := opts.Paths.EnsureDirectories(); err != nil {
			cancel()
			return nil, err
		}
		kv, err := storage.Open(opts.Paths.PeersDB)
		if err != nil {
			cancel()
			return nil, err
		}
		d.kv, d.ownsKV = kv, true
	}

	peers, err := peer.OpenManager(ctx, d.kv)
	if err != nil {
		d.closeKV()
		cancel()
		return nil, fmt.Errorf("open peer directory: %w", err)
	}
	d.peers = peers

	name := cfg.Identity.Name
	if name == "" {
		name = opts.Identity.Name
	}
	d.node = peer.NewNodeIdentity(name, opts.Identity.KeyPair(), cfg.Daemon.PublicAddress)
	d.outbound = outbound.NewRequester(d.node, d.outCh)
	d.decryptor = inbound.NewDecryptor(d.node)
	d.inbox = NewInbox(cfg.Daemon.InboxSize, 0, d.metrics)

	d.saf, err = saf.New(saf.Options{
		Config:   cfg.SAFConfig(),
		Node:     d.node,
		Peers:    d.peers,
		Outbound: d.outbound,
		Next:     d.inbox,
		KV:       d.kv,
		Reporter: violationReporter{d},
	})
	if err != nil {
		d.closeKV()
		cancel()
		return nil, err
	}

	d.transport = NewTransport(ctx, TransportOptions{
		Node:        d.node,
		Peers:       d.peers,
		RateLimiter: d.rateLimiter,
		ConnLimiter: d.connLimiter,
		Metrics:     d.metrics,
		OnEnvelope:  d.handleEnvelope,
		OnConnect:   d.onConnect,
	})
	d.prom = newPromMetrics(d.metrics, d.saf.Stats(), d.gauges)
	return d, nil
}

// Start listens, starts every component and dials configured peers. It
// returns once the node is accepting connections.
func (d *Daemon) Start() error {
	d.startTime = time.Now()
	d.log.Info("Starting daemon",
		"name", d.node.Name,
		"public_key", d.node.PublicKey().String(),
		"node_id", d.node.NodeID.String())

	if d.paths.PIDFile != "" {
		if err := os.WriteFile(d.paths.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
			d.log.Warn("Failed to write PID file", "error", err)
		}
	}

	ln, err := net.Listen("tcp", d.p2pListen)
	if err != nil {
		return fmt.Errorf("listen p2p: %w", err)
	}
	d.p2pLn = ln
	if d.node.PublicAddress == "" {
		d.node.PublicAddress = advertisedURL(ln.Addr())
	}

	r := chi.NewRouter()
	r.Get("/p2p", d.transport.ServeHTTP)
	d.p2pServer = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	d.serve(d.p2pServer, ln, "p2p")

	if d.apiListen != "" {
		apiLn, err := net.Listen("tcp", d.apiListen)
		if err != nil {
			d.p2pServer.Close()
			return fmt.Errorf("listen api: %w", err)
		}
		d.apiLn = apiLn
		d.apiServer = &http.Server{Handler: d.router(), ReadHeaderTimeout: 10 * time.Second}
		d.serve(d.apiServer, apiLn, "api")
	}

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		if err := d.saf.Run(d.ctx, d.inCh); err != nil {
			d.log.Warn("Store-and-forward stopped", "error", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		d.runOutbound(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.maintainConnections(d.ctx)
	}()

	for _, url := range d.cfg.Discovery.ManualPeers {
		go d.dial(url)
	}

	if d.cfg.Discovery.MDNS {
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		p, _ := strconv.Atoi(port)
		d.mdns = NewMDNSService(d.node.PublicKey(), d.node.Name, p, d.onDiscovered)
		d.mdns.Start(d.ctx)
	}

	d.log.Info("Daemon started", "p2p", d.P2PAddr(), "api", d.APIAddr())
	return nil
}

func (d *Daemon) serve(srv *http.Server, ln net.Listener, name string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("Server failed", "server", name, "error", err)
		}
	}()
}

// Run starts the daemon and blocks until SIGINT, SIGTERM or ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info("Received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop shuts the daemon down. In-flight store-and-forward work gets the
// configured grace period.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.log.Info("Stopping daemon")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{d.apiServer, d.p2pServer} {
			if srv != nil {
				srv.Shutdown(shutdownCtx)
			}
		}
		if d.mdns != nil {
			d.mdns.Stop()
		}

		d.cancel()
		d.transport.Close()
		d.wg.Wait()
		// Handlers still running past the shutdown grace must not write to the
		// closed store.
		d.saf.Requester().Close()
		err = d.closeKV()

		if d.paths.PIDFile != "" {
			os.Remove(d.paths.PIDFile)
		}
		d.log.Info("Daemon stopped")
	})
	return err
}

func (d *Daemon) closeKV() error {
	if d.ownsKV {
		return d.kv.Close()
	}
	return nil
}

// handleEnvelope takes an envelope from a connected peer. Envelopes for
// another node are relayed or stored; the rest are decrypted and handed to
// the store-and-forward service.
func (d *Daemon) handleEnvelope(ctx context.Context, from *peer.Peer, env *envelope.Envelope) {
	header, err := envelope.ParseHeader(env.Header)
	if err != nil {
		d.log.Debug("Dropping envelope with bad header", "peer", from.String(), "error", err)
		return
	}

	if !d.isForUs(header.Destination) {
		d.relay(ctx, from, header, env)
		return
	}

	msg, err := d.decryptor.Decrypt(ctx, env, from)
	if err != nil {
		d.log.Warn("SECURITY: dropping envelope", "peer", from.String(), "type", header.MessageType, "error", err)
		d.metrics.RecordError("invalid_envelope", err.Error(), from.PublicKey.Short())
		return
	}
	select {
	case d.inCh <- msg:
	case <-ctx.Done():
	}
}

func (d *Daemon) isForUs(dest envelope.Destination) bool {
	switch dest.Kind {
	case envelope.DestinationPublicKey:
		return dest.PublicKey == d.node.PublicKey()
	case envelope.DestinationNodeID:
		return dest.NodeID == d.node.NodeID
	default:
		return true
	}
}

// relay passes an envelope to its connected recipient, or stores it for
// later collection.
func (d *Daemon) relay(ctx context.Context, from *peer.Peer, header *envelope.Header, env *envelope.Envelope) {
	if !header.VerifySignature(env.Body) {
		d.log.Warn("SECURITY: dropping relayed envelope with invalid signature", "peer", from.String())
		return
	}
	if header.Destination.Kind == envelope.DestinationPublicKey {
		if err := d.transport.Send(header.Destination.PublicKey, env); err == nil {
			d.metrics.EnvelopesRelayed.Add(1)
			d.log.Debug("Relayed envelope", "from", from.String(), "to", header.Destination.PublicKey.Short())
			return
		}
	}
	key, err := d.saf.Storer().StoreUndeliverable(env)
	if err != nil {
		d.log.Debug("Not storing envelope", "peer", from.String(), "destination", header.Destination.String(), "error", err)
		return
	}
	d.metrics.StoredForPeers.Add(1)
	d.log.Info("Stored message for offline peer", "destination", header.Destination.String(), "key", key[:16])
}

// runOutbound delivers queued messages until ctx is done.
func (d *Daemon) runOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.outCh:
			d.deliver(msg)
		}
	}
}

// deliver writes msg to its recipient if connected. Otherwise it hands the
// envelope to the connected peers closest to the recipient, or stores it
// locally if there are none. Store-and-forward traffic is only ever
// delivered live.
func (d *Daemon) deliver(msg *outbound.Message) {
	to := msg.DestinationPublicKey
	err := d.transport.Send(to, msg.Envelope)
	if err == nil {
		return
	}

	header, perr := envelope.ParseHeader(msg.Envelope.Header)
	if perr != nil || header.MessageType.IsSafMessage() || header.Destination.Kind == envelope.DestinationUnknown {
		d.log.Debug("Dropping undeliverable message", "to", to.Short(), "tag", msg.Tag, "error", err)
		return
	}

	handed := 0
	for _, p := range d.transport.ConnectedPeers(peer.NodeIDFromPublicKey(to)) {
		if handed == relayReplicas {
			break
		}
		if err := d.transport.Send(p.PublicKey, msg.Envelope); err != nil {
			continue
		}
		handed++
	}
	if handed > 0 {
		d.log.Info("Recipient offline, handed message to peers", "to", to.Short(), "peers", handed, "tag", msg.Tag)
		return
	}

	if _, err := d.saf.Storer().StoreUndeliverable(msg.Envelope); err != nil {
		d.log.Warn("Failed to store undeliverable message", "to", to.Short(), "error", err)
		return
	}
	d.metrics.StoredLocally.Add(1)
	d.log.Info("Recipient offline, stored message locally", "to", to.Short(), "tag", msg.Tag)
}

func (d *Daemon) onConnect(ctx context.Context, p *peer.Peer) {
	if !d.cfg.SAF.RequestOnConnect {
		return
	}
	go func() {
		if err := d.saf.Requester().RequestFrom(ctx, p.PublicKey); err != nil {
			d.log.Warn("Failed to request stored messages", "peer", p.String(), "error", err)
		}
	}()
}

func (d *Daemon) onDiscovered(p *DiscoveredPeer) {
	if d.transport.Connected(p.PublicKey) {
		return
	}
	d.dial(p.URL())
}

func (d *Daemon) dial(url string) {
	ctx, cancel := context.WithTimeout(d.ctx, dialTimeout)
	defer cancel()
	p, err := d.transport.Dial(ctx, url)
	if err != nil {
		if !errors.Is(err, ErrAlreadyConnected) {
			d.log.Warn("Failed to connect to peer", "url", url, "error", err)
		}
		return
	}
	d.log.Debug("Dialed peer", "peer", p.String(), "url", url)
}

// Connect dials url and waits for the handshake.
func (d *Daemon) Connect(ctx context.Context, url string) (*peer.Peer, error) {
	return d.transport.Dial(ctx, url)
}

// maintainConnections periodically redials the closest known peers that
// are not connected.
func (d *Daemon) maintainConnections(ctx context.Context) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, p := range d.peers.ClosestPeers(d.node.NodeID, d.cfg.SAF.NumClosestNodes, d.node.PublicKey()) {
			if d.transport.Connected(p.PublicKey) || len(p.Addresses) == 0 {
				continue
			}
			go d.dial(p.Addresses[0])
		}
	}
}

// SendText sends a text message to pk, relaying or storing it if pk is
// not connected.
func (d *Daemon) SendText(ctx context.Context, pk crypto.PublicKey, text string) (string, error) {
	if pk == d.node.PublicKey() {
		return "", errors.New("cannot send to self")
	}
	tag, err := d.outbound.SendMessage(ctx, outbound.SendRequest{
		To:          pk,
		Destination: envelope.ToPublicKey(pk),
		MessageType: envelope.MessageTypeText,
		Encryption:  outbound.EncryptForDestination,
		Payload:     []any{TextMessage{Text: text, SentAt: time.Now().UTC()}},
	})
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

func (d *Daemon) gauges() GaugeMetrics {
	return GaugeMetrics{
		ConnectedPeers: d.transport.Count(),
		KnownPeers:     d.peers.Count(),
		StoredMessages: d.saf.Store().Len(),
		InboxMessages:  d.inbox.Count(),
	}
}

func (d *Daemon) Status() *Status {
	s := &Status{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.startTime).Round(time.Second).String(),
		StartTime:      d.startTime,
		Name:           d.node.Name,
		PublicKey:      d.node.PublicKey().String(),
		NodeID:         d.node.NodeID.String(),
		P2PAddr:        d.P2PAddr(),
		APIAddr:        d.APIAddr(),
		ConnectedPeers: d.transport.Count(),
		KnownPeers:     d.peers.Count(),
		StoredMessages: d.saf.Store().Len(),
		InboxMessages:  d.inbox.Count(),
		SAF:            d.saf.Stats().Snapshot(),
	}
	if t, err := d.saf.Requester().LastRequestAt(d.ctx); err == nil {
		s.LastRequestAt = t
	}
	return s
}

// P2PAddr is the URL peers use to reach this node.
func (d *Daemon) P2PAddr() string { return d.node.PublicAddress }

// APIAddr is the local API base URL, or empty when the API is disabled.
func (d *Daemon) APIAddr() string {
	if d.apiLn == nil {
		return ""
	}
	return "http://" + d.apiLn.Addr().String()
}

func (d *Daemon) Node() *peer.NodeIdentity { return d.node }
func (d *Daemon) Peers() *peer.Manager     { return d.peers }
func (d *Daemon) SAF() *saf.Service        { return d.saf }
func (d *Daemon) Inbox() *Inbox            { return d.inbox }
func (d *Daemon) Metrics() *Metrics        { return d.metrics }
func (d *Daemon) LogBuffer() *LogBuffer    { return d.logBuffer }
func (d *Daemon) Logger() *slog.Logger     { return d.log }
func (d *Daemon) Connected(pk crypto.PublicKey) bool {
	return d.transport.Connected(pk)
}

func (d *Daemon) MetricsSnapshot() *MetricsSnapshot {
	return d.metrics.Snapshot(d.gauges(), d.saf.Stats())
}

// violationReporter records peers that sent invalid stored messages. It is
// the hook for a reputation policy; for now it only counts.
type violationReporter struct{ d *Daemon }

func (r violationReporter) ReportViolation(_ context.Context, p *peer.Peer, err error) {
	who := ""
	if p != nil {
		who = p.PublicKey.Short()
	}
	r.d.metrics.RecordError("saf_violation", err.Error(), who)
}

// advertisedURL turns a listen address into a ws:// URL, replacing an
// unspecified host with the first non-loopback IPv4 address.
func advertisedURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = localIPv4()
	}
	return "ws://" + net.JoinHostPort(host, port) + "/p2p"
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}
