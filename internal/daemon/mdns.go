package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"safnode.dev/go/safnode/internal/crypto"
)

const (
	MDNSServiceType    = "_safnode._tcp"
	MDNSDomain         = "local."
	MDNSBrowseInterval = 30 * time.Second
	mdnsBrowseWindow   = 5 * time.Second
)

// DiscoveredPeer is a node found on the local network.
type DiscoveredPeer struct {
	PublicKey    crypto.PublicKey
	Name         string
	Host         string
	Port         int
	DiscoveredAt time.Time
}

// URL is the peer's transport endpoint.
func (p *DiscoveredPeer) URL() string {
	return "ws://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port)) + "/p2p"
}

// MDNSService advertises this node and browses for others. Each peer is
// reported once per change of address.
type MDNSService struct {
	instance string
	port     int
	pk       crypto.PublicKey
	name     string
	onPeer   func(*DiscoveredPeer)

	mu     sync.Mutex
	server *zeroconf.Server
	peers  map[crypto.PublicKey]*DiscoveredPeer
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMDNSService(pk crypto.PublicKey, name string, port int, onPeer func(*DiscoveredPeer)) *MDNSService {
	return &MDNSService{
		instance: instanceName(name, pk),
		port:     port,
		pk:       pk,
		name:     name,
		onPeer:   onPeer,
		peers:    make(map[crypto.PublicKey]*DiscoveredPeer),
	}
}

func (m *MDNSService) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	txt := []string{"pk=" + m.pk.String(), "name=" + m.name, "v=1"}
	server, err := zeroconf.Register(m.instance, MDNSServiceType, MDNSDomain, m.port, txt, nil)
	if err != nil {
		// Browsing still works without advertising.
		slog.Warn("mDNS advertising failed", "error", err)
	} else {
		m.mu.Lock()
		m.server = server
		m.mu.Unlock()
		slog.Info("mDNS service registered", "instance", m.instance, "port", m.port)
	}

	go m.browseLoop(ctx)
	return nil
}

func (m *MDNSService) browseLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(MDNSBrowseInterval)
	defer ticker.Stop()
	for {
		m.browse(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MDNSService) browse(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Debug("mDNS resolver unavailable", "error", err)
		return
	}
	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, mdnsBrowseWindow)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if p := m.parseEntry(e); p != nil {
				m.record(p)
			}
		}
	}()
	if err := resolver.Browse(browseCtx, MDNSServiceType, MDNSDomain, entries); err != nil {
		slog.Debug("mDNS browse failed", "error", err)
	}
	<-browseCtx.Done()
	<-done
}

// parseEntry extracts a peer from a service entry, or returns nil for
// entries that are ours or malformed.
func (m *MDNSService) parseEntry(e *zeroconf.ServiceEntry) *DiscoveredPeer {
	var pkHex, name string
	for _, txt := range e.Text {
		k, v, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch k {
		case "pk":
			pkHex = v
		case "name":
			name = v
		}
	}
	pk, err := crypto.ParsePublicKey(pkHex)
	if err != nil || pk == m.pk {
		return nil
	}

	host := e.HostName
	if len(e.AddrIPv4) > 0 {
		host = e.AddrIPv4[0].String()
	} else if len(e.AddrIPv6) > 0 {
		host = e.AddrIPv6[0].String()
	}
	if host == "" || e.Port == 0 {
		return nil
	}
	return &DiscoveredPeer{PublicKey: pk, Name: name, Host: host, Port: e.Port, DiscoveredAt: time.Now()}
}

func (m *MDNSService) record(p *DiscoveredPeer) {
	m.mu.Lock()
	prev, known := m.peers[p.PublicKey]
	m.peers[p.PublicKey] = p
	m.mu.Unlock()

	if known && prev.Host == p.Host && prev.Port == p.Port {
		return
	}
	slog.Info("mDNS discovered peer", "peer", p.PublicKey.Short(), "name", p.Name, "url", p.URL())
	if m.onPeer != nil {
		go m.onPeer(p)
	}
}

func (m *MDNSService) Peers() []*DiscoveredPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DiscoveredPeer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *MDNSService) Stop() {
	m.mu.Lock()
	cancel, done, server := m.cancel, m.done, m.server
	m.cancel, m.server = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if server != nil {
		server.Shutdown()
	}
	<-done
	slog.Info("mDNS service stopped")
}

// instanceName is the hostname plus a key prefix, so several nodes on one
// host advertise distinct instances.
func instanceName(name string, pk crypto.PublicKey) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = name
	}
	var b strings.Builder
	for _, c := range strings.ToLower(host) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		b.WriteString("safnode")
	}
	return fmt.Sprintf("%s-%s", b.String(), pk.Short())
}
