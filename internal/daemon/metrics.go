package daemon

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"safnode.dev/go/safnode/internal/saf"
)

const (
	maxErrorEntries   = 100
	maxLatencySamples = 100
)

// Metrics counts transport activity. Store-and-forward counters live in
// saf.Stats and are reported alongside.
type Metrics struct {
	startTime time.Time

	EnvelopesReceived atomic.Int64
	EnvelopesSent     atomic.Int64
	BytesReceived     atomic.Int64
	BytesSent         atomic.Int64
	EnvelopesRelayed  atomic.Int64
	StoredForPeers    atomic.Int64
	StoredLocally     atomic.Int64
	RateLimitDrops    atomic.Int64
	Handshakes        atomic.Int64
	HandshakeFailures atomic.Int64
	InboxDelivered    atomic.Int64

	byTypeMu sync.Mutex
	received map[string]int64
	sent     map[string]int64

	errorsMu sync.Mutex
	errors   []ErrorEntry
	errorPos int

	latencyMu  sync.Mutex
	handshakes []time.Duration
	latencyPos int
}

// ErrorEntry records a transport error.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Peer    string    `json:"peer,omitempty"`
}

type MetricsSnapshot struct {
	Timestamp    time.Time         `json:"timestamp"`
	Uptime       string            `json:"uptime"`
	UptimeSec    float64           `json:"uptime_sec"`
	System       SystemMetrics     `json:"system"`
	Counters     CounterMetrics    `json:"counters"`
	Received     map[string]int64  `json:"received_by_type"`
	Sent         map[string]int64  `json:"sent_by_type"`
	Gauges       GaugeMetrics      `json:"gauges"`
	Handshake    LatencyMetrics    `json:"handshake_latency"`
	SAF          saf.StatsSnapshot `json:"saf"`
	RecentErrors []ErrorEntry      `json:"recent_errors"`
}

type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumCPU       int     `json:"num_cpu"`
	NumGoroutine int     `json:"num_goroutine"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemSysMB     float64 `json:"mem_sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

type CounterMetrics struct {
	EnvelopesReceived int64 `json:"envelopes_received"`
	EnvelopesSent     int64 `json:"envelopes_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	BytesSent         int64 `json:"bytes_sent"`
	EnvelopesRelayed  int64 `json:"envelopes_relayed"`
	StoredForPeers    int64 `json:"stored_for_peers"`
	StoredLocally     int64 `json:"stored_locally"`
	RateLimitDrops    int64 `json:"rate_limit_drops"`
	Handshakes        int64 `json:"handshakes"`
	HandshakeFailures int64 `json:"handshake_failures"`
	InboxDelivered    int64 `json:"inbox_delivered"`
}

// GaugeMetrics is the current state, supplied by the daemon.
type GaugeMetrics struct {
	ConnectedPeers int `json:"connected_peers"`
	KnownPeers     int `json:"known_peers"`
	StoredMessages int `json:"stored_messages"`
	InboxMessages  int `json:"inbox_messages"`
}

type LatencyMetrics struct {
	AvgMs float64 `json:"avg_ms"`
	P95Ms float64 `json:"p95_ms"`
	MaxMs float64 `json:"max_ms"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime:  time.Now(),
		received:   make(map[string]int64),
		sent:       make(map[string]int64),
		errors:     make([]ErrorEntry, maxErrorEntries),
		handshakes: make([]time.Duration, 0, maxLatencySamples),
	}
}

func (m *Metrics) RecordReceived(msgType string, size int) {
	m.EnvelopesReceived.Add(1)
	m.BytesReceived.Add(int64(size))
	m.byTypeMu.Lock()
	m.received[msgType]++
	m.byTypeMu.Unlock()
}

func (m *Metrics) RecordSent(msgType string, size int) {
	m.EnvelopesSent.Add(1)
	m.BytesSent.Add(int64(size))
	m.byTypeMu.Lock()
	m.sent[msgType]++
	m.byTypeMu.Unlock()
}

func (m *Metrics) RecordError(errType, message, peer string) {
	m.errorsMu.Lock()
	m.errors[m.errorPos] = ErrorEntry{Time: time.Now(), Type: errType, Message: message, Peer: peer}
	m.errorPos = (m.errorPos + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

func (m *Metrics) RecordHandshake(d time.Duration) {
	m.Handshakes.Add(1)
	m.latencyMu.Lock()
	if len(m.handshakes) < maxLatencySamples {
		m.handshakes = append(m.handshakes, d)
	} else {
		m.handshakes[m.latencyPos] = d
	}
	m.latencyPos = (m.latencyPos + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// Snapshot returns a point-in-time view. Recent errors are newest first.
func (m *Metrics) Snapshot(gauges GaugeMetrics, stats *saf.Stats) *MetricsSnapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.byTypeMu.Lock()
	received := make(map[string]int64, len(m.received))
	for k, v := range m.received {
		received[k] = v
	}
	sent := make(map[string]int64, len(m.sent))
	for k, v := range m.sent {
		sent[k] = v
	}
	m.byTypeMu.Unlock()

	m.errorsMu.Lock()
	recent := make([]ErrorEntry, 0)
	for i := range maxErrorEntries {
		e := m.errors[(m.errorPos-1-i+maxErrorEntries)%maxErrorEntries]
		if !e.Time.IsZero() {
			recent = append(recent, e)
		}
	}
	m.errorsMu.Unlock()

	m.latencyMu.Lock()
	latency := latencyStats(m.handshakes)
	m.latencyMu.Unlock()

	snap := &MetricsSnapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   float64(mem.Alloc) / 1024 / 1024,
			MemSysMB:     float64(mem.Sys) / 1024 / 1024,
			NumGC:        mem.NumGC,
		},
		Counters: CounterMetrics{
			EnvelopesReceived: m.EnvelopesReceived.Load(),
			EnvelopesSent:     m.EnvelopesSent.Load(),
			BytesReceived:     m.BytesReceived.Load(),
			BytesSent:         m.BytesSent.Load(),
			EnvelopesRelayed:  m.EnvelopesRelayed.Load(),
			StoredForPeers:    m.StoredForPeers.Load(),
			StoredLocally:     m.StoredLocally.Load(),
			RateLimitDrops:    m.RateLimitDrops.Load(),
			Handshakes:        m.Handshakes.Load(),
			HandshakeFailures: m.HandshakeFailures.Load(),
			InboxDelivered:    m.InboxDelivered.Load(),
		},
		Received:     received,
		Sent:         sent,
		Gauges:       gauges,
		Handshake:    latency,
		RecentErrors: recent,
	}
	if stats != nil {
		snap.SAF = stats.Snapshot()
	}
	return snap
}

func latencyStats(samples []time.Duration) LatencyMetrics {
	if len(samples) == 0 {
		return LatencyMetrics{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	p95 := min(int(float64(len(sorted))*0.95), len(sorted)-1)
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return LatencyMetrics{
		AvgMs: ms(total / time.Duration(len(sorted))),
		P95Ms: ms(sorted[p95]),
		MaxMs: ms(sorted[len(sorted)-1]),
	}
}
