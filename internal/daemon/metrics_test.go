package daemon

import (
	"fmt"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"safnode.dev/go/safnode/internal/saf"
)

func TestMetricsRecordEnvelopes(t *testing.T) {
	m := NewMetrics()
	m.RecordReceived("Text", 100)
	m.RecordReceived("Text", 50)
	m.RecordReceived("SafRequestMessages", 10)
	m.RecordSent("SafStoredMessages", 400)

	snap := m.Snapshot(GaugeMetrics{}, nil)
	if snap.Counters.EnvelopesReceived != 3 {
		t.Errorf("EnvelopesReceived = %d, want 3", snap.Counters.EnvelopesReceived)
	}
	if snap.Counters.BytesReceived != 160 {
		t.Errorf("BytesReceived = %d, want 160", snap.Counters.BytesReceived)
	}
	if snap.Received["Text"] != 2 || snap.Received["SafRequestMessages"] != 1 {
		t.Errorf("Received = %v", snap.Received)
	}
	if snap.Counters.EnvelopesSent != 1 || snap.Counters.BytesSent != 400 {
		t.Errorf("sent counters = %+v", snap.Counters)
	}
	if snap.Sent["SafStoredMessages"] != 1 {
		t.Errorf("Sent = %v", snap.Sent)
	}
}

func TestMetricsRecentErrors(t *testing.T) {
	m := NewMetrics()
	for i := range maxErrorEntries + 5 {
		m.RecordError("send", fmt.Sprintf("error %d", i), "peer")
	}

	snap := m.Snapshot(GaugeMetrics{}, nil)
	if len(snap.RecentErrors) != maxErrorEntries {
		t.Fatalf("len(RecentErrors) = %d, want %d", len(snap.RecentErrors), maxErrorEntries)
	}
	want := fmt.Sprintf("error %d", maxErrorEntries+4)
	if snap.RecentErrors[0].Message != want {
		t.Errorf("newest error = %q, want %q", snap.RecentErrors[0].Message, want)
	}
}

func TestLatencyStats(t *testing.T) {
	if got := latencyStats(nil); got != (LatencyMetrics{}) {
		t.Errorf("latencyStats(nil) = %+v, want zero", got)
	}

	var samples []time.Duration
	for i := 1; i <= 100; i++ {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	got := latencyStats(samples)
	if got.MaxMs != 100 {
		t.Errorf("MaxMs = %v, want 100", got.MaxMs)
	}
	if got.P95Ms != 96 {
		t.Errorf("P95Ms = %v, want 96", got.P95Ms)
	}
	if got.AvgMs != 50.5 {
		t.Errorf("AvgMs = %v, want 50.5", got.AvgMs)
	}
}

func TestMetricsSnapshotIncludesStats(t *testing.T) {
	m := NewMetrics()
	m.RecordHandshake(20 * time.Millisecond)
	stats := &saf.Stats{}
	stats.RequestsServed.Add(2)
	stats.DroppedViolation.Add(1)

	snap := m.Snapshot(GaugeMetrics{ConnectedPeers: 3, StoredMessages: 7}, stats)
	if snap.Counters.Handshakes != 1 {
		t.Errorf("Handshakes = %d, want 1", snap.Counters.Handshakes)
	}
	if snap.Handshake.MaxMs != 20 {
		t.Errorf("Handshake.MaxMs = %v, want 20", snap.Handshake.MaxMs)
	}
	if snap.Gauges.ConnectedPeers != 3 || snap.Gauges.StoredMessages != 7 {
		t.Errorf("Gauges = %+v", snap.Gauges)
	}
	if snap.SAF.RequestsServed != 2 || snap.SAF.DroppedViolation != 1 {
		t.Errorf("SAF = %+v", snap.SAF)
	}
}

func TestPromMetricsGather(t *testing.T) {
	m := NewMetrics()
	m.EnvelopesRelayed.Add(4)
	stats := &saf.Stats{}
	stats.MessagesStored.Add(3)
	stats.DroppedBenign.Add(2)
	stats.DroppedMalfunction.Add(1)

	p := newPromMetrics(m, stats, func() GaugeMetrics { return GaugeMetrics{ConnectedPeers: 5} })
	families, err := p.registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	value := func(name string) float64 {
		t.Helper()
		f, ok := byName[name]
		if !ok {
			t.Fatalf("metric %s not registered", name)
		}
		metric := f.GetMetric()[0]
		if c := metric.GetCounter(); c != nil {
			return c.GetValue()
		}
		return metric.GetGauge().GetValue()
	}
	if got := value("safnode_envelopes_relayed_total"); got != 4 {
		t.Errorf("envelopes_relayed_total = %v, want 4", got)
	}
	if got := value("safnode_saf_messages_stored_total"); got != 3 {
		t.Errorf("saf_messages_stored_total = %v, want 3", got)
	}
	if got := value("safnode_connected_peers"); got != 5 {
		t.Errorf("connected_peers = %v, want 5", got)
	}

	dropped := byName["safnode_saf_messages_dropped_total"]
	if dropped == nil {
		t.Fatal("dropped metric not registered")
	}
	byClass := make(map[string]float64)
	for _, metric := range dropped.GetMetric() {
		for _, l := range metric.GetLabel() {
			if l.GetName() == "class" {
				byClass[l.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	want := map[string]float64{"benign": 2, "malfunction": 1, "protocol_violation": 0}
	for class, v := range want {
		if byClass[class] != v {
			t.Errorf("dropped{class=%q} = %v, want %v", class, byClass[class], v)
		}
	}
}
