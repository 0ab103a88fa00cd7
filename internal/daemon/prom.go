package daemon

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"safnode.dev/go/safnode/internal/saf"
)

const metricsNamespace = "safnode"

// promMetrics exposes Metrics and saf.Stats to Prometheus. Each daemon gets
// its own registry so several can run in one process.
type promMetrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func newPromMetrics(m *Metrics, stats *saf.Stats, gauges func() GaugeMetrics) *promMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	counter := func(name, help string, v *atomic.Int64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	counter("envelopes_received_total", "Envelopes received from peers", &m.EnvelopesReceived)
	counter("envelopes_sent_total", "Envelopes written to peers", &m.EnvelopesSent)
	counter("bytes_received_total", "Envelope bytes received", &m.BytesReceived)
	counter("bytes_sent_total", "Envelope bytes sent", &m.BytesSent)
	counter("envelopes_relayed_total", "Envelopes passed on to a connected recipient", &m.EnvelopesRelayed)
	counter("stored_for_peers_total", "Envelopes stored for offline peers", &m.StoredForPeers)
	counter("rate_limit_drops_total", "Envelopes dropped by rate limiting", &m.RateLimitDrops)
	counter("handshakes_total", "Completed peer handshakes", &m.Handshakes)
	counter("handshake_failures_total", "Failed peer handshakes", &m.HandshakeFailures)
	counter("inbox_delivered_total", "Application messages delivered to the inbox", &m.InboxDelivered)

	if stats != nil {
		safCounter := func(name, help string, v *atomic.Int64) {
			f.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "saf",
				Name:      name,
				Help:      help,
			}, func() float64 { return float64(v.Load()) })
		}
		safCounter("requests_served_total", "Stored message requests answered", &stats.RequestsServed)
		safCounter("requests_rejected_total", "Stored message requests from outside the region", &stats.RequestsRejected)
		safCounter("messages_returned_total", "Stored messages returned to requesters", &stats.MessagesReturned)
		safCounter("responses_received_total", "Stored message responses received", &stats.ResponsesReceived)
		safCounter("messages_received_total", "Stored messages received in responses", &stats.MessagesReceived)
		safCounter("messages_forwarded_total", "Recovered messages forwarded downstream", &stats.MessagesForwarded)
		safCounter("messages_stored_total", "Messages stored for later collection", &stats.MessagesStored)

		reg.MustRegister(droppedCollector{stats: stats})
	}

	gauge := func(name, help string, read func(GaugeMetrics) int) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(gauges())) })
	}
	gauge("connected_peers", "Peers with an open connection", func(g GaugeMetrics) int { return g.ConnectedPeers })
	gauge("known_peers", "Peers in the directory", func(g GaugeMetrics) int { return g.KnownPeers })
	gauge("stored_messages", "Messages held for other peers", func(g GaugeMetrics) int { return g.StoredMessages })
	gauge("inbox_messages", "Messages waiting in the inbox", func(g GaugeMetrics) int { return g.InboxMessages })

	return &promMetrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Local API requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Local API request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
	}
}

// middleware records request counts and durations by route pattern.
func (p *promMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		p.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		p.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

var droppedDesc = prometheus.NewDesc(
	prometheus.BuildFQName(metricsNamespace, "saf", "messages_dropped_total"),
	"Stored messages dropped, by failure class",
	[]string{"class"}, nil,
)

// droppedCollector reports the per-class drop counters as one labelled
// metric.
type droppedCollector struct {
	stats *saf.Stats
}

func (c droppedCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- droppedDesc
}

func (c droppedCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range []struct {
		class saf.Class
		v     *atomic.Int64
	}{
		{saf.ClassBenign, &c.stats.DroppedBenign},
		{saf.ClassMalfunction, &c.stats.DroppedMalfunction},
		{saf.ClassProtocolViolation, &c.stats.DroppedViolation},
	} {
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(d.v.Load()), d.class.String())
	}
}
