package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the node exports. It is built once at startup
// and passed to the components that record into it. A nil *Metrics records
// nothing.
type Metrics struct {
	framesIn      *prometheus.CounterVec
	framesOut     *prometheus.CounterVec
	bytesIn       prometheus.Counter
	bytesOut      prometheus.Counter
	creditGranted prometheus.Counter
	creditRecv    prometheus.Counter
	faults        *prometheus.CounterVec
	channels      prometheus.Gauge
	connections   prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "muxdemux",
				Subsystem: "frames",
				Name:      "received_total",
				Help:      "Frames decoded from peers by command.",
			},
			[]string{"command"},
		),
		framesOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "muxdemux",
				Subsystem: "frames",
				Name:      "sent_total",
				Help:      "Frames written to peers by command.",
			},
			[]string{"command"},
		),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxdemux",
			Subsystem: "data",
			Name:      "received_bytes_total",
			Help:      "DATA payload bytes received.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxdemux",
			Subsystem: "data",
			Name:      "sent_bytes_total",
			Help:      "DATA payload bytes sent.",
		}),
		creditGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxdemux",
			Subsystem: "credit",
			Name:      "granted_bytes_total",
			Help:      "Credit announced to peers.",
		}),
		creditRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxdemux",
			Subsystem: "credit",
			Name:      "received_bytes_total",
			Help:      "Credit received from peers.",
		}),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "muxdemux",
				Name:      "faults_total",
				Help:      "Channel and connection faults by kind.",
			},
			[]string{"kind"},
		),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "muxdemux",
			Name:      "open_channels",
			Help:      "Channels with at least one direction open.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "muxdemux",
			Name:      "open_connections",
			Help:      "Live multiplexed connections.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "muxdemux",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total admin HTTP requests.",
			},
			[]string{"node", "method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "muxdemux",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node", "method", "path", "status"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.framesIn, m.framesOut, m.bytesIn, m.bytesOut, m.creditGranted, m.creditRecv,
		m.faults, m.channels, m.connections, m.httpRequests, m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) FrameIn(command string, payload int) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(command).Inc()
	if command == "DATA" {
		m.bytesIn.Add(float64(payload))
	}
}

func (m *Metrics) FrameOut(command string, payload int) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(command).Inc()
	if command == "DATA" {
		m.bytesOut.Add(float64(payload))
	}
}

func (m *Metrics) CreditGranted(n uint32) {
	if m == nil {
		return
	}
	m.creditGranted.Add(float64(n))
}

func (m *Metrics) CreditReceived(n uint32) {
	if m == nil {
		return
	}
	m.creditRecv.Add(float64(n))
}

func (m *Metrics) Fault(kind string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(kind).Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.channels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.channels.Dec()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
