package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "linkctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	linkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Raw bytes moved through the transport.",
		},
		[]string{"interface", "direction"},
	)
	linkPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "packets_total",
			Help:      "Packets that completed the protocol chain.",
		},
		[]string{"interface", "direction"},
	)
	syncDiscards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "sync_discard_bytes_total",
			Help:      "Bytes dropped while searching for a sync pattern.",
		},
		[]string{"interface"},
	)
	crcErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "crc_errors_total",
			Help:      "Packets that failed CRC validation.",
		},
		[]string{"interface"},
	)
	responseTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "response_timeouts_total",
			Help:      "Commands whose response did not arrive in time.",
		},
		[]string{"interface"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts made by interface runners.",
		},
		[]string{"interface"},
	)
	connected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while the interface transport is connected.",
		},
		[]string{"interface"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, linkBytes, linkPackets,
			syncDiscards, crcErrors, responseTimeouts, reconnects, connected)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRead counts one read packet of n raw bytes.
func RecordRead(iface string, n int) {
	RegisterMetrics()
	linkBytes.WithLabelValues(iface, "read").Add(float64(n))
	linkPackets.WithLabelValues(iface, "read").Inc()
}

// RecordReadBytes counts raw bytes read without a completed packet.
func RecordReadBytes(iface string, n int) {
	RegisterMetrics()
	linkBytes.WithLabelValues(iface, "read").Add(float64(n))
}

// RecordWrite counts one write of n raw bytes. Raw writes pass packet=false.
func RecordWrite(iface string, n int, packet bool) {
	RegisterMetrics()
	linkBytes.WithLabelValues(iface, "write").Add(float64(n))
	if packet {
		linkPackets.WithLabelValues(iface, "write").Inc()
	}
}

func RecordSyncDiscard(iface string, n int) {
	RegisterMetrics()
	syncDiscards.WithLabelValues(iface).Add(float64(n))
}

func RecordCRCError(iface string) {
	RegisterMetrics()
	crcErrors.WithLabelValues(iface).Inc()
}

func RecordResponseTimeout(iface string) {
	RegisterMetrics()
	responseTimeouts.WithLabelValues(iface).Inc()
}

func RecordReconnect(iface string) {
	RegisterMetrics()
	reconnects.WithLabelValues(iface).Inc()
}

func SetConnected(iface string, up bool) {
	RegisterMetrics()
	v := 0.0
	if up {
		v = 1
	}
	connected.WithLabelValues(iface).Set(v)
}
