package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Traffic directions used as the "direction" label.
const (
	DirectionDownstream = "device_to_clients"
	DirectionUpstream   = "clients_to_device"
)

var (
	registerOnce sync.Once

	framesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames decoded and relayed, by direction.",
		},
		[]string{"direction"},
	)
	bytesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Bytes received for relaying, by direction.",
		},
		[]string{"direction"},
	)
	resyncDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "codec",
			Name:      "resync_discarded_bytes_total",
			Help:      "Bytes dropped while seeking a frame marker.",
		},
		[]string{"direction"},
	)
	upstreamDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "link",
			Name:      "dropped_bytes_total",
			Help:      "Client bytes dropped because the device link was unusable.",
		},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "link",
			Name:      "connect_attempts_total",
			Help:      "Device connect attempts, by result.",
		},
		[]string{"success"},
	)
	linkState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshbridge",
			Subsystem: "link",
			Name:      "state",
			Help:      "Device link state: 0 disconnected, 1 connecting, 2 connected.",
		},
	)
	clientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshbridge",
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Currently registered downstream clients.",
		},
	)
	clientsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "clients",
			Name:      "removed_total",
			Help:      "Client removals, by reason.",
		},
		[]string{"reason"},
	)
	broadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "meshbridge",
			Subsystem: "relay",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to deliver one payload to every registered client.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesRelayed,
			bytesRelayed,
			resyncDiscarded,
			upstreamDropped,
			reconnectAttempts,
			linkState,
			clientsConnected,
			clientsRemoved,
			broadcastDuration,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordFrames(direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	framesRelayed.WithLabelValues(direction).Add(float64(n))
}

func RecordBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

func RecordResync(direction string, discarded uint64) {
	if discarded == 0 {
		return
	}
	RegisterMetrics()
	resyncDiscarded.WithLabelValues(direction).Add(float64(discarded))
}

func RecordUpstreamDrop(n int) {
	RegisterMetrics()
	upstreamDropped.Add(float64(n))
}

func RecordConnectAttempt(success bool) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func SetLinkState(state int) {
	RegisterMetrics()
	linkState.Set(float64(state))
}

func SetClients(n int) {
	RegisterMetrics()
	clientsConnected.Set(float64(n))
}

func RecordClientRemoved(reason string) {
	RegisterMetrics()
	clientsRemoved.WithLabelValues(reason).Inc()
}

func ObserveBroadcast(d time.Duration) {
	RegisterMetrics()
	broadcastDuration.Observe(d.Seconds())
}

func RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(route, method, statusLabel).Inc()
	httpDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}
