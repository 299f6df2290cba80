package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trdp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trdp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	pdPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trdp",
			Subsystem: "pd",
			Name:      "published_total",
			Help:      "Process data packets sent.",
		},
		[]string{"com_id"},
	)
	pdReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trdp",
			Subsystem: "pd",
			Name:      "received_total",
			Help:      "Process data packets accepted by a subscriber.",
		},
		[]string{"com_id"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trdp",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets discarded before delivery.",
		},
		[]string{"component", "reason"},
	)
	mdRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trdp",
			Subsystem: "md",
			Name:      "requests_total",
			Help:      "Message data requests sent or handled.",
		},
		[]string{"role", "transport"},
	)
	mdReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trdp",
			Subsystem: "md",
			Name:      "replies_total",
			Help:      "Pending message data calls by resolution.",
		},
		[]string{"result"},
	)
	mdRoundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trdp",
			Subsystem: "md",
			Name:      "round_trip_seconds",
			Help:      "Request to reply latency observed by requesters.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"transport"},
	)
)

// Drop reasons.
const (
	DropFormat    = "format"
	DropIntegrity = "integrity"
	DropType      = "message_type"
	DropComID     = "com_id"
	DropRateLimit = "rate_limit"
	DropUnmatched = "unmatched"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			pdPublished, pdReceived, packetsDropped,
			mdRequests, mdReplies, mdRoundTrip,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPDPublished(comID uint32) {
	RegisterMetrics()
	pdPublished.WithLabelValues(comIDLabel(comID)).Inc()
}

func RecordPDReceived(comID uint32) {
	RegisterMetrics()
	pdReceived.WithLabelValues(comIDLabel(comID)).Inc()
}

func RecordDropped(component, reason string) {
	RegisterMetrics()
	packetsDropped.WithLabelValues(component, reason).Inc()
}

func RecordMDRequest(role, transport string) {
	RegisterMetrics()
	mdRequests.WithLabelValues(role, transport).Inc()
}

func RecordMDResult(result string) {
	RegisterMetrics()
	mdReplies.WithLabelValues(result).Inc()
}

func ObserveMDRoundTrip(transport string, d time.Duration) {
	RegisterMetrics()
	mdRoundTrip.WithLabelValues(transport).Observe(d.Seconds())
}

func comIDLabel(comID uint32) string {
	return strconv.FormatUint(uint64(comID), 10)
}
