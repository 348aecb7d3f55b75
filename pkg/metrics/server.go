package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics provides observability for the protocol server. The
// interface is optional: passing nil (or an uninitialised registry) to the
// server selects a no-op implementation.
type ServerMetrics interface {
	// RecordRequest records a completed request with its operation name
	// (ECHO, ADD, MALFORMED, UNSUPPORTED), duration and outcome.
	RecordRequest(operation string, duration time.Duration, err error)

	// RecordRequestStart / RecordRequestEnd bracket one request cycle
	// from frame read to response write for the in-flight gauge.
	RecordRequestStart()
	RecordRequestEnd()

	// RecordBytesTransferred records payload bytes by direction
	// ("read" or "write").
	RecordBytesTransferred(direction string, bytes int64)

	// SetActiveConnections updates the live session gauge.
	SetActiveConnections(count int32)

	// Connection lifecycle counters.
	RecordConnectionAccepted()
	RecordConnectionClosed()
	RecordConnectionRejected(reason string)

	// RecordConnectionsForceClosed adds the number of connections closed
	// forcibly after the drain timeout.
	RecordConnectionsForceClosed(count int)
}

// NewServerMetrics returns a Prometheus-backed ServerMetrics, or a no-op
// implementation when the registry has not been initialized.
func NewServerMetrics() ServerMetrics {
	if !IsEnabled() {
		return NewNoopServerMetrics()
	}

	reg := GetRegistry()

	return &serverMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sumwire_requests_total",
				Help: "Total number of requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sumwire_request_duration_seconds",
				Help:    "Duration of request processing in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),
		requestsInFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "sumwire_requests_in_flight",
				Help: "Current number of requests being processed",
			},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sumwire_payload_bytes_total",
				Help: "Total payload bytes transferred by direction",
			},
			[]string{"direction"},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "sumwire_active_connections",
				Help: "Current number of active connections",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sumwire_connections_accepted_total",
				Help: "Total connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sumwire_connections_closed_total",
				Help: "Total connections closed",
			},
		),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sumwire_connections_rejected_total",
				Help: "Total connections rejected at submission, by reason",
			},
			[]string{"reason"},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sumwire_connections_force_closed_total",
				Help: "Total connections force-closed after the drain timeout",
			},
		),
	}
}

type serverMetrics struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	requestsInFlight       prometheus.Gauge
	bytesTransferred       *prometheus.CounterVec
	activeConnections      prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsRejected    *prometheus.CounterVec
	connectionsForceClosed prometheus.Counter
}

func (m *serverMetrics) RecordRequest(operation string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *serverMetrics) RecordRequestStart() {
	m.requestsInFlight.Inc()
}

func (m *serverMetrics) RecordRequestEnd() {
	m.requestsInFlight.Dec()
}

func (m *serverMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *serverMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *serverMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *serverMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *serverMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *serverMetrics) RecordConnectionsForceClosed(count int) {
	m.connectionsForceClosed.Add(float64(count))
}

// NewNoopServerMetrics returns a ServerMetrics that does nothing.
func NewNoopServerMetrics() ServerMetrics {
	return noopServerMetrics{}
}

type noopServerMetrics struct{}

func (noopServerMetrics) RecordRequest(string, time.Duration, error) {}
func (noopServerMetrics) RecordRequestStart()                        {}
func (noopServerMetrics) RecordRequestEnd()                          {}
func (noopServerMetrics) RecordBytesTransferred(string, int64)       {}
func (noopServerMetrics) SetActiveConnections(int32)                 {}
func (noopServerMetrics) RecordConnectionAccepted()                  {}
func (noopServerMetrics) RecordConnectionClosed()                    {}
func (noopServerMetrics) RecordConnectionRejected(string)            {}
func (noopServerMetrics) RecordConnectionsForceClosed(int)           {}
