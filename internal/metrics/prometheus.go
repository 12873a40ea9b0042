package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the OSC receiver service
type Metrics struct {
	// Datagram metrics
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec

	// Decoded element metrics
	MessagesDecoded prometheus.Counter
	BundlesDecoded  prometheus.Counter
	MessageArgs     prometheus.Histogram

	// Listener metrics
	ListenerState    prometheus.Gauge
	Rebinds          prometheus.Counter
	ActivePeer       prometheus.Gauge
	PeerReplacements prometheus.Counter
	PeerDuration     prometheus.Histogram

	// Delivery metrics
	DeliveryQueueSize prometheus.Gauge
	DeliveryDrops     prometheus.Counter
	ConsumerPanics    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg. A nil
// reg falls back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Datagram metrics
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "osc_datagrams_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "osc_bytes_received_total",
			Help: "Total number of UDP payload bytes received",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osc_datagrams_dropped_total",
			Help: "Total number of datagrams dropped before decoding",
		}, []string{"reason"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osc_decode_errors_total",
			Help: "Total number of datagrams that failed to decode",
		}, []string{"reason"}),

		// Decoded element metrics
		MessagesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "osc_messages_decoded_total",
			Help: "Total number of OSC messages decoded, including messages nested in bundles",
		}),
		BundlesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "osc_bundles_decoded_total",
			Help: "Total number of OSC bundles decoded, including nested bundles",
		}),
		MessageArgs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "osc_message_arguments",
			Help:    "Number of arguments per decoded message",
			Buckets: prometheus.LinearBuckets(0, 2, 9), // 0 to 16
		}),

		// Listener metrics
		ListenerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "osc_listener_state",
			Help: "Current listener state (0=unbound, 1=listening, 2=failed, 3=cancelled)",
		}),
		Rebinds: factory.NewCounter(prometheus.CounterOpts{
			Name: "osc_listener_rebinds_total",
			Help: "Total number of listener rebinds (restart or port change)",
		}),
		ActivePeer: factory.NewGauge(prometheus.GaugeOpts{
			Name: "osc_active_peer",
			Help: "Whether a peer currently occupies the active slot",
		}),
		PeerReplacements: factory.NewCounter(prometheus.CounterOpts{
			Name: "osc_peer_replacements_total",
			Help: "Total number of times a new peer superseded the active one",
		}),
		PeerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "osc_peer_duration_seconds",
			Help:    "Time between first and last datagram of a superseded peer",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		}),

		// Delivery metrics
		DeliveryQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "osc_delivery_queue_size",
			Help: "Current number of deliveries waiting for the consumer",
		}),
		DeliveryDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "osc_delivery_drops_total",
			Help: "Total number of deliveries dropped because the queue was full",
		}),
		ConsumerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "osc_consumer_panics_total",
			Help: "Total number of recovered consumer panics",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osc_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osc_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osc_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDatagram increments the received datagram and byte counters
func (m *Metrics) RecordDatagram(size int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(size))
}

// RecordDatagramDropped counts a datagram discarded before decoding
func (m *Metrics) RecordDatagramDropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordDecodeError counts a decode failure by reason
func (m *Metrics) RecordDecodeError(reason string) {
	m.DecodeErrors.WithLabelValues(reason).Inc()
}

// RecordMessage counts a decoded message and observes its argument count
func (m *Metrics) RecordMessage(args int) {
	m.MessagesDecoded.Inc()
	m.MessageArgs.Observe(float64(args))
}

// RecordBundle counts a decoded bundle
func (m *Metrics) RecordBundle() {
	m.BundlesDecoded.Inc()
}

// SetListenerState sets the listener state gauge
func (m *Metrics) SetListenerState(state int) {
	m.ListenerState.Set(float64(state))
}

// RecordRebind increments the rebind counter
func (m *Metrics) RecordRebind() {
	m.Rebinds.Inc()
}

// SetActivePeer records whether the active slot is occupied
func (m *Metrics) SetActivePeer(present bool) {
	if present {
		m.ActivePeer.Set(1)
		return
	}
	m.ActivePeer.Set(0)
}

// RecordPeerReplaced counts a replacement and the superseded peer's lifetime
func (m *Metrics) RecordPeerReplaced(durationSeconds float64) {
	m.PeerReplacements.Inc()
	m.PeerDuration.Observe(durationSeconds)
}

// SetDeliveryQueueSize sets the current delivery queue depth
func (m *Metrics) SetDeliveryQueueSize(size int) {
	m.DeliveryQueueSize.Set(float64(size))
}

// RecordDeliveryDrop increments the delivery drop counter
func (m *Metrics) RecordDeliveryDrop() {
	m.DeliveryDrops.Inc()
}

// RecordConsumerPanic increments the consumer panic counter
func (m *Metrics) RecordConsumerPanic() {
	m.ConsumerPanics.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
