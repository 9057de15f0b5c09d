// Package metrics exposes Prometheus metrics for MQTT sessions and the HTTP
// API.
//
// Metrics collected (namespace mqttsession):
//   - session_events_total{session,kind}
//   - session_connected{session}
//   - session_reconnects_total{session}
//   - session_messages_total{session,subscription}
//   - session_payload_bytes_total{session}
//   - session_publishes_total{session,result}
//   - http_requests_total{method,route,status}
//   - http_request_duration_seconds{method,route}
//   - websocket_clients
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/mqttsession/internal/infrastructure/mqtt"
)

// Namespace prefixes every metric name.
const Namespace = "mqttsession"

// unmatchedSubscription labels messages that match no configured filter,
// e.g. retained status messages or a subscription added at runtime.
const unmatchedSubscription = "(none)"

// Collector records session and API metrics.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Collector struct {
	registry prometheus.Gatherer

	events       *prometheus.CounterVec
	connected    *prometheus.GaugeVec
	reconnects   *prometheus.CounterVec
	messages     *prometheus.CounterVec
	payloadBytes *prometheus.CounterVec
	publishes    *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	wsClients    prometheus.Gauge

	mu      sync.RWMutex
	filters map[string]*mqtt.FilterSet
}

// New registers the collector's metrics with a fresh registry that also
// carries the Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the metrics with reg and serves them from
// gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		registry: gatherer,
		filters:  make(map[string]*mqtt.FilterSet),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_events_total",
			Help:      "Routed session events by kind",
		}, []string{"session", "kind"}),

		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "session_connected",
			Help:      "1 while the session is connected",
		}, []string{"session"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_reconnects_total",
			Help:      "Automatic reconnects reported by the transport",
		}, []string{"session"}),

		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_messages_total",
			Help:      "Received messages by matching subscription filter",
		}, []string{"session", "subscription"}),

		payloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_payload_bytes_total",
			Help:      "Received payload bytes",
		}, []string{"session"}),

		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_publishes_total",
			Help:      "Publish requests by result",
		}, []string{"session", "result"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket event subscribers",
		}),
	}
}

// TrackSession registers the subscription filters used to label messages
// received by session, and initialises its connected gauge to 0.
func (c *Collector) TrackSession(session string, filters []string) error {
	fs, err := mqtt.NewFilterSet(filters...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.filters[session] = fs
	c.mu.Unlock()
	c.connected.WithLabelValues(session).Set(0)
	return nil
}

// ObserveConnect records a connect event.
func (c *Collector) ObserveConnect(session string, reconnected bool) {
	c.events.WithLabelValues(session, "connect").Inc()
	c.connected.WithLabelValues(session).Set(1)
	if reconnected {
		c.reconnects.WithLabelValues(session).Inc()
	}
}

// ObserveDisconnect records a disconnect event.
func (c *Collector) ObserveDisconnect(session string) {
	c.events.WithLabelValues(session, "disconnect").Inc()
	c.connected.WithLabelValues(session).Set(0)
}

// ObserveMessage records a received message once per matching filter.
func (c *Collector) ObserveMessage(session, topic string, size int) {
	c.events.WithLabelValues(session, "message").Inc()
	c.payloadBytes.WithLabelValues(session).Add(float64(size))

	c.mu.RLock()
	fs := c.filters[session]
	c.mu.RUnlock()

	var matched []string
	if fs != nil {
		matched = fs.Match(topic)
	}
	if len(matched) == 0 {
		c.messages.WithLabelValues(session, unmatchedSubscription).Inc()
		return
	}
	for _, f := range matched {
		c.messages.WithLabelValues(session, f).Inc()
	}
}

// ObserveError records an error event.
func (c *Collector) ObserveError(session string) {
	c.events.WithLabelValues(session, "error").Inc()
}

// ObservePublish records a publish request and whether it was accepted.
func (c *Collector) ObservePublish(session string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	c.publishes.WithLabelValues(session, result).Inc()
}

// ObserveHTTP records one API request. route is the chi route pattern.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetWebSocketClients sets the current WebSocket subscriber count.
func (c *Collector) SetWebSocketClients(n int) {
	c.wsClients.Set(float64(n))
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
