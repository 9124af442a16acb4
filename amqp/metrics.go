package amqp

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector collects metrics for client operations
type MetricsCollector interface {
	// Connection metrics
	ConnectionCreated()
	ConnectionClosed()
	ConnectionError(err error)

	// Channel metrics
	ChannelCreated()
	ChannelClosed()
	ChannelError(err error)

	// Message metrics
	MessagePublished()
	MessageConsumed()
	MessageAcked()
	MessageNacked()
	MessageRejected()
	MessageReturned()
}

// StandardMetricsCollector provides a thread-safe metrics collector
type StandardMetricsCollector struct {
	connectionsCreated atomic.Int64
	connectionsClosed  atomic.Int64
	connectionErrors   atomic.Int64

	channelsCreated atomic.Int64
	channelsClosed  atomic.Int64
	channelErrors   atomic.Int64

	messagesPublished atomic.Int64
	messagesConsumed  atomic.Int64
	messagesAcked     atomic.Int64
	messagesNacked    atomic.Int64
	messagesRejected  atomic.Int64
	messagesReturned  atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

// Connection metrics
func (m *StandardMetricsCollector) ConnectionCreated() {
	m.connectionsCreated.Add(1)
}

func (m *StandardMetricsCollector) ConnectionClosed() {
	m.connectionsClosed.Add(1)
}

func (m *StandardMetricsCollector) ConnectionError(err error) {
	m.connectionErrors.Add(1)
}

// Channel metrics
func (m *StandardMetricsCollector) ChannelCreated() {
	m.channelsCreated.Add(1)
}

func (m *StandardMetricsCollector) ChannelClosed() {
	m.channelsClosed.Add(1)
}

func (m *StandardMetricsCollector) ChannelError(err error) {
	m.channelErrors.Add(1)
}

// Message metrics
func (m *StandardMetricsCollector) MessagePublished() {
	m.messagesPublished.Add(1)
}

func (m *StandardMetricsCollector) MessageConsumed() {
	m.messagesConsumed.Add(1)
}

func (m *StandardMetricsCollector) MessageAcked() {
	m.messagesAcked.Add(1)
}

func (m *StandardMetricsCollector) MessageNacked() {
	m.messagesNacked.Add(1)
}

func (m *StandardMetricsCollector) MessageRejected() {
	m.messagesRejected.Add(1)
}

func (m *StandardMetricsCollector) MessageReturned() {
	m.messagesReturned.Add(1)
}

// Getters for metrics
func (m *StandardMetricsCollector) GetConnectionsCreated() int64 {
	return m.connectionsCreated.Load()
}

func (m *StandardMetricsCollector) GetConnectionsClosed() int64 {
	return m.connectionsClosed.Load()
}

func (m *StandardMetricsCollector) GetConnectionErrors() int64 {
	return m.connectionErrors.Load()
}

func (m *StandardMetricsCollector) GetChannelsCreated() int64 {
	return m.channelsCreated.Load()
}

func (m *StandardMetricsCollector) GetChannelsClosed() int64 {
	return m.channelsClosed.Load()
}

func (m *StandardMetricsCollector) GetChannelErrors() int64 {
	return m.channelErrors.Load()
}

func (m *StandardMetricsCollector) GetMessagesPublished() int64 {
	return m.messagesPublished.Load()
}

func (m *StandardMetricsCollector) GetMessagesConsumed() int64 {
	return m.messagesConsumed.Load()
}

func (m *StandardMetricsCollector) GetMessagesAcked() int64 {
	return m.messagesAcked.Load()
}

func (m *StandardMetricsCollector) GetMessagesNacked() int64 {
	return m.messagesNacked.Load()
}

func (m *StandardMetricsCollector) GetMessagesRejected() int64 {
	return m.messagesRejected.Load()
}

func (m *StandardMetricsCollector) GetMessagesReturned() int64 {
	return m.messagesReturned.Load()
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionCreated()        {}
func (n *NoOpMetricsCollector) ConnectionClosed()         {}
func (n *NoOpMetricsCollector) ConnectionError(err error) {}
func (n *NoOpMetricsCollector) ChannelCreated()           {}
func (n *NoOpMetricsCollector) ChannelClosed()            {}
func (n *NoOpMetricsCollector) ChannelError(err error)    {}
func (n *NoOpMetricsCollector) MessagePublished()         {}
func (n *NoOpMetricsCollector) MessageConsumed()          {}
func (n *NoOpMetricsCollector) MessageAcked()             {}
func (n *NoOpMetricsCollector) MessageNacked()            {}
func (n *NoOpMetricsCollector) MessageRejected()          {}
func (n *NoOpMetricsCollector) MessageReturned()          {}

// NewNoOpMetricsCollector creates a no-op metrics collector
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}

// PrometheusMetrics exports client metrics as Prometheus counters and
// gauges. It is a prometheus.Collector; register it once per registry.
type PrometheusMetrics struct {
	connections     *prometheus.CounterVec
	channels        *prometheus.CounterVec
	messages        *prometheus.CounterVec
	openConnections prometheus.Gauge
	openChannels    prometheus.Gauge
}

// NewPrometheusMetrics creates collectors under the given namespace,
// "amqp" if empty
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "amqp"
	}
	return &PrometheusMetrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by kind.",
		}, []string{"event"}),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_total",
			Help:      "Channel lifecycle events by kind.",
		}, []string{"event"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by outcome.",
		}, []string{"outcome"}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Connections currently logged in.",
		}),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Channels currently open.",
		}),
	}
}

// Describe implements prometheus.Collector
func (p *PrometheusMetrics) Describe(ch chan<- *prometheus.Desc) {
	p.connections.Describe(ch)
	p.channels.Describe(ch)
	p.messages.Describe(ch)
	p.openConnections.Describe(ch)
	p.openChannels.Describe(ch)
}

// Collect implements prometheus.Collector
func (p *PrometheusMetrics) Collect(ch chan<- prometheus.Metric) {
	p.connections.Collect(ch)
	p.channels.Collect(ch)
	p.messages.Collect(ch)
	p.openConnections.Collect(ch)
	p.openChannels.Collect(ch)
}

func (p *PrometheusMetrics) ConnectionCreated() {
	p.connections.WithLabelValues("created").Inc()
	p.openConnections.Inc()
}

func (p *PrometheusMetrics) ConnectionClosed() {
	p.connections.WithLabelValues("closed").Inc()
	p.openConnections.Dec()
}

func (p *PrometheusMetrics) ConnectionError(err error) {
	p.connections.WithLabelValues("error").Inc()
}

func (p *PrometheusMetrics) ChannelCreated() {
	p.channels.WithLabelValues("created").Inc()
	p.openChannels.Inc()
}

func (p *PrometheusMetrics) ChannelClosed() {
	p.channels.WithLabelValues("closed").Inc()
	p.openChannels.Dec()
}

func (p *PrometheusMetrics) ChannelError(err error) {
	p.channels.WithLabelValues("error").Inc()
}

func (p *PrometheusMetrics) MessagePublished() { p.messages.WithLabelValues("published").Inc() }
func (p *PrometheusMetrics) MessageConsumed()  { p.messages.WithLabelValues("consumed").Inc() }
func (p *PrometheusMetrics) MessageAcked()     { p.messages.WithLabelValues("acked").Inc() }
func (p *PrometheusMetrics) MessageNacked()    { p.messages.WithLabelValues("nacked").Inc() }
func (p *PrometheusMetrics) MessageRejected()  { p.messages.WithLabelValues("rejected").Inc() }
func (p *PrometheusMetrics) MessageReturned()  { p.messages.WithLabelValues("returned").Inc() }
