package amqp

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/israelio/amqpcore/internal/protocol"
)

const (
	defaultConnectionTimeout = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultRPCTimeout        = 10 * time.Second
	defaultCloseTimeout      = 5 * time.Second
)

// Option configures a Connection
type Option func(*config)

type config struct {
	log               logrus.FieldLogger
	tls               *TLSOptions
	connectionTimeout time.Duration
	handshakeTimeout  time.Duration
	rpcTimeout        time.Duration
	closeTimeout      time.Duration
	clientProperties  Table
	errorHandler      ErrorHandler
	metrics           MetricsCollector
}

func newConfig(opts []Option) *config {
	cfg := &config{
		log:               logrus.StandardLogger(),
		connectionTimeout: defaultConnectionTimeout,
		handshakeTimeout:  defaultHandshakeTimeout,
		rpcTimeout:        defaultRPCTimeout,
		closeTimeout:      defaultCloseTimeout,
		clientProperties:  defaultClientProperties(),
		metrics:           &NoOpMetricsCollector{},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.log = cfg.log.WithField("component", "amqp")
	if cfg.errorHandler == nil {
		cfg.errorHandler = &DefaultErrorHandler{Logger: cfg.log}
	}
	return cfg
}

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTLS sets the TLS options used when ConnectionInfo.SSL is true.
// Without it, DefaultTLSOptions are used.
func WithTLS(opts *TLSOptions) Option {
	return func(c *config) {
		c.tls = opts
	}
}

// WithConnectionTimeout bounds how long Open waits for the socket
func WithConnectionTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.connectionTimeout = timeout
	}
}

// WithHandshakeTimeout bounds how long Login waits for each server reply
// when the context has no deadline
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.handshakeTimeout = timeout
	}
}

// WithRPCTimeout bounds synchronous channel calls. Zero leaves only the
// caller's context.
func WithRPCTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.rpcTimeout = timeout
	}
}

// WithCloseTimeout bounds how long Close waits for connection.close-ok
func WithCloseTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.closeTimeout = timeout
	}
}

// WithClientProperties replaces the client properties sent in start-ok.
// The capabilities table is always sent.
func WithClientProperties(props Table) Option {
	return func(c *config) {
		merged := defaultClientProperties()
		for k, v := range props {
			merged[k] = v
		}
		c.clientProperties = merged
	}
}

// WithClientProperty sets one client property
func WithClientProperty(key string, value interface{}) Option {
	return func(c *config) {
		c.clientProperties[key] = value
	}
}

// WithConnectionName sets the connection_name client property shown by
// the broker's management tools
func WithConnectionName(name string) Option {
	return WithClientProperty("connection_name", name)
}

// WithErrorHandler sets the handler told about connection and channel errors
func WithErrorHandler(handler ErrorHandler) Option {
	return func(c *config) {
		c.errorHandler = handler
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// defaultClientProperties returns the properties announced in start-ok
func defaultClientProperties() Table {
	return Table{
		"product":     "amqpcore",
		"version":     Version(),
		"platform":    "Go",
		"copyright":   "",
		"information": "https://github.com/israelio/amqpcore",
		"capabilities": protocol.Table{
			"authentication_failure_close": true,
			"connection.blocked":           true,
			"consumer_cancel_notify":       true,
			"basic.nack":                   true,
		},
	}
}
