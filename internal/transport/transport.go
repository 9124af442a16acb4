// Package transport carries AMQP frames over a TCP or TLS socket.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/protocol"
)

// Transport is a framed connection to a broker. Send may be called from
// any goroutine; Receive must only be called from one goroutine at a time.
type Transport struct {
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer

	closed          atomic.Bool
	closeOnce       sync.Once
	closeErr        error
	unauthenticated bool
	log             logrus.FieldLogger
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger used for transport warnings
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// Dial connects to host:port, over TLS when tlsOpts is non-nil
func Dial(ctx context.Context, host string, port int, tlsOpts *TLSOptions, opts ...Option) (*Transport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	t := newTransport(opts)
	log := t.log.WithField("addr", addr)

	var cfg *tls.Config
	if tlsOpts != nil {
		var err error
		if cfg, err = tlsOpts.Config(host); err != nil {
			return nil, err
		}
		if !tlsOpts.VerifyPeer {
			log.Warn("TLS peer verification disabled, connection is unauthenticated")
		} else if !tlsOpts.VerifyHostname {
			log.Warn("TLS hostname verification disabled")
		}
	}

	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrap("dial", err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	if cfg != nil {
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &Error{Kind: KindTLSHandshake, Op: "tls handshake", Err: err}
		}
		conn = tlsConn
	}

	t.attach(conn)
	t.log = log
	t.unauthenticated = tlsOpts != nil && tlsOpts.Insecure()
	return t, nil
}

// New wraps an established connection
func New(conn net.Conn, opts ...Option) *Transport {
	t := newTransport(opts)
	t.attach(conn)
	return t
}

func newTransport(opts []Option) *Transport {
	t := &Transport{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) attach(conn net.Conn) {
	t.conn = conn
	t.reader = frame.NewReader(conn, protocol.FrameDefaultSize)
	t.writer = frame.NewWriter(conn, protocol.FrameDefaultSize)
}

// SendProtocolHeader writes the AMQP 0-9-1 protocol header
func (t *Transport) SendProtocolHeader() error {
	if t.closed.Load() {
		return wrap("send", ErrClosed)
	}
	return wrap("send protocol header", t.writer.WriteProtocolHeader())
}

// Send writes frames back to back and flushes them
func (t *Transport) Send(frames ...*frame.Frame) error {
	if t.closed.Load() {
		return wrap("send", ErrClosed)
	}
	return wrap("send", t.writer.WriteFrames(frames...))
}

// Receive reads the next frame. A zero timeout waits indefinitely.
func (t *Transport) Receive(timeout time.Duration) (*frame.Frame, error) {
	if t.closed.Load() {
		return nil, wrap("receive", ErrClosed)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, wrap("receive", err)
	}

	f, err := t.reader.ReadFrame()
	if err != nil {
		var malformed *frame.MalformedError
		if errors.As(err, &malformed) {
			return nil, err
		}
		if t.closed.Load() {
			return nil, wrap("receive", ErrClosed)
		}
		return nil, wrap("receive", err)
	}
	return f, nil
}

// Close closes the socket. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// Closed reports whether Close has been called
func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// Buffered returns the number of received bytes not yet parsed into frames
func (t *Transport) Buffered() int {
	return t.reader.Buffered()
}

// SetMaxFrameSize applies the negotiated frame_max to both directions
func (t *Transport) SetMaxFrameSize(size uint32) {
	t.reader.SetMaxFrameSize(size)
	t.writer.SetMaxFrameSize(size)
}

// Unauthenticated reports whether TLS verification was disabled
func (t *Transport) Unauthenticated() bool {
	return t.unauthenticated
}

// LocalAddr returns the local network address
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr returns the remote network address
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
