// Package amqptest provides a scripted in-process AMQP 0-9-1 broker for
// tests. It speaks enough of the protocol to drive the client: handshake,
// channels, exchanges, publish, consume and acknowledgements, plus hooks
// to delay or drop replies and to inject frames.
package amqptest

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/protocol"
)

// Config controls what the broker offers during the handshake
type Config struct {
	// Tune values proposed by the server. Zero means no limit.
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16

	// Mechanisms offered in connection.start; defaults to "PLAIN AMQPLAIN"
	Mechanisms string

	// Capabilities advertised in the server properties. Nil advertises
	// basic.nack, publisher_confirms and connection.blocked.
	Capabilities protocol.Table

	// Users maps user name to password for PLAIN. Nil accepts anyone.
	Users map[string]string

	// VHosts lists the virtual hosts that may be opened. Nil accepts any.
	VHosts []string

	// VersionMajor and VersionMinor override the 0-9 announced in start
	VersionMajor, VersionMinor uint8

	// AfterStartOk, when set, is sent instead of connection.tune
	AfterStartOk method.Method

	// DropAfterStartOk closes the socket after start-ok, the way
	// RabbitMQ reports a failed login to clients that did not ask for
	// authentication_failure_close.
	DropAfterStartOk bool

	// SendHeartbeats makes the broker emit heartbeats at the negotiated rate
	SendHeartbeats bool

	Logger logrus.FieldLogger
}

// Login records one client handshake
type Login struct {
	ClientProperties protocol.Table
	Mechanism        string
	Response         string
	User             string
	Password         string
	Tune             method.ConnectionTuneOk
	VHost            string
}

// Message is a published message as seen by the broker
type Message struct {
	Exchange    string
	RoutingKey  string
	Mandatory   bool
	Immediate   bool
	Properties  method.Properties
	Body        []byte
	Redelivered bool
}

// Settlement records one ack, nack or reject received from a client
type Settlement struct {
	Channel  uint16
	Kind     string
	Tag      uint64
	Multiple bool
	Requeue  bool
}

type replyHook struct {
	drop  bool
	delay time.Duration
}

// Server is a running test broker
type Server struct {
	cfg Config
	ln  net.Listener
	log logrus.FieldLogger

	mu          sync.Mutex
	conns       []*serverConn
	logins      []Login
	exchanges   map[string]string
	bindings    []binding
	queues      map[string]*queue
	published   []*Message
	settlements []Settlement
	hooks       map[uint32]replyHook
	maxBody     int

	heartbeats atomic.Int64
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// Start listens on a loopback port and serves connections until Close
func Start(cfg Config) (*Server, error) {
	if cfg.Mechanisms == "" {
		cfg.Mechanisms = "PLAIN AMQPLAIN"
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = protocol.Table{
			"basic.nack":             true,
			"publisher_confirms":     true,
			"connection.blocked":     true,
			"consumer_cancel_notify": true,
		}
	}
	if cfg.VersionMajor == 0 && cfg.VersionMinor == 0 {
		cfg.VersionMinor = 9
	}
	if cfg.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		cfg.Logger = logger
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg,
		ln:  ln,
		log: cfg.Logger.WithField("component", "amqptest"),
		exchanges: map[string]string{
			"":           protocol.ExchangeTypeDirect,
			"amq.direct": protocol.ExchangeTypeDirect,
			"amq.fanout": protocol.ExchangeTypeFanout,
			"amq.topic":  protocol.ExchangeTypeTopic,
		},
		queues: map[string]*queue{},
		hooks:  map[uint32]replyHook{},
	}

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// NewServer starts a broker and stops it when the test ends
func NewServer(tb testing.TB, cfg Config) *Server {
	tb.Helper()
	s, err := Start(cfg)
	if err != nil {
		tb.Fatalf("start test broker: %v", err)
	}
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}

		c := newServerConn(s, nc)
		s.mu.Lock()
		c.id = len(s.conns)
		s.conns = append(s.conns, c)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run()
		}()
	}
}

// Close stops the listener and drops every connection
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.ln.Close()

	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.nc.Close()
	}
	s.wg.Wait()
}

// Host returns the listening address
func (s *Server) Host() string {
	return "127.0.0.1"
}

// Port returns the listening port
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns an amqp URL for the default guest account
func (s *Server) URL() string {
	return fmt.Sprintf("amqp://guest:guest@%s:%d/", s.Host(), s.Port())
}

// Logins returns every handshake seen so far
func (s *Server) Logins() []Login {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Login(nil), s.logins...)
}

// Published returns every message received via basic.publish
func (s *Server) Published() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.published...)
}

// Settlements returns every ack, nack and reject in arrival order
func (s *Server) Settlements() []Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Settlement(nil), s.settlements...)
}

// Heartbeats returns the number of heartbeat frames received
func (s *Server) Heartbeats() int {
	return int(s.heartbeats.Load())
}

// MaxBodyFrame returns the largest body frame payload received
func (s *Server) MaxBodyFrame() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBody
}

// Unacked returns the outstanding delivery tags on a channel of the most
// recent connection, in ascending order.
func (s *Server) Unacked(channel uint16) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.lastConnLocked()
	if c == nil {
		return nil
	}
	ch := c.channels[channel]
	if ch == nil {
		return nil
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// DelayReply holds back the reply to every request with the given ids
func (s *Server) DelayReply(classID, methodID uint16, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[hookKey(classID, methodID)] = replyHook{delay: d}
}

// DropReply suppresses the reply to every request with the given ids
func (s *Server) DropReply(classID, methodID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[hookKey(classID, methodID)] = replyHook{drop: true}
}

// ClearReplyHooks removes every DelayReply and DropReply
func (s *Server) ClearReplyHooks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = map[uint32]replyHook{}
}

func hookKey(classID, methodID uint16) uint32 {
	return uint32(classID)<<16 | uint32(methodID)
}

// Send writes a method to the most recent connection
func (s *Server) Send(channel uint16, m method.Method) error {
	c := s.lastConn()
	if c == nil {
		return fmt.Errorf("no connection")
	}
	return c.send(channel, m)
}

// SendFrames writes raw frames to the most recent connection
func (s *Server) SendFrames(frames ...*frame.Frame) error {
	c := s.lastConn()
	if c == nil {
		return fmt.Errorf("no connection")
	}
	return c.w.WriteFrames(frames...)
}

// SendRaw writes raw bytes to the most recent connection
func (s *Server) SendRaw(b []byte) error {
	c := s.lastConn()
	if c == nil {
		return fmt.Errorf("no connection")
	}
	_, err := c.nc.Write(b)
	return err
}

// CloseChannel closes a channel of the most recent connection from the
// server side
func (s *Server) CloseChannel(channel uint16, code uint16, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.lastConnLocked()
	if c == nil {
		return fmt.Errorf("no connection")
	}
	return c.closeChannelLocked(channel, code, text, 0, 0)
}

// CloseConnection sends connection.close to the most recent connection
func (s *Server) CloseConnection(code uint16, text string) error {
	c := s.lastConn()
	if c == nil {
		return fmt.Errorf("no connection")
	}
	c.closing.Store(true)
	return c.send(0, &method.ConnectionClose{ReplyCode: code, ReplyText: text})
}

// DropConnections closes every socket without a protocol close
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.nc.Close()
	}
}

// Block sends connection.blocked to the most recent connection
func (s *Server) Block(reason string) error {
	return s.Send(0, &method.ConnectionBlocked{Reason: reason})
}

// Unblock sends connection.unblocked to the most recent connection
func (s *Server) Unblock() error {
	return s.Send(0, &method.ConnectionUnblocked{})
}

func (s *Server) lastConn() *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConnLocked()
}

func (s *Server) lastConnLocked() *serverConn {
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}
