package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/protocol"
	"github.com/israelio/amqpcore/internal/transport"
	"github.com/israelio/amqpcore/internal/util"
)

// ConnectionState represents the current state of a connection
type ConnectionState int32

const (
	StateUnopened ConnectionState = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
	StateError
)

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	switch cs {
	case StateUnopened:
		return "unopened"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Tuning holds connection limits. Zero means no limit for ChannelMax and
// FrameMax in a proposal, and disabled for Heartbeat.
type Tuning struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  time.Duration
}

func (t Tuning) validate() error {
	if t.FrameMax != 0 && t.FrameMax < protocol.FrameMinSize {
		return usage(fmt.Sprintf("frame max must be 0 or >= %d, got %d", protocol.FrameMinSize, t.FrameMax))
	}
	if t.Heartbeat < 0 {
		return usage(fmt.Sprintf("heartbeat cannot be negative, got %v", t.Heartbeat))
	}
	if t.Heartbeat > 65535*time.Second {
		return usage(fmt.Sprintf("heartbeat cannot exceed 65535s, got %v", t.Heartbeat))
	}
	return nil
}

// BlockedNotification represents a connection blocked/unblocked event
type BlockedNotification struct {
	Blocked bool
	Reason  string
}

// session is what a successful login established
type session struct {
	tuning           Tuning
	serverProperties Table
	mechanism        string
}

// Connection is a single AMQP connection. Create it with NewConnection,
// then Open the socket and Login.
type Connection struct {
	cfg     *config
	log     logrus.FieldLogger
	metrics MetricsCollector

	// mu serializes Open, Tune, Login and Close
	mu        sync.Mutex
	transport *transport.Transport
	info      ConnectionInfo
	proposal  *Tuning
	started   bool

	state   atomic.Int32
	session atomic.Pointer[session]

	// Channels
	channelMux sync.RWMutex
	channels   map[uint16]*Channel
	channelIDs *util.IDAllocator

	// envelope ordering across channels for ConsumeMessage
	deliverySeq atomic.Uint64
	deliveries  util.Notifier

	// bytes left in the frame reader after the last frame, updated by the reader
	buffered atomic.Int64

	blocked atomic.Bool

	closeOk       chan struct{}
	closeOkOnce   sync.Once
	closed        chan struct{}
	closeOnce     sync.Once
	closeErr      error
	transportErr  error
	dispatchDone  chan struct{}
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}

	// Listeners
	listenerMux     sync.Mutex
	listenersClosed bool
	blockedChans    []chan BlockedNotification
	closeChans      []chan *Error
}

// NewConnection creates an unopened connection
func NewConnection(opts ...Option) *Connection {
	cfg := newConfig(opts)

	c := &Connection{
		cfg:           cfg,
		log:           cfg.log,
		metrics:       cfg.metrics,
		channels:      make(map[uint16]*Channel),
		channelIDs:    util.NewIDAllocator(1, protocol.ChannelMaxDefault),
		closeOk:       make(chan struct{}),
		closed:        make(chan struct{}),
		dispatchDone:  make(chan struct{}),
		heartbeatStop: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	c.state.Store(int32(StateUnopened))
	return c
}

// Dial opens a connection to the broker at url and logs in with the
// credentials and vhost it names
func Dial(ctx context.Context, url string, opts ...Option) (*Connection, error) {
	info, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	c := NewConnection(opts...)
	if err := c.Open(ctx, info); err != nil {
		return nil, err
	}
	if err := c.Login(ctx, info.LoginParams()); err != nil {
		return nil, multierr.Append(err, c.Close())
	}
	return c, nil
}

// Open connects the socket described by info, over TLS when info.SSL is
// set. The connection stays unopened until Login.
func (c *Connection) Open(ctx context.Context, info ConnectionInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.GetState() != StateUnopened || c.transport != nil {
		return ErrAlreadyOpen
	}
	if info.Host == "" {
		return usage("connection info has no host")
	}
	if info.Port <= 0 || info.Port > 65535 {
		return usage(fmt.Sprintf("port must be between 1 and 65535, got %d", info.Port))
	}

	var tlsOpts *TLSOptions
	if info.SSL {
		tlsOpts = c.cfg.tls
		if tlsOpts == nil {
			tlsOpts = DefaultTLSOptions()
		}
	}

	if c.cfg.connectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.connectionTimeout)
		defer cancel()
	}

	log := c.log.WithField("addr", info.Address())
	t, err := transport.Dial(ctx, info.Host, info.Port, tlsOpts, transport.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("Failed to open socket")
		return transportError(err)
	}

	log = log.WithFields(logrus.Fields{
		"local":  t.LocalAddr().String(),
		"remote": t.RemoteAddr().String(),
	})
	c.transport = t
	c.info = info
	c.log = log
	log.WithField("tls", info.SSL).Debug("Socket opened")
	return nil
}

// Tune overrides the limits proposed at Login. It must be called before
// Login.
func (c *Connection) Tune(channelMax uint16, frameMax uint32, heartbeat time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.GetState() != StateUnopened {
		return ErrAlreadyLoggedIn
	}

	t := Tuning{ChannelMax: channelMax, FrameMax: frameMax, Heartbeat: heartbeat}
	if err := t.validate(); err != nil {
		return err
	}
	c.proposal = &t
	return nil
}

// start launches the reader and heartbeat goroutines once logged in
func (c *Connection) start(sess *session) {
	c.started = true
	c.state.Store(int32(StateOpen))

	go c.frameDispatcher(sess.tuning.Heartbeat)

	if sess.tuning.Heartbeat > 0 {
		go c.heartbeatSender(sess.tuning.Heartbeat)
	} else {
		close(c.heartbeatDone)
	}
}

// frameDispatcher reads frames and dispatches them to channels
func (c *Connection) frameDispatcher(heartbeat time.Duration) {
	defer close(c.dispatchDone)

	// two missed heartbeats and the server is gone
	timeout := 2 * heartbeat

	for {
		f, err := c.transport.Receive(timeout)
		if err != nil {
			c.readFailed(err, heartbeat)
			return
		}
		c.buffered.Store(int64(c.transport.Buffered()))

		if err := c.dispatchFrame(f); err != nil {
			c.abort(err)
			return
		}

		switch c.GetState() {
		case StateClosed, StateError:
			return
		}
	}
}

func (c *Connection) readFailed(err error, heartbeat time.Duration) {
	var malformed *frame.MalformedError
	switch {
	case errors.As(err, &malformed):
		c.abort(&Error{
			Kind:   KindProtocol,
			Scope:  ScopeConnection,
			Code:   protocol.ReplyFrameError,
			Reason: malformed.Reason,
			Err:    err,
		})
	case c.GetState() != StateOpen:
		// our own close tore the socket down
	case heartbeat > 0 && transport.KindOf(err) == transport.KindTimeout:
		c.fail(&Error{
			Kind:   KindTransport,
			Scope:  ScopeConnection,
			Reason: fmt.Sprintf("no traffic from server for %v, heartbeat missed", 2*heartbeat),
			Err:    err,
		})
	default:
		c.fail(transportError(err))
	}
}

// dispatchFrame dispatches a frame to the appropriate handler. A returned
// error is fatal for the connection.
func (c *Connection) dispatchFrame(f *frame.Frame) *Error {
	if f.Type == protocol.FrameHeartbeat {
		if f.ChannelID != 0 {
			return protocolError(protocol.ReplyFrameError, fmt.Sprintf("heartbeat on channel %d", f.ChannelID))
		}
		return nil
	}

	if f.ChannelID == 0 {
		return c.handleConnectionFrame(f)
	}

	c.channelMux.RLock()
	ch, exists := c.channels[f.ChannelID]
	c.channelMux.RUnlock()

	if !exists {
		c.log.WithField("channel", f.ChannelID).Debugf("Dropping %s for unknown channel", f)
		return nil
	}

	ch.handleFrame(f)
	return nil
}

// handleConnectionFrame handles frames on channel 0
func (c *Connection) handleConnectionFrame(f *frame.Frame) *Error {
	if f.Type != protocol.FrameMethod {
		return protocolError(protocol.ReplyCommandInvalid, fmt.Sprintf("unexpected %s on channel 0", f))
	}

	m, err := method.DecodeFrame(f)
	if err != nil {
		return decodeError(err)
	}
	c.log.Debugf("Received %s", method.Name(m))

	switch m := m.(type) {
	case *method.ConnectionClose:
		c.handleConnectionClose(m)
	case *method.ConnectionCloseOk:
		c.closeOkOnce.Do(func() { close(c.closeOk) })
	case *method.ConnectionBlocked:
		c.setBlocked(true, m.Reason)
	case *method.ConnectionUnblocked:
		c.setBlocked(false, "")
	default:
		return protocolError(protocol.ReplyCommandInvalid, fmt.Sprintf("unexpected %s on channel 0", method.Name(m)))
	}
	return nil
}

// handleConnectionClose answers a server connection.close and tears down
func (c *Connection) handleConnectionClose(m *method.ConnectionClose) {
	if f, err := method.NewFrame(0, &method.ConnectionCloseOk{}); err == nil {
		_ = c.transport.Send(f)
	}

	err := serverError(ScopeConnection, m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID)
	c.log.WithFields(logrus.Fields{
		"code":   m.ReplyCode,
		"reason": m.ReplyText,
	}).Warn("Connection closed by server")

	if c.GetState() == StateClosing {
		// crossed with our own close, the close-ok we just sent ends it
		c.closeOkOnce.Do(func() { close(c.closeOk) })
		return
	}
	c.shutdown(err, StateClosed)
}

func (c *Connection) setBlocked(blocked bool, reason string) {
	c.blocked.Store(blocked)

	if blocked {
		c.log.WithField("reason", reason).Warn("Connection blocked by server")
	} else {
		c.log.Info("Connection unblocked by server")
	}

	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()

	n := BlockedNotification{Blocked: blocked, Reason: reason}
	for _, ch := range c.blockedChans {
		select {
		case ch <- n:
		default:
		}
	}
}

// heartbeatSender sends heartbeat frames every half interval
func (c *Connection) heartbeatSender(interval time.Duration) {
	defer close(c.heartbeatDone)

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.heartbeatStop:
			return
		case <-ticker.C:
			if err := c.transport.Send(frame.NewHeartbeatFrame()); err != nil {
				if c.GetState() == StateOpen {
					c.fail(transportError(err))
				}
				return
			}
		}
	}
}

// abort sends connection.close with the error's reply code, without
// waiting for close-ok, and tears the connection down
func (c *Connection) abort(err *Error) {
	if f, encErr := method.NewFrame(0, &method.ConnectionClose{
		ReplyCode: uint16(err.Code),
		ReplyText: err.Reason,
		ClassID:   err.ClassID,
		MethodID:  err.MethodID,
	}); encErr == nil {
		_ = c.transport.Send(f)
	}
	c.fail(err)
}

// fail tears the connection down after an unrecoverable error
func (c *Connection) fail(err error) {
	c.log.WithError(err).Error("Connection failed")
	c.shutdown(err, StateError)
}

// Close gracefully closes the connection
func (c *Connection) Close() error {
	return c.CloseWithCode(protocol.ReplySuccess, "Normal shutdown")
}

// CloseWithCode sends connection.close and waits up to the close timeout
// for close-ok. The connection ends up closed whatever the server does.
func (c *Connection) CloseWithCode(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.GetState() != StateOpen {
		return c.shutdown(nil, StateClosed)
	}

	c.state.Store(int32(StateClosing))
	c.log.WithField("code", code).Info("Closing connection")

	var errs error
	f, err := method.NewFrame(0, &method.ConnectionClose{ReplyCode: uint16(code), ReplyText: text})
	if err == nil {
		err = c.transport.Send(f)
	}

	if err != nil {
		errs = multierr.Append(errs, transportError(err))
	} else {
		timer := time.NewTimer(c.cfg.closeTimeout)
		defer timer.Stop()

		select {
		case <-c.closeOk:
		case <-c.dispatchDone:
		case <-timer.C:
			c.log.WithField("timeout", c.cfg.closeTimeout).Warn("No connection.close-ok from server")
		}
	}

	errs = multierr.Append(errs, c.shutdown(nil, StateClosed))

	<-c.dispatchDone
	<-c.heartbeatDone
	return errs
}

// shutdown releases the transport and fails every channel. Only the first
// call does the work; later calls can still move the state to closed.
// Metrics and the error handler run after the teardown, the handler on its
// own goroutine, so a handler may call Close.
func (c *Connection) shutdown(cause error, final ConnectionState) error {
	first, loggedIn := false, false
	c.closeOnce.Do(func() {
		first, loggedIn = true, c.started
		c.state.Store(int32(final))
		c.closeErr = cause
		close(c.closed)

		if loggedIn {
			close(c.heartbeatStop)
		}
		if c.transport != nil {
			c.transportErr = c.transport.Close()
		}

		c.channelMux.Lock()
		channels := c.channels
		c.channels = make(map[uint16]*Channel)
		c.channelMux.Unlock()

		// pending calls see a broker close as is, later calls see the
		// channel closed
		chErr := &Error{Kind: KindClosed, Scope: ScopeChannel, Reason: "connection closed", Err: cause}
		var pendingErr error = chErr
		if e, ok := cause.(*Error); ok && e.Kind == KindServer {
			pendingErr = e
		}
		for _, ch := range channels {
			ch.terminate(chErr, pendingErr)
		}
		c.deliveries.Broadcast()

		var closeErr *Error
		if cause != nil {
			closeErr = asError(cause)
		}
		c.listenerMux.Lock()
		c.listenersClosed = true
		for _, ch := range c.closeChans {
			if closeErr != nil {
				select {
				case ch <- closeErr:
				default:
				}
			}
			close(ch)
		}
		for _, ch := range c.blockedChans {
			close(ch)
		}
		c.closeChans = nil
		c.blockedChans = nil
		c.listenerMux.Unlock()
	})

	if final == StateClosed {
		c.state.Store(int32(StateClosed))
	}

	if first && loggedIn {
		if cause != nil {
			c.metrics.ConnectionError(cause)
			go c.cfg.errorHandler.HandleConnectionError(c, cause)
		}
		c.metrics.ConnectionClosed()
		c.log.Info("Connection closed")
	}
	return c.transportErr
}

// GetState returns the current connection state
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsClosed returns whether the connection has been torn down
func (c *Connection) IsClosed() bool {
	s := c.GetState()
	return s == StateClosed || s == StateError
}

// Err returns the error that ended the connection, nil after a clean close
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Connection) currentSession() *session {
	if s := c.session.Load(); s != nil {
		return s
	}
	return &session{}
}

// TuneParameters returns the negotiated limits, zero before Login
func (c *Connection) TuneParameters() Tuning {
	return c.currentSession().tuning
}

// ChannelMax returns the negotiated channel limit
func (c *Connection) ChannelMax() uint16 {
	return c.currentSession().tuning.ChannelMax
}

// FrameMax returns the negotiated maximum frame size
func (c *Connection) FrameMax() uint32 {
	return c.currentSession().tuning.FrameMax
}

// Heartbeat returns the negotiated heartbeat interval, zero if disabled
func (c *Connection) Heartbeat() time.Duration {
	return c.currentSession().tuning.Heartbeat
}

// ServerProperties returns the properties the server sent in connection.start
func (c *Connection) ServerProperties() Table {
	return c.currentSession().serverProperties
}

// SupportsCapability reports whether the server announced a capability
// such as "basic.nack"
func (c *Connection) SupportsCapability(name string) bool {
	caps, ok := c.currentSession().serverProperties["capabilities"].(Table)
	if !ok {
		return false
	}
	v, ok := caps[name].(bool)
	return ok && v
}

// Unauthenticated reports whether TLS verification was turned off for
// this connection
func (c *Connection) Unauthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil && c.transport.Unauthenticated()
}

// IsBlocked returns whether the server has blocked publishing
func (c *Connection) IsBlocked() bool {
	return c.blocked.Load()
}

// NotifyBlocked registers a channel for blocked/unblocked events. Events
// are dropped when the channel is full; it is closed with the connection.
func (c *Connection) NotifyBlocked(ch chan BlockedNotification) chan BlockedNotification {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()

	if c.listenersClosed {
		close(ch)
		return ch
	}
	c.blockedChans = append(c.blockedChans, ch)
	return ch
}

// NotifyClose registers a channel that receives the error that ended the
// connection, if any, and is then closed
func (c *Connection) NotifyClose(ch chan *Error) chan *Error {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()

	if c.listenersClosed {
		close(ch)
		return ch
	}
	c.closeChans = append(c.closeChans, ch)
	return ch
}

// FramesEnqueued reports whether any delivered message is waiting to be
// consumed
func (c *Connection) FramesEnqueued() bool {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()

	for _, ch := range c.channels {
		if ch.pending() > 0 {
			return true
		}
	}
	return false
}

// DataInBuffer reports whether received bytes were left unparsed after the
// last frame read
func (c *Connection) DataInBuffer() bool {
	return c.buffered.Load() > 0
}

// MaybeReleaseBuffers compacts the message queues of every channel
func (c *Connection) MaybeReleaseBuffers() {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()

	for _, ch := range c.channels {
		ch.releaseBuffers()
	}
}

// MaybeReleaseBuffersOnChannel compacts the message queue of one channel
func (c *Connection) MaybeReleaseBuffersOnChannel(id uint16) {
	if ch, ok := c.GetChannel(id); ok {
		ch.releaseBuffers()
	}
}

// GetChannelCount returns the current number of open channels
func (c *Connection) GetChannelCount() int {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()
	return len(c.channels)
}

// GetChannel returns the open channel with the given id
func (c *Connection) GetChannel(id uint16) (*Channel, bool) {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()

	ch, ok := c.channels[id]
	return ch, ok
}

// NewChannel opens a channel on the lowest free id
func (c *Connection) NewChannel(ctx context.Context) (*Channel, error) {
	if c.GetState() != StateOpen {
		return nil, ErrConnectionNotOpen
	}

	id, ok := c.channelIDs.Allocate()
	if !ok {
		return nil, ErrNoFreeChannel
	}
	return c.openChannel(ctx, uint16(id))
}

// OpenChannel opens the channel with the given id
func (c *Connection) OpenChannel(ctx context.Context, id uint16) (*Channel, error) {
	if c.GetState() != StateOpen {
		return nil, ErrConnectionNotOpen
	}
	if id == 0 || id > c.ChannelMax() {
		return nil, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidChannel, id, c.ChannelMax())
	}
	if !c.channelIDs.Reserve(int(id)) {
		return nil, fmt.Errorf("%w: channel %d", ErrAlreadyOpen, id)
	}
	return c.openChannel(ctx, id)
}

func (c *Connection) openChannel(ctx context.Context, id uint16) (*Channel, error) {
	ch := newChannel(c, id)

	// registered before channel.open so the reply can be routed
	c.channelMux.Lock()
	if c.IsClosed() {
		c.channelMux.Unlock()
		c.channelIDs.Free(int(id))
		return nil, ErrConnectionNotOpen
	}
	c.channels[id] = ch
	c.channelMux.Unlock()

	if err := ch.open(ctx); err != nil {
		if !ch.lingering.Load() {
			c.removeChannel(ch)
		}
		return nil, err
	}

	c.metrics.ChannelCreated()
	return ch, nil
}

// removeChannel unregisters ch and frees its id
func (c *Connection) removeChannel(ch *Channel) {
	c.channelMux.Lock()
	owned := c.channels[ch.id] == ch
	if owned {
		delete(c.channels, ch.id)
	}
	c.channelMux.Unlock()

	if owned {
		c.channelIDs.Free(int(ch.id))
	}
}

// send writes frames for the connection, failing fast when it is not open
func (c *Connection) send(frames ...*frame.Frame) error {
	switch c.GetState() {
	case StateOpen, StateClosing:
	default:
		return c.closedError()
	}
	if err := c.transport.Send(frames...); err != nil {
		return transportError(err)
	}
	return nil
}

func (c *Connection) closedError() error {
	return &Error{Kind: KindClosed, Scope: ScopeConnection, Reason: "connection closed", Err: c.Err()}
}

func protocolError(code int, reason string) *Error {
	return &Error{Kind: KindProtocol, Scope: ScopeConnection, Code: code, Reason: reason}
}

// decodeError maps a method decoding failure to the reply code sent back
func decodeError(err error) *Error {
	code := protocol.ReplySyntaxError
	if errors.Is(err, method.ErrUnknownMethod) {
		code = protocol.ReplyNotImplemented
	}
	e := protocolError(code, err.Error())
	e.Err = err
	return e
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindTransport, Scope: ScopeConnection, Err: err}
}
