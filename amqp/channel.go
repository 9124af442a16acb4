package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/protocol"
	"github.com/israelio/amqpcore/internal/util"
)

// ChannelState represents the state of a channel
type ChannelState int32

const (
	ChannelStateUnopened ChannelState = iota
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
)

// String returns a string representation of the channel state
func (cs ChannelState) String() string {
	switch cs {
	case ChannelStateUnopened:
		return "unopened"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// preallocation cap for incoming bodies, larger bodies grow as frames arrive
const maxBodyPrealloc = 1 << 20

// Channel represents an AMQP channel. All methods are safe for concurrent
// use, but only one synchronous call can be in flight at a time.
type Channel struct {
	conn *Connection
	id   uint16
	log  logrus.FieldLogger

	state atomic.Int32

	// mu guards the call queue, the envelope queue and closeErr
	mu       sync.Mutex
	rpc      []*expectation
	queue    []*Envelope
	closeErr error

	// content being reassembled, only touched by the reader goroutine
	incoming *incoming

	// set when we sent channel.close and still wait for close-ok
	lingering atomic.Bool

	arrivals  util.Notifier
	closed    chan struct{}
	closeOnce sync.Once

	flowActive atomic.Bool

	// Listeners
	listenerMux     sync.Mutex
	listenersClosed bool
	returnChans     []chan Return
	returnListeners []ReturnListener
	closeChans      []chan *Error
	flowChans       []chan bool
}

// incoming is a deliver or return waiting for its header and body frames
type incoming struct {
	deliver *method.BasicDeliver
	ret     *method.BasicReturn
	header  *method.Header
	body    []byte
}

func newChannel(c *Connection, id uint16) *Channel {
	ch := &Channel{
		conn:   c,
		id:     id,
		log:    c.log.WithField("channel", id),
		closed: make(chan struct{}),
	}
	ch.state.Store(int32(ChannelStateUnopened))
	ch.flowActive.Store(true)
	return ch
}

// open sends channel.open and waits for open-ok
func (ch *Channel) open(ctx context.Context) error {
	if _, err := call[*method.ChannelOpenOk](ctx, ch, &method.ChannelOpen{}); err != nil {
		ch.finish(err)
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
			// the server may still open it; the id stays taken until close-ok
			ch.sendClose(protocol.ReplySuccess, "open abandoned")
		}
		return err
	}

	ch.state.Store(int32(ChannelStateOpen))
	ch.log.Debug("Channel opened")
	return nil
}

// ID returns the channel number
func (ch *Channel) ID() uint16 {
	return ch.id
}

// GetChannelID returns the channel number
func (ch *Channel) GetChannelID() uint16 {
	return ch.id
}

// GetState returns the current channel state
func (ch *Channel) GetState() ChannelState {
	return ChannelState(ch.state.Load())
}

// IsClosed returns whether the channel is closed
func (ch *Channel) IsClosed() bool {
	return ch.GetState() == ChannelStateClosed
}

// Err returns the error that closed the channel
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeErr
}

// handleFrame processes a frame routed to this channel by the reader
func (ch *Channel) handleFrame(f *frame.Frame) {
	if ch.GetState() == ChannelStateClosed {
		ch.handleFrameAfterClose(f)
		return
	}

	switch f.Type {
	case protocol.FrameMethod:
		ch.handleMethodFrame(f)
	case protocol.FrameHeader:
		ch.handleHeaderFrame(f)
	case protocol.FrameBody:
		ch.handleBodyFrame(f)
	}
}

// handleFrameAfterClose drains frames that arrive after we closed the
// channel locally, until the server's close-ok frees the id
func (ch *Channel) handleFrameAfterClose(f *frame.Frame) {
	if f.Type != protocol.FrameMethod {
		return
	}
	m, err := method.DecodeFrame(f)
	if err != nil {
		return
	}

	switch m := m.(type) {
	case *method.ChannelCloseOk:
		ch.lingering.Store(false)
		ch.conn.removeChannel(ch)
	case *method.ChannelClose:
		ch.log.WithField("code", m.ReplyCode).Debug("Server closed a channel we already closed")
		ch.sendCloseOk()
		ch.lingering.Store(false)
		ch.conn.removeChannel(ch)
	default:
		ch.log.Debugf("Dropping %s on closed channel", method.Name(m))
	}
}

// handleMethodFrame handles method frames
func (ch *Channel) handleMethodFrame(f *frame.Frame) {
	m, err := method.DecodeFrame(f)
	if err != nil {
		de := decodeError(err)
		ch.abort(de.Code, de.Reason, err)
		return
	}
	ch.log.Debugf("Received %s", method.Name(m))

	if ch.incoming != nil {
		ch.abort(protocol.ReplyUnexpectedFrame, fmt.Sprintf("%s while content was expected", method.Name(m)), nil)
		return
	}

	switch m := m.(type) {
	case *method.BasicDeliver:
		ch.incoming = &incoming{deliver: m}
	case *method.BasicReturn:
		ch.incoming = &incoming{ret: m}
	case *method.ChannelClose:
		ch.handleChannelClose(m)
	case *method.ChannelFlow:
		ch.handleChannelFlow(m)
	case *method.BasicCancel:
		ch.handleBasicCancel(m)
	default:
		if method.IsAsync(m) {
			ch.log.Debugf("Ignoring %s", method.Name(m))
			return
		}
		ch.deliverReply(m)
	}
}

// handleChannelClose processes a server channel.close
func (ch *Channel) handleChannelClose(m *method.ChannelClose) {
	ch.sendCloseOk()

	err := serverError(ScopeChannel, m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID)
	ch.log.WithFields(logrus.Fields{
		"code":   m.ReplyCode,
		"reason": m.ReplyText,
	}).Warn("Channel closed by server")

	ch.conn.removeChannel(ch)
	ch.conn.metrics.ChannelError(err)
	ch.finish(err)
	go ch.conn.cfg.errorHandler.HandleChannelError(ch, err)
}

// handleChannelFlow processes a server channel.flow
func (ch *Channel) handleChannelFlow(m *method.ChannelFlow) {
	ch.flowActive.Store(m.Active)

	if f, err := method.NewFrame(ch.id, &method.ChannelFlowOk{Active: m.Active}); err == nil {
		_ = ch.conn.send(f)
	}

	ch.listenerMux.Lock()
	defer ch.listenerMux.Unlock()
	for _, c := range ch.flowChans {
		select {
		case c <- m.Active:
		default:
		}
	}
}

// handleBasicCancel processes a consumer cancelled by the server, for
// example because its queue was deleted
func (ch *Channel) handleBasicCancel(m *method.BasicCancel) {
	ch.log.WithField("consumer", m.ConsumerTag).Warn("Consumer cancelled by server")

	if !m.NoWait {
		if f, err := method.NewFrame(ch.id, &method.BasicCancelOk{ConsumerTag: m.ConsumerTag}); err == nil {
			_ = ch.conn.send(f)
		}
	}
}

// handleHeaderFrame processes a content header
func (ch *Channel) handleHeaderFrame(f *frame.Frame) {
	in := ch.incoming
	if in == nil || in.header != nil {
		ch.abort(protocol.ReplyUnexpectedFrame, "unexpected content header", nil)
		return
	}

	h, err := method.DecodeHeader(f)
	if err != nil {
		ch.abort(protocol.ReplyUnexpectedFrame, "malformed content header", err)
		return
	}
	if h.ClassID != protocol.ClassBasic {
		ch.abort(protocol.ReplyUnexpectedFrame, fmt.Sprintf("content header for class %d", h.ClassID), nil)
		return
	}

	in.header = h
	if h.BodySize == 0 {
		ch.completeContent()
		return
	}
	if h.BodySize <= maxBodyPrealloc {
		in.body = make([]byte, 0, h.BodySize)
	}
}

// handleBodyFrame processes a content body frame
func (ch *Channel) handleBodyFrame(f *frame.Frame) {
	in := ch.incoming
	if in == nil || in.header == nil {
		ch.abort(protocol.ReplyUnexpectedFrame, "unexpected content body", nil)
		return
	}

	in.body = append(in.body, f.Payload...)

	switch size := uint64(len(in.body)); {
	case size > in.header.BodySize:
		ch.abort(protocol.ReplyUnexpectedFrame, fmt.Sprintf("content body of %d bytes exceeds declared %d", size, in.header.BodySize), nil)
	case size == in.header.BodySize:
		ch.completeContent()
	}
}

// completeContent hands a fully reassembled message to its consumer
func (ch *Channel) completeContent() {
	in := ch.incoming
	ch.incoming = nil

	if in.deliver != nil {
		env := &Envelope{
			channel:     ch,
			channelID:   ch.id,
			consumerTag: in.deliver.ConsumerTag,
			deliveryTag: in.deliver.DeliveryTag,
			redelivered: in.deliver.Redelivered,
			exchange:    in.deliver.Exchange,
			routingKey:  in.deliver.RoutingKey,
			properties:  in.header.Properties,
			body:        in.body,
			seq:         ch.conn.deliverySeq.Add(1),
		}

		ch.mu.Lock()
		ch.queue = append(ch.queue, env)
		ch.mu.Unlock()

		ch.arrivals.Broadcast()
		ch.conn.deliveries.Broadcast()
		return
	}

	ch.conn.metrics.MessageReturned()
	ch.dispatchReturn(Return{
		ReplyCode:  in.ret.ReplyCode,
		ReplyText:  in.ret.ReplyText,
		Exchange:   in.ret.Exchange,
		RoutingKey: in.ret.RoutingKey,
		Properties: in.header.Properties,
		Body:       in.body,
	})
}

// abort closes the channel after the server broke the protocol on it.
// channel.close is sent with code; the id stays reserved until close-ok.
func (ch *Channel) abort(code int, reason string, cause error) {
	ch.incoming = nil

	err := &Error{Kind: KindProtocol, Scope: ScopeChannel, Code: code, Reason: reason, Err: cause}
	ch.log.WithError(err).Warn("Closing channel after protocol error")

	ch.sendClose(code, reason)
	ch.finish(err)
	ch.conn.metrics.ChannelError(err)
	go ch.conn.cfg.errorHandler.HandleChannelError(ch, err)
}

// sendClose sends channel.close without waiting for close-ok
func (ch *Channel) sendClose(code int, reason string) {
	f, err := method.NewFrame(ch.id, &method.ChannelClose{ReplyCode: uint16(code), ReplyText: reason})
	if err != nil {
		return
	}
	if ch.conn.send(f) == nil {
		ch.lingering.Store(true)
	}
}

func (ch *Channel) sendCloseOk() {
	if f, err := method.NewFrame(ch.id, &method.ChannelCloseOk{}); err == nil {
		_ = ch.conn.send(f)
	}
}

// finish moves the channel to closed, fails pending calls with err and
// wakes consumers. The first call wins.
func (ch *Channel) finish(err error) {
	ch.terminate(err, err)
}

// terminate is finish with a separate error for the calls still waiting on
// a reply
func (ch *Channel) terminate(err, pendingErr error) {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		wasOpen := ch.GetState() != ChannelStateUnopened
		ch.state.Store(int32(ChannelStateClosed))
		ch.closeErr = err
		ch.failExpectationsLocked(pendingErr)
		ch.mu.Unlock()

		close(ch.closed)
		ch.arrivals.Broadcast()
		ch.conn.deliveries.Broadcast()

		closeErr := notifyError(err)

		ch.listenerMux.Lock()
		ch.listenersClosed = true
		for _, c := range ch.closeChans {
			if closeErr != nil {
				select {
				case c <- closeErr:
				default:
				}
			}
			close(c)
		}
		for _, c := range ch.returnChans {
			close(c)
		}
		for _, c := range ch.flowChans {
			close(c)
		}
		ch.closeChans, ch.returnChans, ch.flowChans = nil, nil, nil
		ch.returnListeners = nil
		ch.listenerMux.Unlock()

		if wasOpen {
			ch.conn.metrics.ChannelClosed()
		}
	})
}

// notifyError is what NotifyClose listeners receive for err: the server or
// connection error behind it, nil for a clean close
func notifyError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return asError(err)
	}
	if e.Kind == KindClosed && e.Scope == ScopeChannel {
		return notifyError(e.Err)
	}
	return e
}

// closedError is returned by operations on a closed channel. It matches
// ErrChannelClosed and unwraps to the cause. ch.mu must not be held.
func (ch *Channel) closedError() error {
	cause := ch.Err()
	var e *Error
	if errors.As(cause, &e) && e.Kind == KindClosed && e.Scope == ScopeChannel {
		return e
	}
	return &Error{Kind: KindClosed, Scope: ScopeChannel, Reason: "channel closed", Err: cause}
}

// Close closes the channel
func (ch *Channel) Close() error {
	return ch.CloseWithCode(protocol.ReplySuccess, "Normal shutdown")
}

// CloseWithCode sends channel.close and waits for close-ok. The channel is
// closed afterwards whatever the outcome; closing twice is a no-op.
func (ch *Channel) CloseWithCode(code int, text string) error {
	if !ch.state.CompareAndSwap(int32(ChannelStateOpen), int32(ChannelStateClosing)) {
		return nil
	}

	_, err := invoke[*method.ChannelCloseOk](context.Background(), ch, &method.ChannelClose{
		ReplyCode: uint16(code),
		ReplyText: text,
	}, false)

	ch.finish(&Error{Kind: KindClosed, Scope: ScopeChannel, Reason: "channel closed by client"})

	if errors.Is(err, ErrTimeout) {
		// close-ok may still come, the reader frees the id then
		ch.lingering.Store(true)
		return err
	}
	ch.conn.removeChannel(ch)

	if errors.Is(err, ErrServer) {
		// the server closed it first
		return nil
	}
	return err
}

// Publish publishes a message. Method, header and body frames are written
// back to back so content from other goroutines never interleaves.
func (ch *Channel) Publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	if ch.GetState() != ChannelStateOpen {
		return ch.closedError()
	}

	methodFrame, err := method.NewFrame(ch.id, &method.BasicPublish{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  mandatory,
		Immediate:  immediate,
	})
	if err != nil {
		return &Error{Kind: KindUsage, Scope: ScopeChannel, Reason: "encode basic.publish", Err: err}
	}

	headerFrame, err := method.NewHeaderFrame(ch.id, uint64(len(msg.Body)), msg.Properties)
	if err != nil {
		return &Error{Kind: KindUsage, Scope: ScopeChannel, Reason: "encode properties", Err: err}
	}

	bodyFrames := frame.SplitBody(ch.id, msg.Body, ch.conn.FrameMax())

	frames := make([]*frame.Frame, 0, 2+len(bodyFrames))
	frames = append(frames, methodFrame, headerFrame)
	frames = append(frames, bodyFrames...)

	if err := ch.conn.send(frames...); err != nil {
		return err
	}

	ch.conn.metrics.MessagePublished()
	return nil
}

// BasicAck acknowledges a delivery, or every delivery up to and including
// deliveryTag when multiple is set
func (ch *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	if err := ch.sendAsync(&method.BasicAck{DeliveryTag: deliveryTag, Multiple: multiple}); err != nil {
		return err
	}
	ch.conn.metrics.MessageAcked()
	return nil
}

// BasicNack negatively acknowledges deliveries. multiple and requeue are
// independent. The server must support the basic.nack capability.
func (ch *Channel) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	if !ch.conn.SupportsCapability("basic.nack") {
		return &Error{Kind: KindUnsupported, Scope: ScopeChannel, Reason: "server does not support basic.nack"}
	}
	if err := ch.sendAsync(&method.BasicNack{DeliveryTag: deliveryTag, Multiple: multiple, Requeue: requeue}); err != nil {
		return err
	}
	ch.conn.metrics.MessageNacked()
	return nil
}

// BasicReject rejects a single delivery
func (ch *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	if err := ch.sendAsync(&method.BasicReject{DeliveryTag: deliveryTag, Requeue: requeue}); err != nil {
		return err
	}
	ch.conn.metrics.MessageRejected()
	return nil
}

// sendAsync sends a method that has no reply
func (ch *Channel) sendAsync(m method.Method) error {
	if ch.GetState() != ChannelStateOpen {
		return ch.closedError()
	}

	f, err := method.NewFrame(ch.id, m)
	if err != nil {
		return &Error{Kind: KindUsage, Scope: ScopeChannel, Reason: "encode " + method.Name(m), Err: err}
	}
	return ch.conn.send(f)
}

// IsFlowActive reports whether the server allows publishing on this channel
func (ch *Channel) IsFlowActive() bool {
	return ch.flowActive.Load()
}

// NotifyClose registers a channel that receives the error that closed
// this channel, if any, and is then closed
func (ch *Channel) NotifyClose(c chan *Error) chan *Error {
	ch.listenerMux.Lock()
	defer ch.listenerMux.Unlock()

	if ch.listenersClosed {
		close(c)
		return c
	}
	ch.closeChans = append(ch.closeChans, c)
	return c
}

// NotifyFlow registers a channel for channel.flow changes
func (ch *Channel) NotifyFlow(c chan bool) chan bool {
	ch.listenerMux.Lock()
	defer ch.listenerMux.Unlock()

	if ch.listenersClosed {
		close(c)
		return c
	}
	ch.flowChans = append(ch.flowChans, c)
	return c
}
