package amqp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/israelio/amqpcore/internal/amqptest"
	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/protocol"
)

func TestNewChannelIDs(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	c := openConnection(t, srv)

	ch1 := openChannel(t, c)
	ch2 := openChannel(t, c)
	assert.Equal(t, ch1.ID(), uint16(1))
	assert.Equal(t, ch2.ID(), uint16(2))
	assert.Equal(t, c.GetChannelCount(), 2)

	assert.NilError(t, ch1.Close())
	assert.Equal(t, ch1.GetState(), ChannelStateClosed)
	assert.Equal(t, c.GetChannelCount(), 1)

	// the lowest free id is reused
	ch3 := openChannel(t, c)
	assert.Equal(t, ch3.ID(), uint16(1))

	got, ok := c.GetChannel(2)
	assert.Assert(t, ok)
	assert.Equal(t, got, ch2)
}

func TestOpenChannelErrors(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{ChannelMax: 8})
	c := openConnection(t, srv)
	ctx := testContext(t)

	_, err := c.OpenChannel(ctx, 0)
	assert.Check(t, errors.Is(err, ErrInvalidChannel))

	_, err = c.OpenChannel(ctx, 9)
	assert.Check(t, errors.Is(err, ErrInvalidChannel))

	ch, err := c.OpenChannel(ctx, 8)
	assert.NilError(t, err)
	assert.Equal(t, ch.ID(), uint16(8))

	_, err = c.OpenChannel(ctx, 8)
	assert.Check(t, errors.Is(err, ErrAlreadyOpen))
	assert.Check(t, errors.Is(err, ErrUsage))
}

func TestNoFreeChannel(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{ChannelMax: 2})
	c := openConnection(t, srv)

	openChannel(t, c)
	openChannel(t, c)

	_, err := c.NewChannel(testContext(t))
	assert.Check(t, errors.Is(err, ErrNoFreeChannel))
}

func TestNewChannelBeforeLogin(t *testing.T) {
	c := NewConnection()
	_, err := c.NewChannel(context.Background())
	assert.Check(t, errors.Is(err, ErrConnectionNotOpen))
}

func TestChannelCloseIdempotent(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	c := openConnection(t, srv)
	ch := openChannel(t, c)

	closed := ch.NotifyClose(make(chan *Error, 1))

	assert.NilError(t, ch.Close())
	assert.NilError(t, ch.Close())
	assert.Check(t, ch.IsClosed())

	// a clean close closes the listener without an error
	err, ok := <-closed
	assert.Check(t, !ok)
	assert.Check(t, err == nil)

	err2 := ch.Publish("", "q", false, false, Publishing{Body: []byte("x")})
	assert.Check(t, errors.Is(err2, ErrChannelClosed))

	_, err2 = ch.BasicConsume(testContext(t), "q", "", ConsumeOptions{})
	assert.Check(t, errors.Is(err2, ErrChannelClosed))
}

func TestConcurrentCallRejected(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	srv.DelayReply(protocol.ClassExchange, protocol.MethodExchangeDeclare, 300*time.Millisecond)

	c := openConnection(t, srv)
	ch := openChannel(t, c)
	ctx := testContext(t)

	first := make(chan error, 1)
	go func() {
		first <- ch.ExchangeDeclare(ctx, "slow", ExchangeDirect, ExchangeDeclareOptions{})
	}()

	waitFor(t, "first call in flight", func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.rpc) == 1
	})

	err := ch.ExchangeDeclare(ctx, "other", ExchangeDirect, ExchangeDeclareOptions{})
	assert.Check(t, errors.Is(err, ErrRPCInProgress))
	assert.Check(t, errors.Is(err, ErrUsage))

	assert.NilError(t, <-first)
	assert.Check(t, srv.HasExchange("slow"))
	assert.Check(t, !srv.HasExchange("other"))

	// the channel is usable again
	assert.NilError(t, ch.ExchangeDeclare(ctx, "other", ExchangeDirect, ExchangeDeclareOptions{}))
}

func TestLateReplyDiscarded(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	srv.DelayReply(protocol.ClassExchange, protocol.MethodExchangeDeclare, 300*time.Millisecond)

	logger, hook := testLogger()
	c := openConnection(t, srv, WithLogger(logger), WithRPCTimeout(100*time.Millisecond))
	ch := openChannel(t, c)
	ctx := testContext(t)

	err := ch.ExchangeDeclare(ctx, "slow", ExchangeDirect, ExchangeDeclareOptions{})
	assert.Check(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Equal(t, ch.GetState(), ChannelStateOpen)

	waitFor(t, "late reply", func() bool {
		return hasEntry(hook, logrus.DebugLevel, "Discarding late exchange.declare-ok")
	})

	srv.ClearReplyHooks()
	assert.NilError(t, ch.ExchangeDeclare(ctx, "fast", ExchangeFanout, ExchangeDeclareOptions{}))

	ch.mu.Lock()
	pending := len(ch.rpc)
	ch.mu.Unlock()
	assert.Equal(t, pending, 0)
}

func TestCallCancelled(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	srv.DropReply(protocol.ClassBasic, protocol.MethodBasicQos)

	c := openConnection(t, srv)
	ch := openChannel(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := ch.Qos(ctx, 10, 0, false)
	assert.Check(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestPassiveDeclareNotFound(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})

	logger, hook := testLogger()
	metrics := NewStandardMetricsCollector()
	c := openConnection(t, srv, WithLogger(logger), WithMetrics(metrics))
	ch := openChannel(t, c)

	err := ch.ExchangeDeclarePassive(testContext(t), "missing", ExchangeDirect)
	assert.Assert(t, err != nil)

	var e *Error
	assert.Assert(t, errors.As(err, &e))
	assert.Equal(t, e.Kind, KindServer)
	assert.Equal(t, e.Scope, ScopeChannel)
	assert.Equal(t, e.Code, protocol.ReplyNotFound)
	assert.Equal(t, e.ClassID, uint16(protocol.ClassExchange))
	assert.Check(t, is.Contains(e.Reason, "missing"))
	assert.Check(t, errors.Is(err, ErrNotFound))

	assert.Equal(t, ch.GetState(), ChannelStateClosed)
	assert.Check(t, errors.Is(ch.Err(), ErrNotFound))
	assert.Equal(t, c.GetChannelCount(), 0)
	assert.Equal(t, metrics.GetChannelErrors(), int64(1))
	assert.Check(t, hasEntry(hook, logrus.WarnLevel, "Channel closed by server"))

	// later calls report the closed channel and its cause
	err = ch.ExchangeDeclare(testContext(t), "x", ExchangeDirect, ExchangeDeclareOptions{})
	assert.Check(t, errors.Is(err, ErrChannelClosed))
	assert.Check(t, errors.Is(err, ErrNotFound))

	// the connection survives a channel error
	assert.Equal(t, c.GetState(), StateOpen)
	ch2 := openChannel(t, c)
	assert.NilError(t, ch2.ExchangeDeclare(testContext(t), "orders", ExchangeTopic, ExchangeDeclareOptions{Durable: true}))
	assert.NilError(t, ch2.ExchangeDeclarePassive(testContext(t), "orders", ExchangeTopic))
}

func TestExchangeDeclareMismatch(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	srv.DeclareExchange("logs", ExchangeFanout)

	c := openConnection(t, srv)
	ch := openChannel(t, c)

	err := ch.ExchangeDeclare(testContext(t), "logs", ExchangeDirect, ExchangeDeclareOptions{})
	assert.Check(t, errors.Is(err, ErrPreconditionFailed))
	assert.Check(t, ch.IsClosed())
}

func TestExchangeDelete(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	srv.DeclareExchange("old", ExchangeDirect)

	c := openConnection(t, srv)
	ch := openChannel(t, c)
	ctx := testContext(t)

	assert.NilError(t, ch.ExchangeDelete(ctx, "old", ExchangeDeleteOptions{}))
	assert.Check(t, !srv.HasExchange("old"))

	assert.NilError(t, ch.ExchangeDeclare(ctx, "tmp", ExchangeDirect, ExchangeDeclareOptions{NoWait: true}))
	assert.NilError(t, ch.ExchangeDelete(ctx, "tmp", ExchangeDeleteOptions{NoWait: true}))
	// a synchronous call after the no-wait ones orders them
	assert.NilError(t, ch.Qos(ctx, 1, 0, false))
	assert.Check(t, !srv.HasExchange("tmp"))
}

func TestServerClosesChannel(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	c := openConnection(t, srv)
	ch := openChannel(t, c)

	closed := ch.NotifyClose(make(chan *Error, 1))
	assert.NilError(t, srv.CloseChannel(ch.ID(), protocol.ReplyResourceLocked, "RESOURCE_LOCKED - queue in use"))

	err := receiveError(t, closed)
	assert.Assert(t, err != nil)
	assert.Equal(t, err.Code, protocol.ReplyResourceLocked)
	assert.Equal(t, err.Scope, ScopeChannel)
	assert.Check(t, err.Server())

	waitFor(t, "channel removal", func() bool { return c.GetChannelCount() == 0 })
	assert.Equal(t, c.GetState(), StateOpen)
}

func TestPublishSplitsBody(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{FrameMax: protocol.FrameMinSize})
	srv.DeclareQueue("big")

	metrics := NewStandardMetricsCollector()
	c := openConnection(t, srv, WithMetrics(metrics))
	assert.Equal(t, c.FrameMax(), uint32(protocol.FrameMinSize))
	ch := openChannel(t, c)

	body := bytes.Repeat([]byte("0123456789"), 1500)
	props := Properties{ContentType: "text/plain", DeliveryMode: Persistent, Headers: Table{"k": "v"}}
	assert.NilError(t, ch.Publish("", "big", false, false, Publishing{Properties: props, Body: body}))

	waitFor(t, "publish", func() bool { return len(srv.Published()) == 1 })

	msg := srv.Published()[0]
	assert.Check(t, bytes.Equal(msg.Body, body))
	assert.Equal(t, msg.RoutingKey, "big")
	assert.Equal(t, msg.Properties.ContentType, "text/plain")
	assert.Equal(t, msg.Properties.DeliveryMode, uint8(Persistent))
	assert.Check(t, srv.MaxBodyFrame() <= protocol.FrameMinSize-8, "body frame of %d bytes", srv.MaxBodyFrame())
	assert.Equal(t, metrics.GetMessagesPublished(), int64(1))
}

func TestPublishEmptyBody(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	srv.DeclareQueue("q")

	c := openConnection(t, srv)
	ch := openChannel(t, c)

	assert.NilError(t, ch.Publish("", "q", false, false, Publishing{}))
	waitFor(t, "publish", func() bool { return srv.QueueDepth("q") == 1 })
}

func TestPublishConcurrent(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{FrameMax: protocol.FrameMinSize})
	srv.DeclareQueue("q")

	c := openConnection(t, srv)
	ch := openChannel(t, c)

	const publishers, each = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			body := bytes.Repeat([]byte{b}, 6000)
			for j := 0; j < each; j++ {
				if err := ch.Publish("", "q", false, false, Publishing{Body: body}); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}(byte('a' + i))
	}
	wg.Wait()

	waitFor(t, "all publishes", func() bool { return len(srv.Published()) == publishers*each })
	for _, msg := range srv.Published() {
		assert.Equal(t, len(msg.Body), 6000)
		assert.Check(t, bytes.Count(msg.Body, msg.Body[:1]) == 6000, "interleaved body")
	}
}

func TestMandatoryReturn(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})

	metrics := NewStandardMetricsCollector()
	c := openConnection(t, srv, WithMetrics(metrics))
	ch := openChannel(t, c)

	returns := ch.NotifyReturn(make(chan Return, 1))
	listened := make(chan Return, 1)
	ch.AddReturnListener(ReturnListenerFunc(func(ret Return) { listened <- ret }))

	err := ch.Publish("", "nowhere", true, false, Publishing{
		Properties: Properties{MessageId: "m-1"},
		Body:       []byte("lost"),
	})
	assert.NilError(t, err)

	for _, rc := range []chan Return{returns, listened} {
		select {
		case ret := <-rc:
			assert.Equal(t, ret.ReplyCode, uint16(protocol.ReplyNoRoute))
			assert.Equal(t, ret.RoutingKey, "nowhere")
			assert.Equal(t, ret.Properties.MessageId, "m-1")
			assert.Equal(t, string(ret.Body), "lost")
		case <-time.After(testTimeout):
			t.Fatal("no return received")
		}
	}
	assert.Equal(t, metrics.GetMessagesReturned(), int64(1))

	// a return is not a reply and does not disturb calls
	assert.NilError(t, ch.Qos(testContext(t), 5, 0, false))
}

type recordingErrorHandler struct {
	mu      sync.Mutex
	returns []error
	chans   []error
	conns   []error
}

func (h *recordingErrorHandler) HandleConnectionError(conn *Connection, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = append(h.conns, err)
}

func (h *recordingErrorHandler) HandleChannelError(ch *Channel, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chans = append(h.chans, err)
}

func (h *recordingErrorHandler) HandleReturnListenerError(ch *Channel, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.returns = append(h.returns, err)
}

func (h *recordingErrorHandler) counts() (conns, chans, returns int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns), len(h.chans), len(h.returns)
}

func TestUnhandledReturnReported(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})

	handler := &recordingErrorHandler{}
	c := openConnection(t, srv, WithErrorHandler(handler))
	ch := openChannel(t, c)

	assert.NilError(t, ch.Publish("", "nowhere", true, false, Publishing{Body: []byte("x")}))
	waitFor(t, "return report", func() bool {
		_, _, returns := handler.counts()
		return returns == 1
	})

	handler.mu.Lock()
	err := handler.returns[0]
	handler.mu.Unlock()
	assert.Check(t, errors.Is(err, ErrNoRoute))
}

func TestMalformedContentClosesChannel(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})

	handler := &recordingErrorHandler{}
	c := openConnection(t, srv, WithErrorHandler(handler))
	ch := openChannel(t, c)
	closed := ch.NotifyClose(make(chan *Error, 1))

	// a content header with no basic.deliver before it
	hf, err := method.NewHeaderFrame(ch.ID(), 5, Properties{})
	assert.NilError(t, err)
	assert.NilError(t, srv.SendFrames(hf))

	e := receiveError(t, closed)
	assert.Equal(t, e.Kind, KindProtocol)
	assert.Equal(t, e.Scope, ScopeChannel)
	assert.Equal(t, e.Code, protocol.ReplyUnexpectedFrame)
	assert.Check(t, ch.IsClosed())

	// the id stays taken until the broker confirms the close
	waitFor(t, "close-ok", func() bool { return c.GetChannelCount() == 0 })
	assert.Equal(t, c.GetState(), StateOpen)

	waitFor(t, "channel error handler", func() bool {
		_, chans, _ := handler.counts()
		return chans == 1
	})
}

func TestAddReturnListenerAfterClose(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	c := openConnection(t, srv)
	ch := openChannel(t, c)
	assert.NilError(t, ch.Close())

	ch.AddReturnListener(ReturnListenerFunc(func(Return) {}))

	ch.listenerMux.Lock()
	defer ch.listenerMux.Unlock()
	assert.Equal(t, len(ch.returnListeners), 0)
}

func TestBodyLongerThanDeclared(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	srv.DeclareQueue("q")

	c := openConnection(t, srv)
	ch := openChannel(t, c)
	closed := ch.NotifyClose(make(chan *Error, 1))

	df, err := method.NewFrame(ch.ID(), &method.BasicDeliver{ConsumerTag: "c", DeliveryTag: 1, RoutingKey: "q"})
	assert.NilError(t, err)
	hf, err := method.NewHeaderFrame(ch.ID(), 2, Properties{})
	assert.NilError(t, err)
	bf := frame.NewBodyFrame(ch.ID(), []byte("too long"))
	assert.NilError(t, srv.SendFrames(df, hf, bf))

	e := receiveError(t, closed)
	assert.Equal(t, e.Code, protocol.ReplyUnexpectedFrame)
	assert.Equal(t, ch.pending(), 0)
}

func TestChannelFlow(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	c := openConnection(t, srv)
	ch := openChannel(t, c)
	flow := ch.NotifyFlow(make(chan bool, 1))

	assert.Check(t, ch.IsFlowActive())
	assert.NilError(t, srv.Send(ch.ID(), &method.ChannelFlow{Active: false}))

	select {
	case active := <-flow:
		assert.Check(t, !active)
	case <-time.After(testTimeout):
		t.Fatal("no flow notification")
	}
	assert.Check(t, !ch.IsFlowActive())

	// the broker ignores flow-ok, the channel stays open
	assert.NilError(t, ch.Qos(testContext(t), 1, 0, false))
}

func TestServerCancelsConsumer(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})

	logger, hook := testLogger()
	c := openConnection(t, srv, WithLogger(logger))
	ch := openChannel(t, c)

	assert.NilError(t, srv.Send(ch.ID(), &method.BasicCancel{ConsumerTag: "ctag-1"}))
	waitFor(t, "cancel", func() bool {
		return hasEntry(hook, logrus.WarnLevel, "Consumer cancelled by server")
	})
	assert.NilError(t, ch.Qos(testContext(t), 1, 0, false))
}

func TestCloseWhileCallPending(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	srv.DropReply(protocol.ClassBasic, protocol.MethodBasicQos)

	c := openConnection(t, srv)
	ch := openChannel(t, c)

	done := make(chan error, 1)
	go func() { done <- ch.Qos(testContext(t), 1, 0, false) }()

	waitFor(t, "call in flight", func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.rpc) == 1
	})
	assert.NilError(t, ch.Close())

	err := <-done
	assert.Check(t, errors.Is(err, ErrChannelClosed), "got %v", err)
}

func TestOpenChannelTimeoutLingers(t *testing.T) {
	srv := amqptest.NewServer(t, amqptest.Config{})
	c := openConnection(t, srv, WithRPCTimeout(100*time.Millisecond))

	srv.DelayReply(protocol.ClassChannel, protocol.MethodChannelOpen, 300*time.Millisecond)
	_, err := c.NewChannel(testContext(t))
	assert.Check(t, errors.Is(err, ErrTimeout), "got %v", err)

	// open-ok then close-ok arrive late, after which the id is free again
	waitFor(t, "lingering channel", func() bool { return c.GetChannelCount() == 0 })

	srv.ClearReplyHooks()
	ch := openChannel(t, c)
	assert.Equal(t, ch.ID(), uint16(1))
}
