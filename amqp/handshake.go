package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/protocol"
	"github.com/israelio/amqpcore/internal/transport"
)

// SASL mechanisms
const (
	MechanismPlain    = protocol.MechanismPlain
	MechanismExternal = protocol.MechanismExternal
)

// LoginParams are the credentials, vhost and limits proposed at login.
// Zero ChannelMax and FrameMax accept the server's limits; zero Heartbeat
// disables heartbeats.
type LoginParams struct {
	VHost      string
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  time.Duration
	Mechanism  string
	User       string
	Password   string
}

// LoginParams returns PLAIN login parameters for the info's credentials
// and vhost with the default frame size
func (ci ConnectionInfo) LoginParams() LoginParams {
	return LoginParams{
		VHost:     ci.VHost,
		FrameMax:  protocol.FrameDefaultSize,
		Mechanism: MechanismPlain,
		User:      ci.User,
		Password:  ci.Password,
	}
}

// Login runs the AMQP handshake on an opened socket: protocol header,
// start/start-ok, tune/tune-ok and open/open-ok. Limits set with Tune
// replace the ones in params. On failure the connection is unusable and
// the error is a *HandshakeError.
func (c *Connection) Login(ctx context.Context, params LoginParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.GetState() {
	case StateUnopened:
	case StateOpen, StateClosing:
		return ErrAlreadyLoggedIn
	default:
		return c.closedError()
	}
	if c.transport == nil {
		return ErrConnectionNotOpen
	}

	mechanism := strings.ToUpper(params.Mechanism)
	if mechanism == "" {
		mechanism = MechanismPlain
	}
	if mechanism != MechanismPlain && mechanism != MechanismExternal {
		return &Error{Kind: KindUnsupported, Reason: fmt.Sprintf("SASL mechanism %q", params.Mechanism)}
	}
	if len(params.VHost) > protocol.MaxShortStringLen {
		return usage(fmt.Sprintf("vhost longer than %d bytes", protocol.MaxShortStringLen))
	}

	proposal := Tuning{ChannelMax: params.ChannelMax, FrameMax: params.FrameMax, Heartbeat: params.Heartbeat}
	if c.proposal != nil {
		proposal = *c.proposal
	}
	if err := proposal.validate(); err != nil {
		return err
	}

	c.state.Store(int32(StateHandshaking))

	// cancelling ctx unblocks a pending read by closing the socket
	stop := context.AfterFunc(ctx, func() { c.transport.Close() })
	defer stop()

	hs := &handshake{
		ctx:       ctx,
		t:         c.transport,
		log:       c.log,
		timeout:   c.cfg.handshakeTimeout,
		mechanism: mechanism,
	}
	sess, err := hs.run(c.cfg.clientProperties, params, proposal)
	if err != nil {
		c.log.WithError(err).Error("Login failed")
		c.shutdown(err, StateError)
		return err
	}

	c.session.Store(sess)
	c.channelIDs.SetMax(int(sess.tuning.ChannelMax))
	c.start(sess)
	c.metrics.ConnectionCreated()

	c.log.WithFields(logrus.Fields{
		"vhost":       params.VHost,
		"channel_max": sess.tuning.ChannelMax,
		"frame_max":   sess.tuning.FrameMax,
		"heartbeat":   sess.tuning.Heartbeat,
	}).Info("Connection opened")
	return nil
}

// negotiate picks the limits for tune-ok. For channel_max and frame_max
// the server's value wins when it is set and lower than the client's (or
// the client has none); heartbeat takes the server's value only when it is
// set and lower, so a client value of zero disables heartbeats.
func negotiate(client, server Tuning) Tuning {
	t := Tuning{
		ChannelMax: uint16(pick(uint32(client.ChannelMax), uint32(server.ChannelMax))),
		FrameMax:   pick(client.FrameMax, server.FrameMax),
	}
	if t.ChannelMax == 0 {
		t.ChannelMax = protocol.ChannelMaxDefault
	}
	if t.FrameMax == 0 {
		t.FrameMax = protocol.FrameDefaultSize
	}

	hb := seconds(client.Heartbeat)
	if s := seconds(server.Heartbeat); s != 0 && s < hb {
		hb = s
	}
	t.Heartbeat = time.Duration(hb) * time.Second
	return t
}

func pick(client, server uint32) uint32 {
	if server != 0 && (client == 0 || server < client) {
		return server
	}
	return client
}

// seconds converts a heartbeat to the wire value, rounding sub-second
// intervals up to one second
func seconds(d time.Duration) uint16 {
	switch {
	case d <= 0:
		return 0
	case d < time.Second:
		return 1
	case d >= 65535*time.Second:
		return 65535
	}
	return uint16(d / time.Second)
}

// handshake drives the synchronous part of the connection before the
// reader goroutine starts
type handshake struct {
	ctx       context.Context
	t         *transport.Transport
	log       logrus.FieldLogger
	timeout   time.Duration
	mechanism string
	stage     string
}

func (h *handshake) run(clientProps Table, params LoginParams, proposal Tuning) (*session, error) {
	h.stage = "protocol-header"
	if err := h.t.SendProtocolHeader(); err != nil {
		return nil, h.fail(HandshakeTransport, transportError(err))
	}

	h.stage = "connection.start"
	m, err := h.recv()
	if err != nil {
		return nil, err
	}
	start, ok := m.(*method.ConnectionStart)
	if !ok {
		return nil, h.unexpected(m)
	}
	if start.VersionMajor != 0 || start.VersionMinor != 9 {
		return nil, h.fail(HandshakeServerRejected, &Error{
			Kind:   KindUnsupported,
			Reason: fmt.Sprintf("server speaks AMQP %d-%d, want 0-9", start.VersionMajor, start.VersionMinor),
		})
	}
	if !offers(start.Mechanisms, h.mechanism) {
		return nil, h.fail(HandshakeServerRejected, &Error{
			Kind:   KindUnsupported,
			Reason: fmt.Sprintf("server offers SASL mechanisms %q, not %s", start.Mechanisms, h.mechanism),
		})
	}

	h.stage = "connection.start-ok"
	if err := h.send(&method.ConnectionStartOk{
		ClientProperties: clientProps,
		Mechanism:        h.mechanism,
		Response:         saslResponse(h.mechanism, params.User, params.Password),
		Locale:           "en_US",
	}); err != nil {
		return nil, err
	}

	h.stage = "connection.tune"
	m, err = h.recv()
	if err != nil {
		// RabbitMQ drops the socket on bad credentials unless the client
		// announced authentication_failure_close
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) && hsErr.Kind == HandshakeTransport && errors.Is(hsErr.Err, ErrClosed) && h.ctx.Err() == nil {
			hsErr.Kind = HandshakeServerRejected
			hsErr.Err = &Error{
				Kind:   KindClosed,
				Scope:  ScopeConnection,
				Reason: "server closed the connection after start-ok, the login was probably refused",
				Err:    hsErr.Err,
			}
		}
		return nil, err
	}
	tune, ok := m.(*method.ConnectionTune)
	if !ok {
		return nil, h.unexpected(m)
	}

	server := Tuning{
		ChannelMax: tune.ChannelMax,
		FrameMax:   tune.FrameMax,
		Heartbeat:  time.Duration(tune.Heartbeat) * time.Second,
	}
	tuning := negotiate(proposal, server)
	h.log.WithFields(logrus.Fields{
		"server": fmt.Sprintf("%d/%d/%d", tune.ChannelMax, tune.FrameMax, tune.Heartbeat),
		"agreed": fmt.Sprintf("%d/%d/%d", tuning.ChannelMax, tuning.FrameMax, seconds(tuning.Heartbeat)),
	}).Debug("Negotiated connection limits")

	h.stage = "connection.tune-ok"
	if err := h.send(&method.ConnectionTuneOk{
		ChannelMax: tuning.ChannelMax,
		FrameMax:   tuning.FrameMax,
		Heartbeat:  seconds(tuning.Heartbeat),
	}); err != nil {
		return nil, err
	}
	h.t.SetMaxFrameSize(tuning.FrameMax)

	h.stage = "connection.open"
	if err := h.send(&method.ConnectionOpen{VirtualHost: params.VHost}); err != nil {
		return nil, err
	}
	m, err = h.recv()
	if err != nil {
		return nil, err
	}
	if _, ok := m.(*method.ConnectionOpenOk); !ok {
		return nil, h.unexpected(m)
	}

	return &session{
		tuning:           tuning,
		serverProperties: start.ServerProperties,
		mechanism:        h.mechanism,
	}, nil
}

func (h *handshake) fail(kind HandshakeErrorKind, err error) *HandshakeError {
	return &HandshakeError{Stage: h.stage, Kind: kind, Err: err}
}

func (h *handshake) unexpected(m method.Method) *HandshakeError {
	return h.fail(HandshakeUnexpectedMethod, &Error{
		Kind:   KindProtocol,
		Scope:  ScopeConnection,
		Reason: fmt.Sprintf("expected %s, got %s", h.stage, method.Name(m)),
	})
}

func (h *handshake) send(m method.Method) error {
	f, err := method.NewFrame(0, m)
	if err != nil {
		return h.fail(HandshakeTransport, &Error{Kind: KindUsage, Reason: "encode " + method.Name(m), Err: err})
	}
	if err := h.t.Send(f); err != nil {
		return h.fail(HandshakeTransport, transportError(err))
	}
	return nil
}

// recv returns the next method on channel 0. Heartbeats are skipped and a
// connection.close from the server is answered and reported as a rejection.
func (h *handshake) recv() (method.Method, error) {
	for {
		timeout, err := h.readTimeout()
		if err != nil {
			return nil, err
		}

		f, err := h.t.Receive(timeout)
		if err != nil {
			if ctxErr := h.ctx.Err(); ctxErr != nil {
				return nil, h.fail(HandshakeTransport, &Error{Kind: KindTimeout, Scope: ScopeConnection, Reason: "login interrupted", Err: ctxErr})
			}
			var malformed *frame.MalformedError
			if errors.As(err, &malformed) {
				return nil, h.fail(HandshakeUnexpectedMethod, &Error{Kind: KindProtocol, Scope: ScopeConnection, Reason: malformed.Reason, Err: err})
			}
			return nil, h.fail(HandshakeTransport, transportError(err))
		}

		switch {
		case f.Type == protocol.FrameHeartbeat:
			continue
		case f.Type != protocol.FrameMethod || f.ChannelID != 0:
			return nil, h.fail(HandshakeUnexpectedMethod, &Error{
				Kind:   KindProtocol,
				Scope:  ScopeConnection,
				Reason: fmt.Sprintf("expected %s, got %s", h.stage, f),
			})
		}

		m, err := method.DecodeFrame(f)
		if err != nil {
			return nil, h.fail(HandshakeUnexpectedMethod, &Error{Kind: KindProtocol, Scope: ScopeConnection, Err: err})
		}

		if cl, ok := m.(*method.ConnectionClose); ok {
			if f, err := method.NewFrame(0, &method.ConnectionCloseOk{}); err == nil {
				_ = h.t.Send(f)
			}
			return nil, h.fail(HandshakeServerRejected, serverError(ScopeConnection, cl.ReplyCode, cl.ReplyText, cl.ClassID, cl.MethodID))
		}
		return m, nil
	}
}

// readTimeout is the time left before the context deadline, or the
// handshake timeout when there is none
func (h *handshake) readTimeout() (time.Duration, error) {
	deadline, ok := h.ctx.Deadline()
	if !ok {
		return h.timeout, nil
	}
	left := time.Until(deadline)
	if left <= 0 {
		return 0, h.fail(HandshakeTransport, &Error{Kind: KindTimeout, Scope: ScopeConnection, Reason: "login deadline exceeded", Err: context.DeadlineExceeded})
	}
	return left, nil
}

func offers(mechanisms, mechanism string) bool {
	for _, m := range strings.Fields(mechanisms) {
		if m == mechanism {
			return true
		}
	}
	return false
}

func saslResponse(mechanism, user, password string) string {
	if mechanism == MechanismExternal {
		return ""
	}
	return "\x00" + user + "\x00" + password
}
