package amqp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/israelio/amqpcore/internal/protocol"
	"github.com/israelio/amqpcore/internal/transport"
)

// ErrorKind classifies an Error
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindProtocol
	KindServer
	KindUsage
	KindTimeout
	KindClosed
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	case KindUsage:
		return "usage"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Scope says whether an error ended a channel or the whole connection
type Scope int

const (
	ScopeNone Scope = iota
	ScopeConnection
	ScopeChannel
)

func (s Scope) String() string {
	switch s {
	case ScopeConnection:
		return "connection"
	case ScopeChannel:
		return "channel"
	default:
		return "none"
	}
}

// Error represents an AMQP client or server error.
//
// Server errors carry the reply code and text from connection.close or
// channel.close, together with the class and method the server blamed.
type Error struct {
	Kind     ErrorKind
	Scope    Scope
	Code     int
	Reason   string
	ClassID  uint16
	MethodID uint16
	Err      error

	// set on the package-level sentinels that match by kind/scope/code
	matcher bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("amqp")
	if e.Scope != ScopeNone {
		b.WriteString(" ")
		b.WriteString(e.Scope.String())
	}
	b.WriteString(" ")
	b.WriteString(e.Kind.String())
	b.WriteString(" error")

	if e.Code != 0 {
		fmt.Fprintf(&b, " %d", e.Code)
		if name := protocol.ReplyName(e.Code); name != "" {
			fmt.Fprintf(&b, " (%s)", name)
		}
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.ClassID != 0 || e.MethodID != 0 {
		fmt.Fprintf(&b, " [class %d, method %d]", e.ClassID, e.MethodID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind, scope and code sentinels. Zero fields in the
// sentinel act as wildcards.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.matcher {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Scope != ScopeNone && t.Scope != e.Scope {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

// Server reports whether the error came from a server close
func (e *Error) Server() bool {
	return e.Kind == KindServer
}

func matcher(kind ErrorKind, scope Scope, code int, reason string) *Error {
	return &Error{Kind: kind, Scope: scope, Code: code, Reason: reason, matcher: true}
}

func usage(reason string) *Error {
	return &Error{Kind: KindUsage, Reason: reason}
}

// Kind sentinels
var (
	ErrTransport   = matcher(KindTransport, ScopeNone, 0, "transport failure")
	ErrProtocol    = matcher(KindProtocol, ScopeNone, 0, "protocol violation")
	ErrServer      = matcher(KindServer, ScopeNone, 0, "server error")
	ErrUsage       = matcher(KindUsage, ScopeNone, 0, "invalid use")
	ErrTimeout     = matcher(KindTimeout, ScopeNone, 0, "timed out")
	ErrUnsupported = matcher(KindUnsupported, ScopeNone, 0, "unsupported")

	ErrClosed        = matcher(KindClosed, ScopeConnection, 0, "connection closed")
	ErrChannelClosed = matcher(KindClosed, ScopeChannel, 0, "channel closed")
)

// Usage errors. These match only themselves and ErrUsage.
var (
	ErrRPCInProgress     = usage("another synchronous call is in progress on this channel")
	ErrAlreadyOpen       = usage("already open")
	ErrConnectionNotOpen = usage("connection not open")
	ErrInvalidChannel    = usage("invalid channel id")
	ErrNoFreeChannel     = usage("no free channel id")
	ErrAlreadyLoggedIn   = usage("connection already logged in")
)

// Server reply code sentinels
var (
	ErrContentTooLarge    = matcher(KindServer, ScopeNone, protocol.ReplyContentTooLarge, "content too large")
	ErrNoRoute            = matcher(KindServer, ScopeNone, protocol.ReplyNoRoute, "no route")
	ErrNoConsumers        = matcher(KindServer, ScopeNone, protocol.ReplyNoConsumers, "no consumers")
	ErrConnectionForced   = matcher(KindServer, ScopeNone, protocol.ReplyConnectionForced, "connection forced")
	ErrInvalidPath        = matcher(KindServer, ScopeNone, protocol.ReplyInvalidPath, "invalid path")
	ErrAccessRefused      = matcher(KindServer, ScopeNone, protocol.ReplyAccessRefused, "access refused")
	ErrNotFound           = matcher(KindServer, ScopeNone, protocol.ReplyNotFound, "resource not found")
	ErrResourceLocked     = matcher(KindServer, ScopeNone, protocol.ReplyResourceLocked, "resource locked")
	ErrPreconditionFailed = matcher(KindServer, ScopeNone, protocol.ReplyPreconditionFailed, "precondition failed")
	ErrFrameError         = matcher(KindServer, ScopeNone, protocol.ReplyFrameError, "frame error")
	ErrSyntaxError        = matcher(KindServer, ScopeNone, protocol.ReplySyntaxError, "syntax error")
	ErrCommandInvalid     = matcher(KindServer, ScopeNone, protocol.ReplyCommandInvalid, "command invalid")
	ErrChannelError       = matcher(KindServer, ScopeNone, protocol.ReplyChannelError, "channel error")
	ErrUnexpectedFrame    = matcher(KindServer, ScopeNone, protocol.ReplyUnexpectedFrame, "unexpected frame")
	ErrResourceError      = matcher(KindServer, ScopeNone, protocol.ReplyResourceError, "resource error")
	ErrNotAllowed         = matcher(KindServer, ScopeNone, protocol.ReplyNotAllowed, "not allowed")
	ErrNotImplemented     = matcher(KindServer, ScopeNone, protocol.ReplyNotImplemented, "not implemented")
	ErrInternalError      = matcher(KindServer, ScopeNone, protocol.ReplyInternalError, "internal error")
)

// serverError builds the error for a connection.close or channel.close
// received from the broker
func serverError(scope Scope, code uint16, text string, classID, methodID uint16) *Error {
	return &Error{
		Kind:     KindServer,
		Scope:    scope,
		Code:     int(code),
		Reason:   text,
		ClassID:  classID,
		MethodID: methodID,
	}
}

// transportError wraps a socket failure. Failures caused by a closed
// socket are reported as KindClosed.
func transportError(err error) *Error {
	if err == nil {
		return nil
	}
	var amqpErr *Error
	if errors.As(err, &amqpErr) {
		return amqpErr
	}
	switch transport.KindOf(err) {
	case transport.KindClosed:
		return &Error{Kind: KindClosed, Scope: ScopeConnection, Reason: "connection closed", Err: err}
	case transport.KindTimeout:
		return &Error{Kind: KindTimeout, Scope: ScopeConnection, Reason: "socket timeout", Err: err}
	}
	if errors.Is(err, transport.ErrUnsupported) {
		return &Error{Kind: KindUnsupported, Reason: "unsupported transport option", Err: err}
	}
	return &Error{Kind: KindTransport, Scope: ScopeConnection, Err: err}
}

// HandshakeErrorKind classifies a login failure
type HandshakeErrorKind int

const (
	HandshakeUnexpectedMethod HandshakeErrorKind = iota + 1
	HandshakeServerRejected
	HandshakeTransport
)

func (k HandshakeErrorKind) String() string {
	switch k {
	case HandshakeUnexpectedMethod:
		return "unexpected method"
	case HandshakeServerRejected:
		return "rejected by server"
	case HandshakeTransport:
		return "transport failure"
	default:
		return "unknown"
	}
}

// HandshakeError is returned by Login
type HandshakeError struct {
	Stage string
	Kind  HandshakeErrorKind
	Err   error
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("amqp handshake failed at %s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("amqp handshake failed at %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ReplyText returns the symbolic name of an AMQP reply code
func ReplyText(code int) string {
	if name := protocol.ReplyName(code); name != "" {
		return name
	}
	return fmt.Sprintf("UNKNOWN_REPLY_%d", code)
}

// ErrorString returns a short human readable description of err, naming
// the server reply code when there is one
func ErrorString(err error) string {
	if err == nil {
		return "success"
	}

	var amqpErr *Error
	if errors.As(err, &amqpErr) && amqpErr.Kind == KindServer {
		if amqpErr.Reason != "" {
			return fmt.Sprintf("%s: %s", ReplyText(amqpErr.Code), amqpErr.Reason)
		}
		return ReplyText(amqpErr.Code)
	}

	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return "handshake " + hsErr.Kind.String()
	}

	return err.Error()
}

// ErrorHandler handles connection and channel errors. Each call runs on
// its own goroutine, after the connection or channel was torn down, so a
// handler may close the connection.
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleChannelError(ch *Channel, err error)
	HandleReturnListenerError(ch *Channel, err error)
}

// DefaultErrorHandler logs errors through logrus
type DefaultErrorHandler struct {
	Logger logrus.FieldLogger
}

func (deh *DefaultErrorHandler) logger() logrus.FieldLogger {
	if deh.Logger == nil {
		return logrus.StandardLogger()
	}
	return deh.Logger
}

// HandleConnectionError logs connection errors
func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	deh.logger().WithError(err).Error("Connection error")
}

// HandleChannelError logs channel errors
func (deh *DefaultErrorHandler) HandleChannelError(ch *Channel, err error) {
	deh.logger().WithError(err).WithField("channel", ch.ID()).Warn("Channel error")
}

// HandleReturnListenerError logs returns that no listener could take
func (deh *DefaultErrorHandler) HandleReturnListenerError(ch *Channel, err error) {
	deh.logger().WithError(err).WithField("channel", ch.ID()).Warn("Return listener error")
}
