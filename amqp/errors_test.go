package amqp

import (
	"errors"
	"fmt"
	"io"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/israelio/amqpcore/internal/protocol"
)

func TestErrorIs(t *testing.T) {
	channelClose := serverError(ScopeChannel, protocol.ReplyNotFound, "NOT_FOUND - no queue 'q'", protocol.ClassQueue, 10)
	connClose := serverError(ScopeConnection, protocol.ReplyConnectionForced, "CONNECTION_FORCED - shutdown", 0, 0)
	closed := &Error{Kind: KindClosed, Scope: ScopeChannel, Reason: "channel closed", Err: channelClose}

	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{name: "server kind", err: channelClose, target: ErrServer, want: true},
		{name: "reply code", err: channelClose, target: ErrNotFound, want: true},
		{name: "other reply code", err: channelClose, target: ErrAccessRefused, want: false},
		{name: "connection reply code", err: connClose, target: ErrConnectionForced, want: true},
		{name: "channel closed", err: closed, target: ErrChannelClosed, want: true},
		{name: "channel closed is not connection closed", err: closed, target: ErrClosed, want: false},
		{name: "cause through wrapper", err: closed, target: ErrNotFound, want: true},
		{name: "wrapped with fmt", err: fmt.Errorf("declare: %w", channelClose), target: ErrServer, want: true},
		{name: "wrapped with pkg/errors", err: pkgerrors.Wrap(connClose, "publish"), target: ErrConnectionForced, want: true},
		{name: "usage sentinel matches usage", err: ErrRPCInProgress, target: ErrUsage, want: true},
		{name: "usage sentinel matches itself", err: ErrNoFreeChannel, target: ErrNoFreeChannel, want: true},
		{name: "usage sentinels are distinct", err: ErrNoFreeChannel, target: ErrInvalidChannel, want: false},
		{name: "fresh usage error is not a sentinel", err: usage("bad port"), target: ErrAlreadyOpen, want: false},
		{name: "timeout", err: &Error{Kind: KindTimeout, Scope: ScopeChannel}, target: ErrTimeout, want: true},
		{name: "transport", err: transportError(io.ErrUnexpectedEOF), target: ErrTransport, want: true},
		{name: "non amqp target", err: channelClose, target: io.EOF, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, errors.Is(tc.err, tc.target), tc.want)
		})
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "success"},
		{
			name: "server with text",
			err:  serverError(ScopeChannel, protocol.ReplyPreconditionFailed, "PRECONDITION_FAILED - inequivalent arg", 40, 10),
			want: "PRECONDITION_FAILED: PRECONDITION_FAILED - inequivalent arg",
		},
		{
			name: "server without text",
			err:  serverError(ScopeConnection, protocol.ReplyAccessRefused, "", 0, 0),
			want: "ACCESS_REFUSED",
		},
		{
			name: "handshake",
			err:  &HandshakeError{Stage: "connection.tune", Kind: HandshakeUnexpectedMethod},
			want: "handshake unexpected method",
		},
		{name: "other", err: io.EOF, want: "EOF"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, ErrorString(tc.err), tc.want)
		})
	}
}

func TestReplyText(t *testing.T) {
	assert.Equal(t, ReplyText(protocol.ReplyNotFound), "NOT_FOUND")
	assert.Equal(t, ReplyText(protocol.ReplyConnectionForced), "CONNECTION_FORCED")
	assert.Equal(t, ReplyText(999), "UNKNOWN_REPLY_999")
}

func TestErrorMessage(t *testing.T) {
	err := serverError(ScopeChannel, protocol.ReplyNotFound, "NOT_FOUND - no exchange 'x'", 40, 10)
	assert.Equal(t, err.Error(), "amqp channel server error 404 (NOT_FOUND): NOT_FOUND - no exchange 'x' [class 40, method 10]")
	assert.Check(t, err.Server())

	wrapped := &Error{Kind: KindClosed, Scope: ScopeChannel, Reason: "channel closed", Err: err}
	assert.Check(t, is.Contains(wrapped.Error(), "amqp channel closed error: channel closed: amqp channel server error 404"))
	assert.Check(t, !wrapped.Server())

	var target *Error
	assert.Assert(t, errors.As(wrapped, &target))
	assert.Equal(t, target, wrapped)
}

func TestHandshakeErrorUnwrap(t *testing.T) {
	cause := serverError(ScopeConnection, protocol.ReplyAccessRefused, "ACCESS_REFUSED", 0, 0)
	err := &HandshakeError{Stage: "connection.start-ok", Kind: HandshakeServerRejected, Err: cause}

	assert.Check(t, errors.Is(err, ErrAccessRefused))
	assert.Equal(t, err.Error(), "amqp handshake failed at connection.start-ok: rejected by server: "+cause.Error())
}

func TestTransportErrorPassThrough(t *testing.T) {
	assert.Check(t, transportError(nil) == nil)

	orig := &Error{Kind: KindProtocol, Scope: ScopeConnection, Code: protocol.ReplyFrameError}
	assert.Equal(t, transportError(fmt.Errorf("read: %w", orig)), orig)
}
