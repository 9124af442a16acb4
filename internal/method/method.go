// Package method implements the AMQP 0-9-1 method codec: typed method
// structs, their wire encoding, and the basic content-header properties.
package method

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/protocol"
)

var (
	// ErrMalformedFrame is returned for payloads that are truncated, carry
	// trailing bytes, or hold a field that cannot be decoded.
	ErrMalformedFrame = errors.New("malformed method frame")

	// ErrUnknownMethod is returned for class/method ids this codec does not know.
	ErrUnknownMethod = errors.New("unknown method")
)

// Method is a decoded AMQP method. The set of implementations is closed.
type Method interface {
	ID() (classID, methodID uint16)
	write(b *frame.MethodArgsBuilder)
	read(a *frame.MethodArgs)
}

type key uint32

func keyOf(classID, methodID uint16) key {
	return key(uint32(classID)<<16 | uint32(methodID))
}

type entry struct {
	name string
	new  func() Method
}

var registry = map[key]entry{}

func register(name string, fn func() Method) {
	classID, methodID := fn().ID()
	registry[keyOf(classID, methodID)] = entry{name: name, new: fn}
}

// Encode serializes m as class-id, method-id and arguments
func Encode(m Method) ([]byte, error) {
	classID, methodID := m.ID()

	b := frame.NewMethodArgsBuilder()
	b.WriteUint16(classID)
	b.WriteUint16(methodID)
	m.write(b)

	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", Name(m), err)
	}
	return b.Bytes(), nil
}

// Decode parses a method frame payload
func Decode(payload []byte) (Method, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrMalformedFrame, len(payload))
	}

	classID := binary.BigEndian.Uint16(payload[0:2])
	methodID := binary.BigEndian.Uint16(payload[2:4])

	e, ok := registry[keyOf(classID, methodID)]
	if !ok {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnknownMethod, classID, methodID)
	}

	m := e.new()
	args := frame.NewMethodArgs(payload[4:])
	m.read(args)

	if err := args.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, e.name, err)
	}
	if n := args.Remaining(); n > 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformedFrame, e.name, n)
	}

	return m, nil
}

// DecodeFrame decodes the method carried by a method frame
func DecodeFrame(f *frame.Frame) (Method, error) {
	if f.Type != protocol.FrameMethod {
		return nil, fmt.Errorf("%w: not a method frame: type=%d", ErrMalformedFrame, f.Type)
	}
	return Decode(f.Payload)
}

// NewFrame encodes m into a method frame for the given channel
func NewFrame(channelID uint16, m Method) (*frame.Frame, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return frame.NewMethodFrame(channelID, payload), nil
}

// Name returns the dotted AMQP name of m, e.g. "basic.deliver"
func Name(m Method) string {
	classID, methodID := m.ID()
	if e, ok := registry[keyOf(classID, methodID)]; ok {
		return e.name
	}
	return fmt.Sprintf("%d.%d", classID, methodID)
}

// HasContent reports whether m is followed by a content header and body
func HasContent(m Method) bool {
	switch m.(type) {
	case *BasicPublish, *BasicReturn, *BasicDeliver:
		return true
	}
	return false
}

// IsAsync reports whether m may arrive from the server at any time and so
// must never be taken as the reply to a synchronous request.
func IsAsync(m Method) bool {
	switch m.(type) {
	case *BasicDeliver, *BasicReturn, *BasicAck, *BasicNack, *BasicCancel,
		*ChannelFlow, *ChannelClose,
		*ConnectionClose, *ConnectionBlocked, *ConnectionUnblocked:
		return true
	}
	return false
}
