package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/israelio/amqpcore/internal/protocol"
)

// Frame represents an AMQP frame
type Frame struct {
	Type      uint8
	ChannelID uint16
	Payload   []byte
}

// Header represents a content header frame payload
type Header struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties []byte
}

// NewMethodFrame wraps an encoded method payload (class, method, args)
func NewMethodFrame(channelID uint16, payload []byte) *Frame {
	return &Frame{
		Type:      protocol.FrameMethod,
		ChannelID: channelID,
		Payload:   payload,
	}
}

// NewHeaderFrame creates a new content header frame
func NewHeaderFrame(channelID uint16, classID uint16, bodySize uint64, properties []byte) *Frame {
	payload := make([]byte, 12+len(properties))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], 0) // weight (unused)
	binary.BigEndian.PutUint64(payload[4:12], bodySize)
	copy(payload[12:], properties)

	return &Frame{
		Type:      protocol.FrameHeader,
		ChannelID: channelID,
		Payload:   payload,
	}
}

// NewBodyFrame creates a new content body frame
func NewBodyFrame(channelID uint16, data []byte) *Frame {
	return &Frame{
		Type:      protocol.FrameBody,
		ChannelID: channelID,
		Payload:   data,
	}
}

// NewHeartbeatFrame creates a new heartbeat frame
func NewHeartbeatFrame() *Frame {
	return &Frame{
		Type:      protocol.FrameHeartbeat,
		ChannelID: 0,
		Payload:   []byte{},
	}
}

// SplitBody cuts a message body into body frames that fit frameMax.
// An empty body yields no frames.
func SplitBody(channelID uint16, body []byte, frameMax uint32) []*Frame {
	if len(body) == 0 {
		return nil
	}

	maxPayload := int(frameMax) - protocol.FrameHeaderSize - protocol.FrameEndSize
	if maxPayload <= 0 {
		maxPayload = protocol.FrameMinSize - protocol.FrameHeaderSize - protocol.FrameEndSize
	}

	frames := make([]*Frame, 0, (len(body)+maxPayload-1)/maxPayload)
	for offset := 0; offset < len(body); offset += maxPayload {
		end := offset + maxPayload
		if end > len(body) {
			end = len(body)
		}
		frames = append(frames, NewBodyFrame(channelID, body[offset:end]))
	}

	return frames
}

// MethodID returns the class and method id of a method frame
func (f *Frame) MethodID() (uint16, uint16, error) {
	if f.Type != protocol.FrameMethod {
		return 0, 0, fmt.Errorf("not a method frame: type=%d", f.Type)
	}
	if len(f.Payload) < 4 {
		return 0, 0, fmt.Errorf("method frame payload too short: %d", len(f.Payload))
	}
	return binary.BigEndian.Uint16(f.Payload[0:2]), binary.BigEndian.Uint16(f.Payload[2:4]), nil
}

// ParseHeader parses a content header frame payload
func (f *Frame) ParseHeader() (*Header, error) {
	if f.Type != protocol.FrameHeader {
		return nil, fmt.Errorf("not a header frame: type=%d", f.Type)
	}

	if len(f.Payload) < 14 {
		return nil, fmt.Errorf("header frame payload too short: %d", len(f.Payload))
	}

	return &Header{
		ClassID:    binary.BigEndian.Uint16(f.Payload[0:2]),
		Weight:     binary.BigEndian.Uint16(f.Payload[2:4]),
		BodySize:   binary.BigEndian.Uint64(f.Payload[4:12]),
		Properties: f.Payload[12:],
	}, nil
}

// String returns a string representation of the frame
func (f *Frame) String() string {
	var frameType string
	switch f.Type {
	case protocol.FrameMethod:
		frameType = "METHOD"
	case protocol.FrameHeader:
		frameType = "HEADER"
	case protocol.FrameBody:
		frameType = "BODY"
	case protocol.FrameHeartbeat:
		frameType = "HEARTBEAT"
	default:
		frameType = fmt.Sprintf("UNKNOWN(%d)", f.Type)
	}

	return fmt.Sprintf("Frame{type=%s, channel=%d, size=%d}", frameType, f.ChannelID, len(f.Payload))
}

// MethodArgs reads method arguments. The first error sticks: later reads
// return zero values and Err reports the original failure.
type MethodArgs struct {
	buf *bytes.Reader
	err error
}

// NewMethodArgs creates a new MethodArgs from a byte slice
func NewMethodArgs(data []byte) *MethodArgs {
	return &MethodArgs{buf: bytes.NewReader(data)}
}

func (ma *MethodArgs) read(v interface{}) {
	if ma.err != nil {
		return
	}
	if err := binary.Read(ma.buf, binary.BigEndian, v); err != nil {
		ma.err = err
	}
}

// Err returns the first error encountered while reading
func (ma *MethodArgs) Err() error {
	if ma.err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return ma.err
}

// Remaining returns the number of unread bytes
func (ma *MethodArgs) Remaining() int {
	return ma.buf.Len()
}

// ReadFlags reads n consecutive bit fields packed LSB first, 8 per octet
func (ma *MethodArgs) ReadFlags(n int) []bool {
	flags := make([]bool, n)
	var packed byte
	for i := 0; i < n; i++ {
		if i%8 == 0 {
			ma.read(&packed)
		}
		flags[i] = packed&(1<<uint(i%8)) != 0
	}
	return flags
}

// ReadBool reads a single bit field occupying one octet
func (ma *MethodArgs) ReadBool() bool {
	return ma.ReadFlags(1)[0]
}

// ReadUint8 reads a uint8 value
func (ma *MethodArgs) ReadUint8() uint8 {
	var v uint8
	ma.read(&v)
	return v
}

// ReadUint16 reads a uint16 value
func (ma *MethodArgs) ReadUint16() uint16 {
	var v uint16
	ma.read(&v)
	return v
}

// ReadUint32 reads a uint32 value
func (ma *MethodArgs) ReadUint32() uint32 {
	var v uint32
	ma.read(&v)
	return v
}

// ReadUint64 reads a uint64 value
func (ma *MethodArgs) ReadUint64() uint64 {
	var v uint64
	ma.read(&v)
	return v
}

// ReadShortString reads a short string
func (ma *MethodArgs) ReadShortString() string {
	if ma.err != nil {
		return ""
	}
	s, err := protocol.ReadShortString(ma.buf)
	ma.err = err
	return s
}

// ReadLongString reads a long string
func (ma *MethodArgs) ReadLongString() []byte {
	if ma.err != nil {
		return nil
	}
	b, err := protocol.ReadLongString(ma.buf)
	ma.err = err
	return b
}

// ReadTable reads a field table
func (ma *MethodArgs) ReadTable() protocol.Table {
	if ma.err != nil {
		return nil
	}
	t, err := protocol.ReadTable(ma.buf)
	ma.err = err
	return t
}

// MethodArgsBuilder writes method arguments. Like MethodArgs the first
// error sticks and is reported by Err.
type MethodArgsBuilder struct {
	buf bytes.Buffer
	err error
}

// NewMethodArgsBuilder creates a new MethodArgsBuilder
func NewMethodArgsBuilder() *MethodArgsBuilder {
	return &MethodArgsBuilder{}
}

func (mab *MethodArgsBuilder) write(v interface{}) {
	if mab.err != nil {
		return
	}
	mab.err = binary.Write(&mab.buf, binary.BigEndian, v)
}

// WriteFlags packs multiple boolean flags into bytes (AMQP bit packing)
// Bits are packed from LSB to MSB, 8 bits per byte
// Example: flags [true, false, true] → 0b00000101 = 0x05
func (mab *MethodArgsBuilder) WriteFlags(flags ...bool) {
	var packed byte
	for i, flag := range flags {
		if flag {
			packed |= 1 << uint(i%8)
		}
		if i%8 == 7 || i == len(flags)-1 {
			mab.write(packed)
			packed = 0
		}
	}
}

// WriteBool writes a single bit field in its own octet
func (mab *MethodArgsBuilder) WriteBool(v bool) {
	mab.WriteFlags(v)
}

// WriteUint8 writes a uint8 value
func (mab *MethodArgsBuilder) WriteUint8(v uint8) {
	mab.write(v)
}

// WriteUint16 writes a uint16 value
func (mab *MethodArgsBuilder) WriteUint16(v uint16) {
	mab.write(v)
}

// WriteUint32 writes a uint32 value
func (mab *MethodArgsBuilder) WriteUint32(v uint32) {
	mab.write(v)
}

// WriteUint64 writes a uint64 value
func (mab *MethodArgsBuilder) WriteUint64(v uint64) {
	mab.write(v)
}

// WriteShortString writes a short string
func (mab *MethodArgsBuilder) WriteShortString(s string) {
	if mab.err != nil {
		return
	}
	mab.err = protocol.WriteShortString(&mab.buf, s)
}

// WriteLongString writes a long string
func (mab *MethodArgsBuilder) WriteLongString(data []byte) {
	if mab.err != nil {
		return
	}
	mab.err = protocol.WriteLongString(&mab.buf, data)
}

// WriteTable writes a field table
func (mab *MethodArgsBuilder) WriteTable(table protocol.Table) {
	if mab.err != nil {
		return
	}
	mab.err = protocol.WriteTable(&mab.buf, table)
}

// Err returns the first error encountered while writing
func (mab *MethodArgsBuilder) Err() error {
	return mab.err
}

// Bytes returns the built argument bytes
func (mab *MethodArgsBuilder) Bytes() []byte {
	return mab.buf.Bytes()
}
