package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/israelio/amqpcore/internal/protocol"
)

// Reader reads AMQP frames from a connection. A Reader is owned by a
// single goroutine; only SetMaxFrameSize and Buffered may be called
// from elsewhere.
type Reader struct {
	r         *bufio.Reader
	maxFrame  atomic.Uint32
	buffered  atomic.Int64
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewReader creates a new frame reader
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	fr := &Reader{
		r: bufio.NewReaderSize(r, protocol.FrameMinSize*2),
	}
	fr.maxFrame.Store(maxFrameSize)
	return fr
}

// ReadFrame reads a single frame from the connection
func (fr *Reader) ReadFrame() (*Frame, error) {
	defer fr.buffered.Store(int64(fr.r.Buffered()))

	// Read frame header (7 bytes: type + channel + size)
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	frameType := fr.headerBuf[0]
	channelID := binary.BigEndian.Uint16(fr.headerBuf[1:3])
	payloadSize := binary.BigEndian.Uint32(fr.headerBuf[3:7])

	if !isValidFrameType(frameType) {
		return nil, &MalformedError{Reason: fmt.Sprintf("invalid frame type: %d", frameType)}
	}

	if max := fr.maxFrame.Load(); payloadSize > max {
		return nil, &MalformedError{Reason: fmt.Sprintf("frame payload too large: %d > %d", payloadSize, max)}
	}

	payload := make([]byte, payloadSize)
	if payloadSize > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}

	frameEnd, err := fr.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read frame end: %w", err)
	}

	if frameEnd != protocol.FrameEnd {
		return nil, &MalformedError{Reason: fmt.Sprintf("invalid frame end marker: 0x%02X (expected 0x%02X)", frameEnd, protocol.FrameEnd)}
	}

	return &Frame{
		Type:      frameType,
		ChannelID: channelID,
		Payload:   payload,
	}, nil
}

// ReadProtocolHeader reads the 8-byte AMQP protocol header
func (fr *Reader) ReadProtocolHeader() (string, error) {
	header := make([]byte, len(protocol.ProtocolHeader))
	if _, err := io.ReadFull(fr.r, header); err != nil {
		return "", fmt.Errorf("read protocol header: %w", err)
	}

	return string(header), nil
}

// SetMaxFrameSize updates the maximum frame size
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame.Store(size)
	}
}

// Buffered returns how many bytes were left in the read buffer after the
// most recent frame.
func (fr *Reader) Buffered() int {
	return int(fr.buffered.Load())
}

// MalformedError reports bytes on the wire that do not form a valid frame
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed frame: " + e.Reason
}

// isValidFrameType checks if the frame type is valid
func isValidFrameType(frameType uint8) bool {
	switch frameType {
	case protocol.FrameMethod,
		protocol.FrameHeader,
		protocol.FrameBody,
		protocol.FrameHeartbeat:
		return true
	default:
		return false
	}
}
