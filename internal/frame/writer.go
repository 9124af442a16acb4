package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/israelio/amqpcore/internal/protocol"
)

// Writer writes AMQP frames to a connection. It is safe for concurrent
// use; every call writes and flushes its frames under one lock.
type Writer struct {
	w         *bufio.Writer
	mu        sync.Mutex
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, protocol.FrameMinSize*2),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame writes a single frame to the connection
func (fw *Writer) WriteFrame(frame *Frame) error {
	return fw.WriteFrames(frame)
}

// WriteFrames writes several frames back to back with no other frame in
// between, then flushes. Content (method, header, body) must go out this
// way so it is never interleaved with another sender on the same channel.
func (fw *Writer) WriteFrames(frames ...*Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for _, frame := range frames {
		if err := fw.writeLocked(frame); err != nil {
			return err
		}
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}

	return nil
}

func (fw *Writer) writeLocked(frame *Frame) error {
	if uint32(len(frame.Payload)) > fw.maxFrame {
		return fmt.Errorf("frame payload too large: %d > %d", len(frame.Payload), fw.maxFrame)
	}

	fw.headerBuf[0] = frame.Type
	binary.BigEndian.PutUint16(fw.headerBuf[1:3], frame.ChannelID)
	binary.BigEndian.PutUint32(fw.headerBuf[3:7], uint32(len(frame.Payload)))

	if _, err := fw.w.Write(fw.headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}

	if len(frame.Payload) > 0 {
		if _, err := fw.w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}

	if err := fw.w.WriteByte(protocol.FrameEnd); err != nil {
		return fmt.Errorf("write frame end: %w", err)
	}

	return nil
}

// WriteProtocolHeader writes the AMQP protocol header
func (fw *Writer) WriteProtocolHeader() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.WriteString(protocol.ProtocolHeader); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush protocol header: %w", err)
	}

	return nil
}

// SetMaxFrameSize updates the maximum frame size
func (fw *Writer) SetMaxFrameSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if size > 0 {
		fw.maxFrame = size
	}
}
