package method

import (
	"fmt"
	"time"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/protocol"
)

// Properties are the basic-class content header properties. A field is
// sent only when it holds a non-zero value.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         protocol.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
	ClusterId       string // reserved
}

// Property presence flags, most significant bit first
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
	flagClusterId       = 0x0004
)

func (p *Properties) flags() uint16 {
	var flags uint16
	set := func(present bool, flag uint16) {
		if present {
			flags |= flag
		}
	}

	set(p.ContentType != "", flagContentType)
	set(p.ContentEncoding != "", flagContentEncoding)
	set(len(p.Headers) > 0, flagHeaders)
	set(p.DeliveryMode != 0, flagDeliveryMode)
	set(p.Priority != 0, flagPriority)
	set(p.CorrelationId != "", flagCorrelationId)
	set(p.ReplyTo != "", flagReplyTo)
	set(p.Expiration != "", flagExpiration)
	set(p.MessageId != "", flagMessageId)
	set(!p.Timestamp.IsZero(), flagTimestamp)
	set(p.Type != "", flagType)
	set(p.UserId != "", flagUserId)
	set(p.AppId != "", flagAppId)
	set(p.ClusterId != "", flagClusterId)

	return flags
}

// EncodeProperties encodes the property flags and the present fields
func EncodeProperties(p Properties) ([]byte, error) {
	flags := p.flags()

	b := frame.NewMethodArgsBuilder()
	b.WriteUint16(flags)

	shortStr := func(flag uint16, s string) {
		if flags&flag != 0 {
			b.WriteShortString(s)
		}
	}

	shortStr(flagContentType, p.ContentType)
	shortStr(flagContentEncoding, p.ContentEncoding)
	if flags&flagHeaders != 0 {
		b.WriteTable(p.Headers)
	}
	if flags&flagDeliveryMode != 0 {
		b.WriteUint8(p.DeliveryMode)
	}
	if flags&flagPriority != 0 {
		b.WriteUint8(p.Priority)
	}
	shortStr(flagCorrelationId, p.CorrelationId)
	shortStr(flagReplyTo, p.ReplyTo)
	shortStr(flagExpiration, p.Expiration)
	shortStr(flagMessageId, p.MessageId)
	if flags&flagTimestamp != 0 {
		b.WriteUint64(uint64(p.Timestamp.Unix()))
	}
	shortStr(flagType, p.Type)
	shortStr(flagUserId, p.UserId)
	shortStr(flagAppId, p.AppId)
	shortStr(flagClusterId, p.ClusterId)

	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return b.Bytes(), nil
}

// DecodeProperties decodes a property list. Continuation flags (bit 0)
// are not used by the basic class and are rejected.
func DecodeProperties(data []byte) (Properties, error) {
	var p Properties
	a := frame.NewMethodArgs(data)

	flags := a.ReadUint16()
	if flags&0x0003 != 0 {
		return p, fmt.Errorf("%w: unexpected property flags 0x%04x", ErrMalformedFrame, flags)
	}

	shortStr := func(flag uint16, dst *string) {
		if flags&flag != 0 {
			*dst = a.ReadShortString()
		}
	}

	shortStr(flagContentType, &p.ContentType)
	shortStr(flagContentEncoding, &p.ContentEncoding)
	if flags&flagHeaders != 0 {
		p.Headers = a.ReadTable()
	}
	if flags&flagDeliveryMode != 0 {
		p.DeliveryMode = a.ReadUint8()
	}
	if flags&flagPriority != 0 {
		p.Priority = a.ReadUint8()
	}
	shortStr(flagCorrelationId, &p.CorrelationId)
	shortStr(flagReplyTo, &p.ReplyTo)
	shortStr(flagExpiration, &p.Expiration)
	shortStr(flagMessageId, &p.MessageId)
	if flags&flagTimestamp != 0 {
		p.Timestamp = time.Unix(int64(a.ReadUint64()), 0)
	}
	shortStr(flagType, &p.Type)
	shortStr(flagUserId, &p.UserId)
	shortStr(flagAppId, &p.AppId)
	shortStr(flagClusterId, &p.ClusterId)

	if err := a.Err(); err != nil {
		return p, fmt.Errorf("%w: properties: %v", ErrMalformedFrame, err)
	}
	if n := a.Remaining(); n > 0 {
		return p, fmt.Errorf("%w: properties: %d trailing bytes", ErrMalformedFrame, n)
	}
	return p, nil
}

// Header is a decoded content header
type Header struct {
	ClassID    uint16
	BodySize   uint64
	Properties Properties
}

// DecodeHeader decodes a content header frame
func DecodeHeader(f *frame.Frame) (*Header, error) {
	h, err := f.ParseHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	props, err := DecodeProperties(h.Properties)
	if err != nil {
		return nil, err
	}

	return &Header{ClassID: h.ClassID, BodySize: h.BodySize, Properties: props}, nil
}

// NewHeaderFrame encodes a basic-class content header
func NewHeaderFrame(channelID uint16, bodySize uint64, p Properties) (*frame.Frame, error) {
	props, err := EncodeProperties(p)
	if err != nil {
		return nil, err
	}
	return frame.NewHeaderFrame(channelID, protocol.ClassBasic, bodySize, props), nil
}
