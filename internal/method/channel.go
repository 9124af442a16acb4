package method

import (
	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/protocol"
)

func init() {
	register("channel.open", func() Method { return &ChannelOpen{} })
	register("channel.open-ok", func() Method { return &ChannelOpenOk{} })
	register("channel.flow", func() Method { return &ChannelFlow{} })
	register("channel.flow-ok", func() Method { return &ChannelFlowOk{} })
	register("channel.close", func() Method { return &ChannelClose{} })
	register("channel.close-ok", func() Method { return &ChannelCloseOk{} })
}

type ChannelOpen struct {
	OutOfBand string // reserved
}

func (*ChannelOpen) ID() (uint16, uint16) {
	return protocol.ClassChannel, protocol.MethodChannelOpen
}

func (m *ChannelOpen) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.OutOfBand)
}

func (m *ChannelOpen) read(a *frame.MethodArgs) {
	m.OutOfBand = a.ReadShortString()
}

type ChannelOpenOk struct {
	ChannelID string // reserved
}

func (*ChannelOpenOk) ID() (uint16, uint16) {
	return protocol.ClassChannel, protocol.MethodChannelOpenOk
}

func (m *ChannelOpenOk) write(b *frame.MethodArgsBuilder) {
	b.WriteLongString([]byte(m.ChannelID))
}

func (m *ChannelOpenOk) read(a *frame.MethodArgs) {
	m.ChannelID = string(a.ReadLongString())
}

type ChannelFlow struct {
	Active bool
}

func (*ChannelFlow) ID() (uint16, uint16) {
	return protocol.ClassChannel, protocol.MethodChannelFlow
}

func (m *ChannelFlow) write(b *frame.MethodArgsBuilder) {
	b.WriteBool(m.Active)
}

func (m *ChannelFlow) read(a *frame.MethodArgs) {
	m.Active = a.ReadBool()
}

type ChannelFlowOk struct {
	Active bool
}

func (*ChannelFlowOk) ID() (uint16, uint16) {
	return protocol.ClassChannel, protocol.MethodChannelFlowOk
}

func (m *ChannelFlowOk) write(b *frame.MethodArgsBuilder) {
	b.WriteBool(m.Active)
}

func (m *ChannelFlowOk) read(a *frame.MethodArgs) {
	m.Active = a.ReadBool()
}

// ChannelClose has the same shape as ConnectionClose but only ends one channel
type ChannelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (*ChannelClose) ID() (uint16, uint16) {
	return protocol.ClassChannel, protocol.MethodChannelClose
}

func (m *ChannelClose) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.ReplyCode)
	b.WriteShortString(m.ReplyText)
	b.WriteUint16(m.ClassID)
	b.WriteUint16(m.MethodID)
}

func (m *ChannelClose) read(a *frame.MethodArgs) {
	m.ReplyCode = a.ReadUint16()
	m.ReplyText = a.ReadShortString()
	m.ClassID = a.ReadUint16()
	m.MethodID = a.ReadUint16()
}

type ChannelCloseOk struct{}

func (*ChannelCloseOk) ID() (uint16, uint16) {
	return protocol.ClassChannel, protocol.MethodChannelCloseOk
}

func (*ChannelCloseOk) write(*frame.MethodArgsBuilder) {}
func (*ChannelCloseOk) read(*frame.MethodArgs)         {}
