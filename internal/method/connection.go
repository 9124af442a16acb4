package method

import (
	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/protocol"
)

func init() {
	register("connection.start", func() Method { return &ConnectionStart{} })
	register("connection.start-ok", func() Method { return &ConnectionStartOk{} })
	register("connection.secure", func() Method { return &ConnectionSecure{} })
	register("connection.secure-ok", func() Method { return &ConnectionSecureOk{} })
	register("connection.tune", func() Method { return &ConnectionTune{} })
	register("connection.tune-ok", func() Method { return &ConnectionTuneOk{} })
	register("connection.open", func() Method { return &ConnectionOpen{} })
	register("connection.open-ok", func() Method { return &ConnectionOpenOk{} })
	register("connection.close", func() Method { return &ConnectionClose{} })
	register("connection.close-ok", func() Method { return &ConnectionCloseOk{} })
	register("connection.blocked", func() Method { return &ConnectionBlocked{} })
	register("connection.unblocked", func() Method { return &ConnectionUnblocked{} })
}

// ConnectionStart is the server's opening proposal
type ConnectionStart struct {
	VersionMajor     uint8
	VersionMinor     uint8
	ServerProperties protocol.Table
	Mechanisms       string
	Locales          string
}

func (*ConnectionStart) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionStart
}

func (m *ConnectionStart) write(b *frame.MethodArgsBuilder) {
	b.WriteUint8(m.VersionMajor)
	b.WriteUint8(m.VersionMinor)
	b.WriteTable(m.ServerProperties)
	b.WriteLongString([]byte(m.Mechanisms))
	b.WriteLongString([]byte(m.Locales))
}

func (m *ConnectionStart) read(a *frame.MethodArgs) {
	m.VersionMajor = a.ReadUint8()
	m.VersionMinor = a.ReadUint8()
	m.ServerProperties = a.ReadTable()
	m.Mechanisms = string(a.ReadLongString())
	m.Locales = string(a.ReadLongString())
}

// ConnectionStartOk selects a mechanism and carries the SASL response
type ConnectionStartOk struct {
	ClientProperties protocol.Table
	Mechanism        string
	Response         string
	Locale           string
}

func (*ConnectionStartOk) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionStartOk
}

func (m *ConnectionStartOk) write(b *frame.MethodArgsBuilder) {
	b.WriteTable(m.ClientProperties)
	b.WriteShortString(m.Mechanism)
	b.WriteLongString([]byte(m.Response))
	b.WriteShortString(m.Locale)
}

func (m *ConnectionStartOk) read(a *frame.MethodArgs) {
	m.ClientProperties = a.ReadTable()
	m.Mechanism = a.ReadShortString()
	m.Response = string(a.ReadLongString())
	m.Locale = a.ReadShortString()
}

type ConnectionSecure struct {
	Challenge string
}

func (*ConnectionSecure) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionSecure
}

func (m *ConnectionSecure) write(b *frame.MethodArgsBuilder) {
	b.WriteLongString([]byte(m.Challenge))
}

func (m *ConnectionSecure) read(a *frame.MethodArgs) {
	m.Challenge = string(a.ReadLongString())
}

type ConnectionSecureOk struct {
	Response string
}

func (*ConnectionSecureOk) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionSecureOk
}

func (m *ConnectionSecureOk) write(b *frame.MethodArgsBuilder) {
	b.WriteLongString([]byte(m.Response))
}

func (m *ConnectionSecureOk) read(a *frame.MethodArgs) {
	m.Response = string(a.ReadLongString())
}

// ConnectionTune carries the server's limits. Zero means no limit.
type ConnectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*ConnectionTune) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionTune
}

func (m *ConnectionTune) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.ChannelMax)
	b.WriteUint32(m.FrameMax)
	b.WriteUint16(m.Heartbeat)
}

func (m *ConnectionTune) read(a *frame.MethodArgs) {
	m.ChannelMax = a.ReadUint16()
	m.FrameMax = a.ReadUint32()
	m.Heartbeat = a.ReadUint16()
}

// ConnectionTuneOk carries the values the client settled on
type ConnectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*ConnectionTuneOk) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionTuneOk
}

func (m *ConnectionTuneOk) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.ChannelMax)
	b.WriteUint32(m.FrameMax)
	b.WriteUint16(m.Heartbeat)
}

func (m *ConnectionTuneOk) read(a *frame.MethodArgs) {
	m.ChannelMax = a.ReadUint16()
	m.FrameMax = a.ReadUint32()
	m.Heartbeat = a.ReadUint16()
}

type ConnectionOpen struct {
	VirtualHost  string
	Capabilities string // reserved
	Insist       bool   // reserved
}

func (*ConnectionOpen) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionOpen
}

func (m *ConnectionOpen) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.VirtualHost)
	b.WriteShortString(m.Capabilities)
	b.WriteBool(m.Insist)
}

func (m *ConnectionOpen) read(a *frame.MethodArgs) {
	m.VirtualHost = a.ReadShortString()
	m.Capabilities = a.ReadShortString()
	m.Insist = a.ReadBool()
}

type ConnectionOpenOk struct {
	KnownHosts string // reserved
}

func (*ConnectionOpenOk) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionOpenOk
}

func (m *ConnectionOpenOk) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.KnownHosts)
}

func (m *ConnectionOpenOk) read(a *frame.MethodArgs) {
	m.KnownHosts = a.ReadShortString()
}

// ConnectionClose may be sent by either peer. ClassID and MethodID name
// the method that caused the close, or are zero.
type ConnectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (*ConnectionClose) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionClose
}

func (m *ConnectionClose) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.ReplyCode)
	b.WriteShortString(m.ReplyText)
	b.WriteUint16(m.ClassID)
	b.WriteUint16(m.MethodID)
}

func (m *ConnectionClose) read(a *frame.MethodArgs) {
	m.ReplyCode = a.ReadUint16()
	m.ReplyText = a.ReadShortString()
	m.ClassID = a.ReadUint16()
	m.MethodID = a.ReadUint16()
}

type ConnectionCloseOk struct{}

func (*ConnectionCloseOk) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionCloseOk
}

func (*ConnectionCloseOk) write(*frame.MethodArgsBuilder) {}
func (*ConnectionCloseOk) read(*frame.MethodArgs)         {}

type ConnectionBlocked struct {
	Reason string
}

func (*ConnectionBlocked) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionBlocked
}

func (m *ConnectionBlocked) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.Reason)
}

func (m *ConnectionBlocked) read(a *frame.MethodArgs) {
	m.Reason = a.ReadShortString()
}

type ConnectionUnblocked struct{}

func (*ConnectionUnblocked) ID() (uint16, uint16) {
	return protocol.ClassConnection, protocol.MethodConnectionUnblocked
}

func (*ConnectionUnblocked) write(*frame.MethodArgsBuilder) {}
func (*ConnectionUnblocked) read(*frame.MethodArgs)         {}
