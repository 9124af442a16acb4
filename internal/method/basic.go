package method

import (
	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/protocol"
)

func init() {
	register("basic.qos", func() Method { return &BasicQos{} })
	register("basic.qos-ok", func() Method { return &BasicQosOk{} })
	register("basic.consume", func() Method { return &BasicConsume{} })
	register("basic.consume-ok", func() Method { return &BasicConsumeOk{} })
	register("basic.cancel", func() Method { return &BasicCancel{} })
	register("basic.cancel-ok", func() Method { return &BasicCancelOk{} })
	register("basic.publish", func() Method { return &BasicPublish{} })
	register("basic.return", func() Method { return &BasicReturn{} })
	register("basic.deliver", func() Method { return &BasicDeliver{} })
	register("basic.ack", func() Method { return &BasicAck{} })
	register("basic.reject", func() Method { return &BasicReject{} })
	register("basic.nack", func() Method { return &BasicNack{} })
}

type BasicQos struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (*BasicQos) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicQos
}

func (m *BasicQos) write(b *frame.MethodArgsBuilder) {
	b.WriteUint32(m.PrefetchSize)
	b.WriteUint16(m.PrefetchCount)
	b.WriteBool(m.Global)
}

func (m *BasicQos) read(a *frame.MethodArgs) {
	m.PrefetchSize = a.ReadUint32()
	m.PrefetchCount = a.ReadUint16()
	m.Global = a.ReadBool()
}

type BasicQosOk struct{}

func (*BasicQosOk) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicQosOk
}

func (*BasicQosOk) write(*frame.MethodArgsBuilder) {}
func (*BasicQosOk) read(*frame.MethodArgs)         {}

type BasicConsume struct {
	Ticket      uint16 // reserved
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   protocol.Table
}

func (*BasicConsume) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicConsume
}

func (m *BasicConsume) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.Ticket)
	b.WriteShortString(m.Queue)
	b.WriteShortString(m.ConsumerTag)
	b.WriteFlags(m.NoLocal, m.NoAck, m.Exclusive, m.NoWait)
	b.WriteTable(m.Arguments)
}

func (m *BasicConsume) read(a *frame.MethodArgs) {
	m.Ticket = a.ReadUint16()
	m.Queue = a.ReadShortString()
	m.ConsumerTag = a.ReadShortString()
	flags := a.ReadFlags(4)
	m.NoLocal, m.NoAck, m.Exclusive, m.NoWait = flags[0], flags[1], flags[2], flags[3]
	m.Arguments = a.ReadTable()
}

type BasicConsumeOk struct {
	ConsumerTag string
}

func (*BasicConsumeOk) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicConsumeOk
}

func (m *BasicConsumeOk) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.ConsumerTag)
}

func (m *BasicConsumeOk) read(a *frame.MethodArgs) {
	m.ConsumerTag = a.ReadShortString()
}

// BasicCancel is sent by the client to stop a consumer, or by the server
// when a consumer is cancelled under it.
type BasicCancel struct {
	ConsumerTag string
	NoWait      bool
}

func (*BasicCancel) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicCancel
}

func (m *BasicCancel) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.ConsumerTag)
	b.WriteBool(m.NoWait)
}

func (m *BasicCancel) read(a *frame.MethodArgs) {
	m.ConsumerTag = a.ReadShortString()
	m.NoWait = a.ReadBool()
}

type BasicCancelOk struct {
	ConsumerTag string
}

func (*BasicCancelOk) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicCancelOk
}

func (m *BasicCancelOk) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.ConsumerTag)
}

func (m *BasicCancelOk) read(a *frame.MethodArgs) {
	m.ConsumerTag = a.ReadShortString()
}

type BasicPublish struct {
	Ticket     uint16 // reserved
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (*BasicPublish) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicPublish
}

func (m *BasicPublish) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.Ticket)
	b.WriteShortString(m.Exchange)
	b.WriteShortString(m.RoutingKey)
	b.WriteFlags(m.Mandatory, m.Immediate)
}

func (m *BasicPublish) read(a *frame.MethodArgs) {
	m.Ticket = a.ReadUint16()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
	flags := a.ReadFlags(2)
	m.Mandatory, m.Immediate = flags[0], flags[1]
}

type BasicReturn struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

func (*BasicReturn) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicReturn
}

func (m *BasicReturn) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.ReplyCode)
	b.WriteShortString(m.ReplyText)
	b.WriteShortString(m.Exchange)
	b.WriteShortString(m.RoutingKey)
}

func (m *BasicReturn) read(a *frame.MethodArgs) {
	m.ReplyCode = a.ReadUint16()
	m.ReplyText = a.ReadShortString()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
}

type BasicDeliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (*BasicDeliver) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicDeliver
}

func (m *BasicDeliver) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.ConsumerTag)
	b.WriteUint64(m.DeliveryTag)
	b.WriteBool(m.Redelivered)
	b.WriteShortString(m.Exchange)
	b.WriteShortString(m.RoutingKey)
}

func (m *BasicDeliver) read(a *frame.MethodArgs) {
	m.ConsumerTag = a.ReadShortString()
	m.DeliveryTag = a.ReadUint64()
	m.Redelivered = a.ReadBool()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
}

type BasicAck struct {
	DeliveryTag uint64
	Multiple    bool
}

func (*BasicAck) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicAck
}

func (m *BasicAck) write(b *frame.MethodArgsBuilder) {
	b.WriteUint64(m.DeliveryTag)
	b.WriteBool(m.Multiple)
}

func (m *BasicAck) read(a *frame.MethodArgs) {
	m.DeliveryTag = a.ReadUint64()
	m.Multiple = a.ReadBool()
}

type BasicReject struct {
	DeliveryTag uint64
	Requeue     bool
}

func (*BasicReject) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicReject
}

func (m *BasicReject) write(b *frame.MethodArgsBuilder) {
	b.WriteUint64(m.DeliveryTag)
	b.WriteBool(m.Requeue)
}

func (m *BasicReject) read(a *frame.MethodArgs) {
	m.DeliveryTag = a.ReadUint64()
	m.Requeue = a.ReadBool()
}

// BasicNack carries multiple and requeue as independent bits
type BasicNack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (*BasicNack) ID() (uint16, uint16) {
	return protocol.ClassBasic, protocol.MethodBasicNack
}

func (m *BasicNack) write(b *frame.MethodArgsBuilder) {
	b.WriteUint64(m.DeliveryTag)
	b.WriteFlags(m.Multiple, m.Requeue)
}

func (m *BasicNack) read(a *frame.MethodArgs) {
	m.DeliveryTag = a.ReadUint64()
	flags := a.ReadFlags(2)
	m.Multiple, m.Requeue = flags[0], flags[1]
}
