package method

import (
	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/protocol"
)

func init() {
	register("exchange.declare", func() Method { return &ExchangeDeclare{} })
	register("exchange.declare-ok", func() Method { return &ExchangeDeclareOk{} })
	register("exchange.delete", func() Method { return &ExchangeDelete{} })
	register("exchange.delete-ok", func() Method { return &ExchangeDeleteOk{} })
}

type ExchangeDeclare struct {
	Ticket     uint16 // reserved
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  protocol.Table
}

func (*ExchangeDeclare) ID() (uint16, uint16) {
	return protocol.ClassExchange, protocol.MethodExchangeDeclare
}

func (m *ExchangeDeclare) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.Ticket)
	b.WriteShortString(m.Exchange)
	b.WriteShortString(m.Type)
	b.WriteFlags(m.Passive, m.Durable, m.AutoDelete, m.Internal, m.NoWait)
	b.WriteTable(m.Arguments)
}

func (m *ExchangeDeclare) read(a *frame.MethodArgs) {
	m.Ticket = a.ReadUint16()
	m.Exchange = a.ReadShortString()
	m.Type = a.ReadShortString()
	flags := a.ReadFlags(5)
	m.Passive, m.Durable, m.AutoDelete, m.Internal, m.NoWait = flags[0], flags[1], flags[2], flags[3], flags[4]
	m.Arguments = a.ReadTable()
}

type ExchangeDeclareOk struct{}

func (*ExchangeDeclareOk) ID() (uint16, uint16) {
	return protocol.ClassExchange, protocol.MethodExchangeDeclareOk
}

func (*ExchangeDeclareOk) write(*frame.MethodArgsBuilder) {}
func (*ExchangeDeclareOk) read(*frame.MethodArgs)         {}

type ExchangeDelete struct {
	Ticket   uint16 // reserved
	Exchange string
	IfUnused bool
	NoWait   bool
}

func (*ExchangeDelete) ID() (uint16, uint16) {
	return protocol.ClassExchange, protocol.MethodExchangeDelete
}

func (m *ExchangeDelete) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.Ticket)
	b.WriteShortString(m.Exchange)
	b.WriteFlags(m.IfUnused, m.NoWait)
}

func (m *ExchangeDelete) read(a *frame.MethodArgs) {
	m.Ticket = a.ReadUint16()
	m.Exchange = a.ReadShortString()
	flags := a.ReadFlags(2)
	m.IfUnused, m.NoWait = flags[0], flags[1]
}

type ExchangeDeleteOk struct{}

func (*ExchangeDeleteOk) ID() (uint16, uint16) {
	return protocol.ClassExchange, protocol.MethodExchangeDeleteOk
}

func (*ExchangeDeleteOk) write(*frame.MethodArgsBuilder) {}
func (*ExchangeDeleteOk) read(*frame.MethodArgs)         {}
