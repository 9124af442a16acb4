package amqptest

import (
	"fmt"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/protocol"
)

// handleFrame processes one frame after the handshake. It returns false
// when the connection should end.
func (c *serverConn) handleFrame(f *frame.Frame) bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	switch f.Type {
	case protocol.FrameHeartbeat:
		c.s.heartbeats.Add(1)
		return true

	case protocol.FrameMethod:
		m, err := method.DecodeFrame(f)
		if err != nil {
			c.send(0, &method.ConnectionClose{ReplyCode: protocol.ReplyFrameError, ReplyText: "FRAME_ERROR - " + err.Error()})
			return false
		}
		if f.ChannelID == 0 {
			return c.handleConnectionMethod(m)
		}
		c.handleChannelMethod(f.ChannelID, m)
		return true

	case protocol.FrameHeader:
		c.handleHeader(f)
		return true

	case protocol.FrameBody:
		c.handleBody(f)
		return true
	}
	return true
}

func (c *serverConn) handleConnectionMethod(m method.Method) bool {
	switch m := m.(type) {
	case *method.ConnectionClose:
		c.log.Debugf("client closed connection: %d %s", m.ReplyCode, m.ReplyText)
		c.reply(0, m, &method.ConnectionCloseOk{})
		return false
	case *method.ConnectionCloseOk:
		return !c.closing.Load()
	default:
		c.send(0, &method.ConnectionClose{
			ReplyCode: protocol.ReplyCommandInvalid,
			ReplyText: fmt.Sprintf("COMMAND_INVALID - unexpected %s on channel 0", method.Name(m)),
		})
		return true
	}
}

func (c *serverConn) handleChannelMethod(id uint16, m method.Method) {
	if open, ok := m.(*method.ChannelOpen); ok {
		if ch, exists := c.channels[id]; exists && !ch.closing {
			c.send(0, &method.ConnectionClose{ReplyCode: protocol.ReplyChannelError, ReplyText: "CHANNEL_ERROR - second 'channel.open' seen"})
			return
		}
		c.channels[id] = &serverChannel{id: id, unacked: map[uint64]*pending{}}
		c.reply(id, open, &method.ChannelOpenOk{})
		return
	}

	ch, ok := c.channels[id]
	if !ok {
		c.send(0, &method.ConnectionClose{ReplyCode: protocol.ReplyChannelError, ReplyText: fmt.Sprintf("CHANNEL_ERROR - expected 'channel.open' on %d", id)})
		return
	}

	if ch.closing {
		// only the close handshake is honoured on a closing channel
		switch m.(type) {
		case *method.ChannelCloseOk:
			delete(c.channels, id)
		case *method.ChannelClose:
			c.send(id, &method.ChannelCloseOk{})
			delete(c.channels, id)
		}
		return
	}

	switch m := m.(type) {
	case *method.ChannelClose:
		c.s.removeConsumersLocked(c, id, "")
		c.requeueAllLocked(ch)
		delete(c.channels, id)
		c.reply(id, m, &method.ChannelCloseOk{})

	case *method.ChannelFlow:
		c.reply(id, m, &method.ChannelFlowOk{Active: m.Active})

	case *method.ChannelFlowOk, *method.BasicCancelOk:
		// answers to Send(channel.flow) and Send(basic.cancel)

	case *method.ExchangeDeclare:
		c.exchangeDeclare(ch, m)

	case *method.ExchangeDelete:
		if _, exists := c.s.exchanges[m.Exchange]; !exists {
			c.closeChannelLocked(id, protocol.ReplyNotFound,
				fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", m.Exchange), protocol.ClassExchange, protocol.MethodExchangeDelete)
			return
		}
		delete(c.s.exchanges, m.Exchange)
		if !m.NoWait {
			c.reply(id, m, &method.ExchangeDeleteOk{})
		}

	case *method.BasicQos:
		c.reply(id, m, &method.BasicQosOk{})

	case *method.BasicConsume:
		c.basicConsume(ch, m)

	case *method.BasicCancel:
		c.s.removeConsumersLocked(c, id, m.ConsumerTag)
		if !m.NoWait {
			c.reply(id, m, &method.BasicCancelOk{ConsumerTag: m.ConsumerTag})
		}

	case *method.BasicPublish:
		ch.publishing = &Message{
			Exchange:   m.Exchange,
			RoutingKey: m.RoutingKey,
			Mandatory:  m.Mandatory,
			Immediate:  m.Immediate,
		}
		ch.gotHeader = false

	case *method.BasicAck:
		c.settle(ch, Settlement{Channel: id, Kind: "ack", Tag: m.DeliveryTag, Multiple: m.Multiple}, protocol.MethodBasicAck)

	case *method.BasicNack:
		c.settle(ch, Settlement{Channel: id, Kind: "nack", Tag: m.DeliveryTag, Multiple: m.Multiple, Requeue: m.Requeue}, protocol.MethodBasicNack)

	case *method.BasicReject:
		c.settle(ch, Settlement{Channel: id, Kind: "reject", Tag: m.DeliveryTag, Requeue: m.Requeue}, protocol.MethodBasicReject)

	default:
		classID, methodID := m.ID()
		c.closeChannelLocked(id, protocol.ReplyNotImplemented,
			fmt.Sprintf("NOT_IMPLEMENTED - %s", method.Name(m)), classID, methodID)
	}
}

func (c *serverConn) exchangeDeclare(ch *serverChannel, m *method.ExchangeDeclare) {
	kind, exists := c.s.exchanges[m.Exchange]

	switch {
	case m.Passive && !exists:
		c.closeChannelLocked(ch.id, protocol.ReplyNotFound,
			fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", m.Exchange), protocol.ClassExchange, protocol.MethodExchangeDeclare)
		return
	case !m.Passive && exists && kind != m.Type:
		c.closeChannelLocked(ch.id, protocol.ReplyPreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", m.Exchange), protocol.ClassExchange, protocol.MethodExchangeDeclare)
		return
	case !m.Passive && !exists:
		switch m.Type {
		case protocol.ExchangeTypeDirect, protocol.ExchangeTypeFanout, protocol.ExchangeTypeTopic, protocol.ExchangeTypeHeaders:
		default:
			c.send(0, &method.ConnectionClose{
				ReplyCode: protocol.ReplyCommandInvalid,
				ReplyText: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", m.Type),
				ClassID:   protocol.ClassExchange,
				MethodID:  protocol.MethodExchangeDeclare,
			})
			return
		}
		c.s.exchanges[m.Exchange] = m.Type
	}

	if !m.NoWait {
		c.reply(ch.id, m, &method.ExchangeDeclareOk{})
	}
}

func (c *serverConn) basicConsume(ch *serverChannel, m *method.BasicConsume) {
	q, ok := c.s.queues[m.Queue]
	if !ok {
		c.closeChannelLocked(ch.id, protocol.ReplyNotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", m.Queue), protocol.ClassBasic, protocol.MethodBasicConsume)
		return
	}

	tag := m.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("amq.ctag-%d-%d", c.id, len(q.consumers)+1)
	}

	q.consumers = append(q.consumers, &consumer{conn: c, channel: ch.id, tag: tag, noAck: m.NoAck})
	if !m.NoWait {
		c.reply(ch.id, m, &method.BasicConsumeOk{ConsumerTag: tag})
	}
	c.s.dispatchLocked(q)
}

// settle applies an ack, nack or reject. Multiple covers every
// outstanding tag up to and including Tag; tag 0 with multiple means all.
func (c *serverConn) settle(ch *serverChannel, st Settlement, methodID uint16) {
	c.s.settlements = append(c.s.settlements, st)

	var tags []uint64
	if st.Multiple {
		for tag := range ch.unacked {
			if st.Tag == 0 || tag <= st.Tag {
				tags = append(tags, tag)
			}
		}
		if len(tags) == 0 && st.Tag != 0 {
			c.unknownTag(ch, st.Tag, methodID)
			return
		}
	} else {
		if _, ok := ch.unacked[st.Tag]; !ok {
			c.unknownTag(ch, st.Tag, methodID)
			return
		}
		tags = []uint64{st.Tag}
	}

	requeued := map[string]bool{}
	for _, tag := range tags {
		p := ch.unacked[tag]
		delete(ch.unacked, tag)
		if st.Kind != "ack" && st.Requeue {
			c.s.requeueLocked(p)
			requeued[p.queue] = true
		}
	}

	for name := range requeued {
		c.s.dispatchLocked(c.s.queues[name])
	}
}

func (c *serverConn) unknownTag(ch *serverChannel, tag uint64, methodID uint16) {
	c.closeChannelLocked(ch.id, protocol.ReplyPreconditionFailed,
		fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag), protocol.ClassBasic, methodID)
}

func (c *serverConn) handleHeader(f *frame.Frame) {
	ch, ok := c.channels[f.ChannelID]
	if !ok || ch.closing {
		return
	}
	if ch.publishing == nil || ch.gotHeader {
		c.send(0, &method.ConnectionClose{ReplyCode: protocol.ReplyUnexpectedFrame, ReplyText: "UNEXPECTED_FRAME - content header"})
		return
	}

	h, err := method.DecodeHeader(f)
	if err != nil {
		c.send(0, &method.ConnectionClose{ReplyCode: protocol.ReplyFrameError, ReplyText: "FRAME_ERROR - " + err.Error()})
		return
	}

	ch.publishing.Properties = h.Properties
	ch.bodySize = h.BodySize
	ch.gotHeader = true
	if h.BodySize == 0 {
		c.publish(ch)
	}
}

func (c *serverConn) handleBody(f *frame.Frame) {
	ch, ok := c.channels[f.ChannelID]
	if !ok || ch.closing {
		return
	}
	if ch.publishing == nil || !ch.gotHeader {
		c.send(0, &method.ConnectionClose{ReplyCode: protocol.ReplyUnexpectedFrame, ReplyText: "UNEXPECTED_FRAME - content body"})
		return
	}

	if len(f.Payload) > c.s.maxBody {
		c.s.maxBody = len(f.Payload)
	}

	ch.publishing.Body = append(ch.publishing.Body, f.Payload...)
	if uint64(len(ch.publishing.Body)) >= ch.bodySize {
		c.publish(ch)
	}
}

func (c *serverConn) publish(ch *serverChannel) {
	msg := ch.publishing
	ch.publishing = nil
	ch.gotHeader = false

	c.s.published = append(c.s.published, msg)

	if _, ok := c.s.exchanges[msg.Exchange]; !ok {
		c.closeChannelLocked(ch.id, protocol.ReplyNotFound,
			fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", msg.Exchange), protocol.ClassBasic, protocol.MethodBasicPublish)
		return
	}

	queues := c.s.routeLocked(msg)
	if len(queues) == 0 {
		if msg.Mandatory {
			ret := &method.BasicReturn{
				ReplyCode:  protocol.ReplyNoRoute,
				ReplyText:  "NO_ROUTE",
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
			}
			if err := c.sendContent(ch.id, ret, msg.Properties, msg.Body); err != nil {
				c.log.WithError(err).Debug("return failed")
			}
		}
		return
	}

	for _, q := range queues {
		copied := *msg
		q.messages = append(q.messages, &copied)
		c.s.dispatchLocked(q)
	}
}

// closeChannelLocked starts a server-initiated channel close
func (c *serverConn) closeChannelLocked(id uint16, code uint16, text string, classID, methodID uint16) error {
	ch, ok := c.channels[id]
	if !ok {
		return fmt.Errorf("channel %d not open", id)
	}

	c.s.removeConsumersLocked(c, id, "")
	c.requeueAllLocked(ch)
	ch.closing = true

	return c.send(id, &method.ChannelClose{
		ReplyCode: code,
		ReplyText: text,
		ClassID:   classID,
		MethodID:  methodID,
	})
}
