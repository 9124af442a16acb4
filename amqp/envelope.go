package amqp

import (
	"sync"
)

// Envelope is one message delivered to a consumer. It is filled in by the
// connection's reader and read-only afterwards, except for Destroy which
// may race with Body and Properties.
type Envelope struct {
	channel     *Channel
	channelID   uint16
	consumerTag string
	deliveryTag uint64
	redelivered bool
	exchange    string
	routingKey  string
	properties  Properties
	body        []byte

	// arrival order across the connection
	seq uint64

	// guards body and properties against Destroy
	mu        sync.RWMutex
	destroyed bool
}

// Body returns the message body, nil after Destroy
func (e *Envelope) Body() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.body
}

// DeliveryTag returns the tag used to ack, nack or reject this delivery
func (e *Envelope) DeliveryTag() uint64 {
	return e.deliveryTag
}

// RoutingKey returns the routing key the message was published with
func (e *Envelope) RoutingKey() string {
	return e.routingKey
}

// Exchange returns the exchange the message was published to
func (e *Envelope) Exchange() string {
	return e.exchange
}

// ConsumerTag returns the tag of the consumer it was delivered to
func (e *Envelope) ConsumerTag() string {
	return e.consumerTag
}

// Redelivered reports whether the broker delivered it before
func (e *Envelope) Redelivered() bool {
	return e.redelivered
}

// Properties returns the content header properties
func (e *Envelope) Properties() Properties {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.properties
}

// ChannelID returns the channel the message arrived on
func (e *Envelope) ChannelID() uint16 {
	return e.channelID
}

// Ack acknowledges this delivery
func (e *Envelope) Ack(multiple bool) error {
	if e.channel == nil {
		return ErrChannelClosed
	}
	return e.channel.BasicAck(e.deliveryTag, multiple)
}

// Nack negatively acknowledges this delivery
func (e *Envelope) Nack(multiple, requeue bool) error {
	if e.channel == nil {
		return ErrChannelClosed
	}
	return e.channel.BasicNack(e.deliveryTag, multiple, requeue)
}

// Reject rejects this delivery
func (e *Envelope) Reject(requeue bool) error {
	if e.channel == nil {
		return ErrChannelClosed
	}
	return e.channel.BasicReject(e.deliveryTag, requeue)
}

// Destroy releases the body. It does not ack; calling it again is a no-op.
func (e *Envelope) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return
	}
	e.destroyed = true
	e.body = nil
	e.properties = Properties{}
}
