package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/israelio/amqpcore/internal/method"
)

// ConsumeOptions configures consumer behavior
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

// BasicConsume starts a consumer on queue and returns its tag. An empty
// consumerTag gets a generated one. Deliveries are read with
// ConsumeMessage.
func (ch *Channel) BasicConsume(ctx context.Context, queue, consumerTag string, opts ConsumeOptions) (string, error) {
	if consumerTag == "" {
		consumerTag = generateConsumerTag()
	}

	req := &method.BasicConsume{
		Queue:       queue,
		ConsumerTag: consumerTag,
		NoLocal:     opts.NoLocal,
		NoAck:       opts.AutoAck,
		Exclusive:   opts.Exclusive,
		NoWait:      opts.NoWait,
		Arguments:   opts.Args,
	}

	if opts.NoWait {
		return consumerTag, ch.sendAsync(req)
	}

	ok, err := call[*method.BasicConsumeOk](ctx, ch, req)
	if err != nil {
		return "", err
	}

	ch.log.WithField("consumer", ok.ConsumerTag).Debug("Consumer started")
	return ok.ConsumerTag, nil
}

// BasicCancel stops a consumer. Deliveries already received stay queued.
func (ch *Channel) BasicCancel(ctx context.Context, consumerTag string) error {
	_, err := call[*method.BasicCancelOk](ctx, ch, &method.BasicCancel{ConsumerTag: consumerTag})
	return err
}

// Qos sets the prefetch window for consumers on this channel, or on the
// whole connection when global is set
func (ch *Channel) Qos(ctx context.Context, prefetchCount, prefetchSize int, global bool) error {
	if prefetchCount < 0 || prefetchCount > 65535 {
		return usage(fmt.Sprintf("prefetch count must be between 0 and 65535, got %d", prefetchCount))
	}
	if prefetchSize < 0 || int64(prefetchSize) > 1<<32-1 {
		return usage(fmt.Sprintf("prefetch size out of range: %d", prefetchSize))
	}

	_, err := call[*method.BasicQosOk](ctx, ch, &method.BasicQos{
		PrefetchCount: uint16(prefetchCount),
		PrefetchSize:  uint32(prefetchSize),
		Global:        global,
	})
	return err
}

// ConsumeMessage returns the next delivery on this channel. It waits up to
// timeout, forever when timeout <= 0, and fails with ErrTimeout when
// nothing arrived; a later delivery is not lost. Deliveries received
// before the channel closed are still returned, after that it fails with
// ErrChannelClosed wrapping the cause.
func (ch *Channel) ConsumeMessage(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		wait := ch.arrivals.Wait()

		if env := ch.popEnvelope(0); env != nil {
			ch.conn.metrics.MessageConsumed()
			return env, nil
		}
		if ch.IsClosed() {
			return nil, ch.closedError()
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, waitError(ctx, ScopeChannel, "no message")
		}
	}
}

// ConsumeMessage returns the oldest delivery queued on any channel of the
// connection, waiting like (*Channel).ConsumeMessage
func (c *Connection) ConsumeMessage(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		wait := c.deliveries.Wait()

		if ch, seq := c.oldestDelivery(); ch != nil {
			// another consumer may have taken it in between, then look again
			if env := ch.popEnvelope(seq); env != nil {
				c.metrics.MessageConsumed()
				return env, nil
			}
			continue
		}
		if c.GetState() != StateOpen {
			return nil, c.closedError()
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, waitError(ctx, ScopeConnection, "no message")
		}
	}
}

// oldestDelivery finds the channel whose queued head arrived first
func (c *Connection) oldestDelivery() (*Channel, uint64) {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()

	var (
		oldest *Channel
		seq    uint64
	)
	for _, ch := range c.channels {
		if s, ok := ch.headSeq(); ok && (oldest == nil || s < seq) {
			oldest, seq = ch, s
		}
	}
	return oldest, seq
}

func (ch *Channel) headSeq() (uint64, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if len(ch.queue) == 0 {
		return 0, false
	}
	return ch.queue[0].seq, true
}

// popEnvelope removes the queue head. With seq != 0 it only does so when
// the head is that delivery.
func (ch *Channel) popEnvelope(seq uint64) *Envelope {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if len(ch.queue) == 0 {
		return nil
	}
	env := ch.queue[0]
	if seq != 0 && env.seq != seq {
		return nil
	}
	ch.queue[0] = nil
	ch.queue = ch.queue[1:]
	return env
}

// pending returns the number of deliveries waiting to be consumed
func (ch *Channel) pending() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.queue)
}

// releaseBuffers shrinks the delivery queue once most of it was consumed
func (ch *Channel) releaseBuffers() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if cap(ch.queue) <= 2*len(ch.queue) {
		return
	}
	if len(ch.queue) == 0 {
		ch.queue = nil
		return
	}
	ch.queue = append([]*Envelope(nil), ch.queue...)
}

// waitError reports why a wait on ctx ended
func waitError(ctx context.Context, scope Scope, reason string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Scope: scope, Reason: reason, Err: ctx.Err()}
	}
	return ctx.Err()
}

// generateConsumerTag generates a unique consumer tag
func generateConsumerTag() string {
	return "ctag-" + uuid.NewString()
}
