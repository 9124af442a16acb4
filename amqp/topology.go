package amqp

import (
	"context"

	"github.com/israelio/amqpcore/internal/method"
)

// ExchangeDeclareOptions configures exchange declaration
type ExchangeDeclareOptions struct {
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       Table
}

// ExchangeDeleteOptions configures exchange deletion
type ExchangeDeleteOptions struct {
	IfUnused bool
	NoWait   bool
}

// ExchangeDeclare declares an exchange. A server refusal, such as 406 for
// a redeclaration with different settings, closes the channel and comes
// back as a channel-scoped *Error.
func (ch *Channel) ExchangeDeclare(ctx context.Context, name, kind string, opts ExchangeDeclareOptions) error {
	req := &method.ExchangeDeclare{
		Exchange:   name,
		Type:       kind,
		Passive:    opts.Passive,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Internal:   opts.Internal,
		NoWait:     opts.NoWait,
		Arguments:  opts.Args,
	}

	if opts.NoWait {
		return ch.sendAsync(req)
	}
	_, err := call[*method.ExchangeDeclareOk](ctx, ch, req)
	return err
}

// ExchangeDeclarePassive checks that an exchange exists. A missing one
// fails with ErrNotFound and closes the channel.
func (ch *Channel) ExchangeDeclarePassive(ctx context.Context, name, kind string) error {
	return ch.ExchangeDeclare(ctx, name, kind, ExchangeDeclareOptions{Passive: true})
}

// ExchangeDelete deletes an exchange
func (ch *Channel) ExchangeDelete(ctx context.Context, name string, opts ExchangeDeleteOptions) error {
	req := &method.ExchangeDelete{
		Exchange: name,
		IfUnused: opts.IfUnused,
		NoWait:   opts.NoWait,
	}

	if opts.NoWait {
		return ch.sendAsync(req)
	}
	_, err := call[*method.ExchangeDeleteOk](ctx, ch, req)
	return err
}
