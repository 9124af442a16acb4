package amqp

import (
	"context"
	"fmt"

	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/util"
)

// reply is what a pending call receives: the reply method, or the error
// that closed the channel first
type reply struct {
	m   method.Method
	err error
}

// expectation is one pending synchronous call. Expectations stay queued in
// send order; one whose caller gave up is abandoned, so its late reply is
// consumed and dropped instead of reaching the next caller.
type expectation struct {
	classID   uint16
	methodID  uint16
	cell      *util.Cell[reply]
	abandoned bool
}

func (e *expectation) matches(m method.Method) bool {
	classID, methodID := m.ID()
	return classID == e.classID && methodID == e.methodID
}

// call sends req on ch and waits for the reply of type T. Only one call
// may be live per channel; a second one fails with ErrRPCInProgress.
func call[T method.Method](ctx context.Context, ch *Channel, req method.Method) (T, error) {
	return invoke[T](ctx, ch, req, true)
}

// invoke is call with the single-call check optional. Closing a channel
// skips it so Close works while another goroutine waits on a reply.
func invoke[T method.Method](ctx context.Context, ch *Channel, req method.Method, exclusive bool) (T, error) {
	var zero T
	classID, methodID := zero.ID()

	exp := &expectation{
		classID:  classID,
		methodID: methodID,
		cell:     util.NewCell[reply](),
	}

	f, err := method.NewFrame(ch.id, req)
	if err != nil {
		return zero, &Error{Kind: KindUsage, Scope: ScopeChannel, Reason: "encode " + method.Name(req), Err: err}
	}

	ch.mu.Lock()
	if ch.GetState() == ChannelStateClosed {
		ch.mu.Unlock()
		return zero, ch.closedError()
	}
	if exclusive {
		for _, e := range ch.rpc {
			if !e.abandoned {
				ch.mu.Unlock()
				return zero, ErrRPCInProgress
			}
		}
	}
	ch.rpc = append(ch.rpc, exp)
	ch.mu.Unlock()

	if err := ch.conn.send(f); err != nil {
		ch.dropExpectation(exp)
		return zero, err
	}

	if timeout := ch.conn.cfg.rpcTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-exp.cell.Done():
	case <-ctx.Done():
		ch.mu.Lock()
		select {
		case <-exp.cell.Done():
			// answered while we were timing out
		default:
			exp.abandoned = true
		}
		ch.mu.Unlock()

		if exp.abandoned {
			ch.log.WithField("method", method.Name(req)).Debug("Abandoned call, late reply will be discarded")
			return zero, waitError(ctx, ScopeChannel, fmt.Sprintf("no reply to %s", method.Name(req)))
		}
	}

	r := exp.cell.Value()
	if r.err != nil {
		return zero, r.err
	}
	return r.m.(T), nil
}

// deliverReply hands a synchronous reply to the oldest expectation that
// wants it. Expectations queued ahead of it were abandoned or will never be
// answered and are dropped.
func (ch *Channel) deliverReply(m method.Method) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for i, e := range ch.rpc {
		if !e.matches(m) {
			continue
		}

		var skipErr error = &Error{
			Kind:   KindProtocol,
			Scope:  ScopeChannel,
			Reason: fmt.Sprintf("server answered %s first", method.Name(m)),
		}
		if _, ok := m.(*method.ChannelCloseOk); ok {
			skipErr = &Error{Kind: KindClosed, Scope: ScopeChannel, Reason: "channel closed by client"}
		}
		for _, skipped := range ch.rpc[:i] {
			if !skipped.abandoned {
				skipped.cell.Set(reply{err: skipErr})
			}
		}
		ch.rpc = ch.rpc[i+1:]

		if e.abandoned {
			ch.log.Debugf("Discarding late %s", method.Name(m))
			return
		}
		e.cell.Set(reply{m: m})
		return
	}

	ch.log.Warnf("Discarding unexpected %s", method.Name(m))
}

func (ch *Channel) dropExpectation(exp *expectation) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for i, e := range ch.rpc {
		if e == exp {
			ch.rpc = append(ch.rpc[:i], ch.rpc[i+1:]...)
			return
		}
	}
}

// failExpectationsLocked resolves every pending call with err. ch.mu must
// be held.
func (ch *Channel) failExpectationsLocked(err error) {
	for _, e := range ch.rpc {
		if !e.abandoned {
			e.cell.Set(reply{err: err})
		}
	}
	ch.rpc = nil
}
