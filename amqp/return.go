package amqp

import (
	"fmt"
)

// Return represents a message returned by the broker (unroutable)
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// ReturnListener handles returned messages
type ReturnListener interface {
	HandleReturn(ret Return)
}

// ReturnListenerFunc adapts a function to ReturnListener
type ReturnListenerFunc func(ret Return)

// HandleReturn calls f(ret)
func (f ReturnListenerFunc) HandleReturn(ret Return) {
	f(ret)
}

// NotifyReturn registers a channel to receive returned messages. Returns
// are dropped when it is full; it is closed with the channel.
func (ch *Channel) NotifyReturn(returnChan chan Return) chan Return {
	ch.listenerMux.Lock()
	defer ch.listenerMux.Unlock()

	if ch.listenersClosed {
		close(returnChan)
		return returnChan
	}
	ch.returnChans = append(ch.returnChans, returnChan)
	return returnChan
}

// AddReturnListener adds a callback-based return listener. It is ignored
// once the channel is closed.
func (ch *Channel) AddReturnListener(listener ReturnListener) {
	ch.listenerMux.Lock()
	defer ch.listenerMux.Unlock()

	if ch.listenersClosed {
		return
	}
	ch.returnListeners = append(ch.returnListeners, listener)
}

// dispatchReturn hands a reassembled basic.return to the listeners
func (ch *Channel) dispatchReturn(ret Return) {
	ch.listenerMux.Lock()
	defer ch.listenerMux.Unlock()

	delivered := len(ch.returnListeners) > 0

	for _, returnChan := range ch.returnChans {
		select {
		case returnChan <- ret:
			delivered = true
		default:
		}
	}

	for _, listener := range ch.returnListeners {
		go func(l ReturnListener) {
			defer func() {
				if r := recover(); r != nil {
					ch.conn.cfg.errorHandler.HandleReturnListenerError(ch, fmt.Errorf("return listener panicked: %v", r))
				}
			}()
			l.HandleReturn(ret)
		}(listener)
	}

	if !delivered {
		go ch.conn.cfg.errorHandler.HandleReturnListenerError(ch, &Error{
			Kind:   KindServer,
			Scope:  ScopeChannel,
			Code:   int(ret.ReplyCode),
			Reason: fmt.Sprintf("dropped return from %q with key %q: %s", ret.Exchange, ret.RoutingKey, ret.ReplyText),
		})
	}
}
