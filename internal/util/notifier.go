package util

import "sync"

// Notifier wakes every goroutine waiting on it. Waiters take the channel
// from Wait before checking their condition, then block on it.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// Wait returns a channel that is closed on the next Broadcast
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

// Broadcast wakes all current waiters
func (n *Notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}
