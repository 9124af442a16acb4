package util

import (
	"sync"
	"testing"
	"time"
)

func TestNotifierBroadcast(t *testing.T) {
	var n Notifier

	numWaiters := 5
	var wg sync.WaitGroup
	ready := make(chan struct{}, numWaiters)
	for i := 0; i < numWaiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := n.Wait()
			ready <- struct{}{}
			<-ch
		}()
	}
	for i := 0; i < numWaiters; i++ {
		<-ready
	}

	n.Broadcast()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not woken by Broadcast")
	}
}

func TestNotifierRearms(t *testing.T) {
	var n Notifier

	first := n.Wait()
	n.Broadcast()
	<-first

	second := n.Wait()
	select {
	case <-second:
		t.Fatal("new wait channel should not be closed")
	default:
	}

	// repeated broadcasts are safe
	n.Broadcast()
	n.Broadcast()
	select {
	case <-second:
	default:
		t.Fatal("second channel should be closed")
	}
}
