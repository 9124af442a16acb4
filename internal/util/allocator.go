// Package util holds small concurrency helpers shared by the client.
package util

import (
	"math/bits"
	"sync"
)

// IDAllocator hands out integer ids in [min, max], lowest free id first
type IDAllocator struct {
	mu       sync.Mutex
	min, max int
	used     []uint64
	inUse    int
}

// NewIDAllocator creates an allocator for ids in [min, max]
func NewIDAllocator(min, max int) *IDAllocator {
	a := &IDAllocator{min: min}
	a.resize(max)
	return a
}

func (a *IDAllocator) resize(max int) {
	a.max = max
	words := 0
	if max >= a.min {
		words = (max-a.min)/64 + 1
	}
	if words > len(a.used) {
		a.used = append(a.used, make([]uint64, words-len(a.used))...)
	}
}

// SetMax changes the upper bound. Ids already handed out above the new
// bound stay allocated until freed.
func (a *IDAllocator) SetMax(max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resize(max)
}

func (a *IDAllocator) isUsed(i int) bool {
	off := i - a.min
	return a.used[off/64]&(1<<uint(off%64)) != 0
}

func (a *IDAllocator) mark(i int, used bool) {
	off := i - a.min
	if used {
		a.used[off/64] |= 1 << uint(off%64)
		a.inUse++
	} else {
		a.used[off/64] &^= 1 << uint(off%64)
		a.inUse--
	}
}

// Allocate returns the lowest free id
func (a *IDAllocator) Allocate() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for w, word := range a.used {
		if word == ^uint64(0) {
			continue
		}
		i := a.min + w*64 + bits.TrailingZeros64(^word)
		if i > a.max {
			return 0, false
		}
		a.mark(i, true)
		return i, true
	}
	return 0, false
}

// Reserve marks a specific id as allocated
func (a *IDAllocator) Reserve(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < a.min || i > a.max || a.isUsed(i) {
		return false
	}
	a.mark(i, true)
	return true
}

// Free releases an id
func (a *IDAllocator) Free(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < a.min || i-a.min >= len(a.used)*64 || !a.isUsed(i) {
		return false
	}
	a.mark(i, false)
	return true
}

// Available returns how many ids can still be allocated
func (a *IDAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.max < a.min {
		return 0
	}
	n := a.max - a.min + 1 - a.inUse
	if n < 0 {
		return 0
	}
	return n
}
