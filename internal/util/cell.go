package util

import (
	"sync"
)

// Cell is a one-shot value. The first Set wins; every waiter sees it.
type Cell[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewCell creates an empty cell
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Set stores v if the cell is still empty and reports whether it did
func (c *Cell[T]) Set(v T) bool {
	set := false
	c.once.Do(func() {
		c.value = v
		close(c.done)
		set = true
	})
	return set
}

// Done is closed once the cell holds a value
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}

// Value returns the stored value, or the zero value if the cell is empty
func (c *Cell[T]) Value() T {
	select {
	case <-c.done:
		return c.value
	default:
		var zero T
		return zero
	}
}
