package util

import (
	"sync"
	"testing"
)

// TestIDAllocatorBasic tests basic allocation and freeing
func TestIDAllocatorBasic(t *testing.T) {
	alloc := NewIDAllocator(1, 10)

	id1, ok := alloc.Allocate()
	if !ok || id1 != 1 {
		t.Fatalf("First allocation: got %d, %v, want 1, true", id1, ok)
	}

	id2, ok := alloc.Allocate()
	if !ok || id2 != 2 {
		t.Fatalf("Second allocation: got %d, %v, want 2, true", id2, ok)
	}

	if !alloc.Free(id1) {
		t.Error("Free failed")
	}

	// lowest free id comes back first
	id3, ok := alloc.Allocate()
	if !ok || id3 != id1 {
		t.Errorf("Allocation after free: got %d, want %d", id3, id1)
	}
}

// TestIDAllocatorExhaustion tests exhausting the allocator
func TestIDAllocatorExhaustion(t *testing.T) {
	alloc := NewIDAllocator(1, 5)

	for i := 1; i <= 5; i++ {
		id, ok := alloc.Allocate()
		if !ok {
			t.Fatalf("Allocation %d failed", i)
		}
		if id != i {
			t.Errorf("Allocation %d: got %d", i, id)
		}
	}

	if _, ok := alloc.Allocate(); ok {
		t.Error("Should have failed to allocate when exhausted")
	}

	if !alloc.Free(3) {
		t.Error("Free failed")
	}

	if id, ok := alloc.Allocate(); !ok || id != 3 {
		t.Errorf("Allocation after free: got %d, %v, want 3, true", id, ok)
	}
}

// TestIDAllocatorReserve tests reserving specific IDs
func TestIDAllocatorReserve(t *testing.T) {
	alloc := NewIDAllocator(1, 10)

	if !alloc.Reserve(5) {
		t.Error("Reserve failed")
	}
	if alloc.Reserve(5) {
		t.Error("Reserve of an allocated id should fail")
	}
	if alloc.Reserve(0) || alloc.Reserve(11) {
		t.Error("Reserve outside range should fail")
	}

	allocated := make(map[int]bool)
	for i := 0; i < 9; i++ {
		id, ok := alloc.Allocate()
		if !ok {
			t.Fatalf("Allocation %d failed", i)
		}
		if id == 5 {
			t.Error("Allocated reserved ID")
		}
		allocated[id] = true
	}

	if len(allocated) != 9 {
		t.Errorf("Allocated count: got %d, want 9", len(allocated))
	}
}

func TestIDAllocatorWideRange(t *testing.T) {
	alloc := NewIDAllocator(1, 65535)

	for i := 1; i <= 200; i++ {
		if !alloc.Reserve(i) {
			t.Fatalf("Reserve(%d) failed", i)
		}
	}

	if id, ok := alloc.Allocate(); !ok || id != 201 {
		t.Errorf("Allocate: got %d, %v, want 201, true", id, ok)
	}
	if !alloc.Reserve(65535) {
		t.Error("Reserve(65535) failed")
	}
	if avail := alloc.Available(); avail != 65535-202 {
		t.Errorf("Available: got %d, want %d", avail, 65535-202)
	}
}

func TestIDAllocatorSetMax(t *testing.T) {
	alloc := NewIDAllocator(1, 65535)
	alloc.SetMax(2)

	alloc.Allocate()
	alloc.Allocate()
	if _, ok := alloc.Allocate(); ok {
		t.Error("Allocation beyond new max should fail")
	}
	if avail := alloc.Available(); avail != 0 {
		t.Errorf("Available: got %d, want 0", avail)
	}
}

// TestIDAllocatorConcurrent tests concurrent allocation
func TestIDAllocatorConcurrent(t *testing.T) {
	alloc := NewIDAllocator(1, 100)

	numGoroutines := 10
	allocationsPerGoroutine := 5

	var wg sync.WaitGroup
	allocated := make(chan int, numGoroutines*allocationsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < allocationsPerGoroutine; j++ {
				if id, ok := alloc.Allocate(); ok {
					allocated <- id
				}
			}
		}()
	}

	wg.Wait()
	close(allocated)

	seen := make(map[int]bool)
	for id := range allocated {
		if seen[id] {
			t.Errorf("ID %d allocated multiple times", id)
		}
		seen[id] = true
	}
	if len(seen) != numGoroutines*allocationsPerGoroutine {
		t.Errorf("Allocated: got %d, want %d", len(seen), numGoroutines*allocationsPerGoroutine)
	}
}

// TestIDAllocatorInvalidFree tests freeing invalid IDs
func TestIDAllocatorInvalidFree(t *testing.T) {
	alloc := NewIDAllocator(1, 10)

	if alloc.Free(0) {
		t.Error("Should not free ID below range")
	}
	if alloc.Free(11) {
		t.Error("Should not free ID above range")
	}

	id, _ := alloc.Allocate()
	alloc.Free(id)
	if alloc.Free(id) {
		t.Error("Should not free already free ID")
	}
}

// BenchmarkIDAllocator benchmarks allocation performance
func BenchmarkIDAllocator(b *testing.B) {
	alloc := NewIDAllocator(1, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, ok := alloc.Allocate()
		if ok {
			alloc.Free(id)
		}
	}
}
