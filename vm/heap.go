package vm

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// Heap is the allocator behind Lock and Unlock. Blocks are addressed by a
// caller-chosen key; the VM never sees addresses.
type Heap interface {
	// Alloc reserves size bytes under key. A zero size reserves the key only.
	Alloc(key string, size int) error
	// Free releases the block under key and reports whether one existed.
	Free(key string) bool
}

// HeapStats is a snapshot of GCHeap usage.
type HeapStats struct {
	Blocks   int
	InUse    int64
	Peak     int64
	Limit    int64
	Allocs   uint64
	Frees    uint64
	Rejected uint64
}

func (s HeapStats) String() string {
	limit := "unlimited"
	if s.Limit > 0 {
		limit = humanize.IBytes(uint64(s.Limit))
	}
	return fmt.Sprintf("heap: %d blocks, %s in use, %s peak, limit %s; %d allocs, %d frees, %d rejected",
		s.Blocks, humanize.IBytes(uint64(s.InUse)), humanize.IBytes(uint64(s.Peak)), limit, s.Allocs, s.Frees, s.Rejected)
}

// GCHeap is the default Heap: a byte budget over zeroed Go allocations.
// Freed blocks are reclaimed by the Go garbage collector.
type GCHeap struct {
	mu     sync.Mutex
	limit  int64
	blocks map[string][]byte
	inUse  int64
	peak   int64

	allocs   uint64
	frees    uint64
	rejected uint64
}

// NewGCHeap creates a heap holding at most limit bytes. A limit <= 0 means
// no budget.
func NewGCHeap(limit int64) *GCHeap {
	return &GCHeap{
		limit:  limit,
		blocks: make(map[string][]byte),
	}
}

// Alloc implements Heap.
func (h *GCHeap) Alloc(key string, size int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size < 0 {
		h.rejected++
		return fmt.Errorf("heap: invalid size %d for %q", size, key)
	}
	if _, ok := h.blocks[key]; ok {
		h.rejected++
		return fmt.Errorf("heap: %q: %w", key, ErrKeyInUse)
	}
	if h.limit > 0 && h.inUse+int64(size) > h.limit {
		h.rejected++
		return fmt.Errorf("heap: %q needs %d B, %d of %d B free: %w",
			key, size, h.limit-h.inUse, h.limit, ErrHeapExhausted)
	}

	h.blocks[key] = make([]byte, size)
	h.inUse += int64(size)
	if h.inUse > h.peak {
		h.peak = h.inUse
	}
	h.allocs++
	return nil
}

// Free implements Heap.
func (h *GCHeap) Free(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[key]
	if !ok {
		return false
	}
	delete(h.blocks, key)
	h.inUse -= int64(len(b))
	h.frees++
	return true
}

// Size returns the size of the block under key.
func (h *GCHeap) Size(key string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[key]
	return len(b), ok
}

// Stats returns current usage counters.
func (h *GCHeap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeapStats{
		Blocks:   len(h.blocks),
		InUse:    h.inUse,
		Peak:     h.peak,
		Limit:    h.limit,
		Allocs:   h.allocs,
		Frees:    h.frees,
		Rejected: h.rejected,
	}
}
