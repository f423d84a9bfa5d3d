package vm

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestGCHeapAllocFree(t *testing.T) {
	h := NewGCHeap(64)
	if err := h.Alloc("a", 16); err != nil {
		t.Fatalf("Alloc(a) error = %v", err)
	}
	if err := h.Alloc("b", 48); err != nil {
		t.Fatalf("Alloc(b) error = %v", err)
	}
	if err := h.Alloc("c", 1); !errors.Is(err, ErrHeapExhausted) {
		t.Errorf("Alloc(c) error = %v, want ErrHeapExhausted", err)
	}
	if !h.Free("a") {
		t.Error("Free(a) = false, want true")
	}
	if h.Free("a") {
		t.Error("second Free(a) = true, want false")
	}
	if err := h.Alloc("c", 16); err != nil {
		t.Errorf("Alloc(c) after free error = %v", err)
	}

	st := h.Stats()
	if st.Blocks != 2 || st.InUse != 64 || st.Peak != 64 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.Allocs != 3 || st.Frees != 1 || st.Rejected != 1 {
		t.Errorf("counters = %+v", st)
	}
}

func TestGCHeapRejects(t *testing.T) {
	h := NewGCHeap(0)
	if err := h.Alloc("k", -1); err == nil {
		t.Error("Alloc(k, -1) succeeded")
	}
	if err := h.Alloc("empty", 0); err != nil {
		t.Errorf("Alloc(empty, 0) error = %v", err)
	}
	if err := h.Alloc("empty", 0); !errors.Is(err, ErrKeyInUse) {
		t.Errorf("duplicate zero-size Alloc error = %v, want ErrKeyInUse", err)
	}
	if err := h.Alloc("k", 8); err != nil {
		t.Fatal(err)
	}
	if err := h.Alloc("k", 8); !errors.Is(err, ErrKeyInUse) {
		t.Errorf("duplicate Alloc error = %v, want ErrKeyInUse", err)
	}
	if size, _ := h.Size("k"); size != 8 {
		t.Errorf("Size(k) = %d, want the first allocation kept", size)
	}
}

func TestGCHeapConcurrent(t *testing.T) {
	h := NewGCHeap(0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Alloc("shared", 4) == nil {
				h.Free("shared")
			}
		}()
	}
	wg.Wait()
	if st := h.Stats(); st.InUse != 0 || st.Allocs != st.Frees {
		t.Errorf("Stats() = %+v after balanced alloc/free", st)
	}
}

func TestHeapStatsString(t *testing.T) {
	s := HeapStats{Blocks: 1, InUse: 16, Peak: 16}.String()
	if !strings.Contains(s, "unlimited") || !strings.Contains(s, "16 B in use") {
		t.Errorf("String() = %q, want unlimited", s)
	}
	s = HeapStats{InUse: 2048, Limit: 64 << 20}.String()
	if !strings.Contains(s, "2.0 KiB in use") || !strings.Contains(s, "limit 64 MiB") {
		t.Errorf("String() = %q", s)
	}
}
