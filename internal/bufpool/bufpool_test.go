package bufpool

import "testing"

func TestAllocatePicksSmallestFittingSlab(t *testing.T) {
	p := New()

	buf := p.Allocate(200)
	if cap(buf.Bytes()) != 256 {
		t.Fatalf("cap = %d, want 256 (smallest class >= 200)", cap(buf.Bytes()))
	}
	if buf.slabIdx < 0 {
		t.Fatalf("expected a pool slab, got heap fallback")
	}
	p.Release(buf)
}

func TestAllocateFallsBackToHeapWhenArenaExhausted(t *testing.T) {
	p := New()

	var bufs []*Buffer
	for i := 0; i < 8; i++ {
		bufs = append(bufs, p.Allocate(256))
	}

	// The 256-byte class is now exhausted; a ninth 256-byte request must
	// either climb to a bigger free class or fall back to the heap. Drain
	// every class to force the fallback.
	for _, c := range classes[1:] {
		for i := 0; i < c.count; i++ {
			bufs = append(bufs, p.Allocate(c.size))
		}
	}

	overflow := p.Allocate(64)
	if overflow.slabIdx != -1 {
		t.Fatalf("expected heap fallback once the arena is exhausted")
	}
	if cap(overflow.Bytes()) != 64 {
		t.Fatalf("heap buffer cap = %d, want 64", cap(overflow.Bytes()))
	}

	for _, b := range bufs {
		p.Release(b)
	}
	p.Release(overflow)
}

func TestReleaseMakesSlabReusable(t *testing.T) {
	p := New()

	a := p.Allocate(32768)
	if a.slabIdx < 0 {
		t.Fatalf("expected a pool slab for the largest class")
	}
	p.Release(a)

	b := p.Allocate(32768)
	if b.slabIdx != a.slabIdx {
		t.Fatalf("expected the released slab to be reused, got different slab")
	}
	p.Release(b)
}

func TestAllocateTooLargeForArenaFallsBackToHeap(t *testing.T) {
	p := New()

	buf := p.Allocate(arenaSize + 1)
	if buf.slabIdx != -1 {
		t.Fatalf("expected heap fallback for an oversized request")
	}
	p.Release(buf)
}

func TestReleaseWrongPoolPanics(t *testing.T) {
	p1 := New()
	p2 := New()

	buf := p1.Allocate(256)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic releasing a buffer against the wrong pool")
		}
	}()
	p2.Release(buf)
}
