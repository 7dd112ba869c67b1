// Package bufpool implements SendBufferPool: a pre-carved fixed-class pool
// of scratch buffers for outgoing RPC messages, falling back to the heap for
// anything too big for the arena.
//
// The pool is not a correctness-critical element of the transport — any
// allocator would do. No send path in this module allocates from it:
// wire.SendEnvelope encodes every envelope into a freshly allocated slice,
// so sending is not allocation-free. Layout is ported from the
// original SimpleBufferPool (a 64 KiB arena carved into fixed slab classes),
// translated from raw pointer arithmetic into slice bookkeeping.
package bufpool

import (
	"fmt"
	"sync"
)

// slabClass describes one fixed-size run of slabs within the arena.
type slabClass struct {
	size  int
	count int
}

// classes mirrors SimpleBufferPool's static layout: 8x256 + 6x1024 + 2x4096
// + 1x16384 + 1x32768 = 64 KiB exactly.
var classes = []slabClass{
	{size: 256, count: 8},
	{size: 1024, count: 6},
	{size: 4096, count: 2},
	{size: 16384, count: 1},
	{size: 32768, count: 1},
}

const arenaSize = 8*256 + 6*1024 + 2*4096 + 1*16384 + 1*32768 // 64 KiB

type slab struct {
	offset int
	size   int
	free   bool
}

// Pool is a process-wide fixed-class scratch buffer allocator. The zero
// value is not usable; construct with New.
type Pool struct {
	mu    sync.Mutex
	arena []byte
	slabs []slab
}

// New carves a fresh 64 KiB arena into the fixed slab classes.
func New() *Pool {
	p := &Pool{
		arena: make([]byte, arenaSize),
	}

	offset := 0
	for _, c := range classes {
		for i := 0; i < c.count; i++ {
			p.slabs = append(p.slabs, slab{offset: offset, size: c.size, free: true})
			offset += c.size
		}
	}

	return p
}

// Buffer is a scratch buffer checked out of the pool (or the heap, if the
// pool had nothing big enough). Release must be called exactly once.
type Buffer struct {
	b        []byte
	slabIdx  int // -1 if heap-allocated
	fromPool *Pool
}

// Bytes returns the zero-length, full-capacity backing slice. Callers
// append/slice within cap(Bytes()).
func (buf *Buffer) Bytes() []byte {
	return buf.b
}

// Allocate finds the smallest free slab with capacity >= nBytes; if none
// fits, it falls back to a heap allocation of exactly nBytes.
func (p *Pool) Allocate(nBytes int) *Buffer {
	p.mu.Lock()
	best := -1
	for i := range p.slabs {
		s := &p.slabs[i]
		if !s.free || s.size < nBytes {
			continue
		}
		if best == -1 || s.size < p.slabs[best].size {
			best = i
		}
	}

	if best >= 0 {
		p.slabs[best].free = false
		off := p.slabs[best].offset
		size := p.slabs[best].size
		p.mu.Unlock()

		return &Buffer{
			b:        p.arena[off : off : off+size],
			slabIdx:  best,
			fromPool: p,
		}
	}
	p.mu.Unlock()

	return &Buffer{
		b:       make([]byte, 0, nBytes),
		slabIdx: -1,
	}
}

// Release returns buf to the pool it was allocated from (marking the slab
// free), or drops it for the GC to collect if it was heap-allocated.
// Releasing a buffer that was neither carved from this pool's arena nor
// heap-allocated by it is a programmer error: it is logged and the process
// aborts, matching the original pool's RIALTO_IPC_LOG_FATAL-and-abort
// behavior for a corrupt free.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	if buf.slabIdx < 0 {
		// Heap-allocated: nothing to do, let the GC reclaim it.
		return
	}
	if buf.fromPool != p {
		panic(fmt.Sprintf("bufpool: release of slab %d against the wrong pool", buf.slabIdx))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if buf.slabIdx >= len(p.slabs) {
		panic(fmt.Sprintf("bufpool: release of unknown slab index %d", buf.slabIdx))
	}
	p.slabs[buf.slabIdx].free = true
}
