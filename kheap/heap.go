// Package kheap implements the kernel's first-fit, address-ordered heap
// allocator with split-on-alloc and coalesce-on-free (spec.md §4.3).
//
// The allocator owns a single backing arena ([]byte) sized at construction.
// Block bookkeeping (the "header" spec.md describes as living at the front
// of each block) is kept as a parallel Go struct rather than bytes written
// into the arena itself — same fields, same invariants, same algorithm, but
// addressed with a safe Go pointer instead of raw pointer arithmetic on the
// header. Callers therefore free with the *Block handle Alloc returned,
// never with an arena offset.
package kheap

import (
	"sync"
	"unsafe"

	"github.com/ThbzZxx/zkRTOS/kerrors"
	"github.com/ThbzZxx/zkRTOS/klist"
)

// Block is an allocated (or free) region of the arena. The intrusive node
// puts it on exactly one of the heap's free/used lists at a time. node must
// stay the first field: blockOf recovers *Block from *klist.Node by
// reinterpreting the address, the same trick an embedded C header uses to
// recover the block from the pointer handed back to the caller.
type Block struct {
	node   klist.Node
	offset uint32 // start of this block (header + data) within the arena
	size   uint32 // total size of this block, including header overhead
	used   bool
	data   []byte
}

// Data returns the usable byte slice backing this block, sized to what the
// caller requested (not the block's total size, which includes rounding and
// header overhead).
func (b *Block) Data() []byte { return b.data }

func blockOf(n *klist.Node) *Block {
	return (*Block)(unsafe.Pointer(n))
}

// Stats is a snapshot of allocator statistics, updated under the heap's
// lock on every Alloc/Free (spec.md §4.3).
type Stats struct {
	PeakUsed       uint32
	AllocCount     uint64
	FreeCount      uint64
	FailCount      uint64
	FreeBlockCount int
	UsedBlockCount int
	TotalAllocated uint64
	TotalFreed     uint64
}

// Heap is the kernel's allocator over one fixed-size arena.
type Heap struct {
	mu    sync.Mutex
	arena []byte
	align uint32

	free *klist.List
	used *klist.List

	curUsed uint32
	stats   Stats

	// OnAllocFail, if set, is invoked (outside the lock) whenever Alloc
	// fails due to insufficient free space — the malloc-failed hook of
	// spec.md §4.10.
	OnAllocFail func(requestedSize int)
}

// headerSize is the bookkeeping overhead charged against every block, the
// Go-struct equivalent of the C header spec.md §4.3 describes. It does not
// correspond to real bytes in the arena (see package doc) but still
// participates in the split/minimum-block arithmetic exactly as the C
// header would.
const headerSize = 16

// New creates a Heap over a newly allocated arena of the given size, with
// blocks aligned to align bytes (spec permits A ∈ {4,8}).
func New(size int, align uint32) *Heap {
	if align != 4 && align != 8 {
		align = 8
	}
	h := &Heap{
		arena: make([]byte, size),
		align: align,
		free:  klist.New(),
		used:  klist.New(),
	}
	root := &Block{offset: 0, size: uint32(size)}
	h.free.PushBack(&root.node)
	h.stats.FreeBlockCount = 1
	return h
}

func alignUp(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}

// Alloc reserves size bytes. A zero-size request returns (nil, nil) without
// error, per spec.md §4.3 ("Zero-size requests return null without
// asserting"). A request that cannot be satisfied returns
// kerrors.ErrOutOfMemory and invokes OnAllocFail.
func (h *Heap) Alloc(size int) (*Block, error) {
	if size == 0 {
		return nil, nil
	}
	if size < 0 {
		return nil, kerrors.ErrInvalidParameter
	}

	final := alignUp(uint32(size)+headerSize, h.align)
	if final < 2*headerSize {
		final = 2 * headerSize
	}

	h.mu.Lock()
	var found *Block
	for n := h.free.Front(); n != nil; n = n.Next() {
		b := blockOf(n)
		if b.size >= final {
			found = b
			break
		}
	}
	if found == nil {
		h.stats.FailCount++
		h.mu.Unlock()
		if h.OnAllocFail != nil {
			h.OnAllocFail(size)
		}
		return nil, kerrors.ErrOutOfMemory
	}

	h.free.Remove(&found.node)
	h.stats.FreeBlockCount--

	remainder := found.size - final
	if remainder >= 2*headerSize {
		found.size = final
		split := &Block{offset: found.offset + final, size: remainder}
		h.insertFreeOrdered(split)
	}

	found.used = true
	h.used.PushBack(&found.node)
	h.stats.UsedBlockCount++
	h.stats.AllocCount++
	h.stats.TotalAllocated += uint64(found.size)
	h.curUsed += found.size
	if h.curUsed > h.stats.PeakUsed {
		h.stats.PeakUsed = h.curUsed
	}
	h.mu.Unlock()

	found.data = h.arena[found.offset+headerSize : found.offset+headerSize+uint32(size)]
	return found, nil
}

// Free releases b back to the heap, coalescing with abutting free
// neighbors. Freeing nil is a no-op. Freeing a block twice, or a block not
// owned by this heap, returns a CorruptionError (spec.md §4.3: "assert the
// header is on the used list").
func (h *Heap) Free(b *Block) error {
	if b == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !b.used || b.node.Owner() != h.used {
		return kerrors.WrapCorruption("free of block not on used list")
	}

	h.used.Remove(&b.node)
	b.used = false
	b.data = nil
	h.stats.UsedBlockCount--
	h.stats.FreeCount++
	h.stats.TotalFreed += uint64(b.size)
	h.curUsed -= b.size

	h.insertFreeOrdered(b)
	return nil
}

// insertFreeOrdered inserts b into the address-ordered free list, merging
// with the immediately preceding and/or following block when they abut
// exactly. Must be called with h.mu held.
func (h *Heap) insertFreeOrdered(b *Block) {
	var prev, mark *klist.Node
	for n := h.free.Front(); n != nil; n = n.Next() {
		if blockOf(n).offset > b.offset {
			mark = n
			break
		}
		prev = n
	}

	merged := false
	if prev != nil {
		pb := blockOf(prev)
		if pb.offset+pb.size == b.offset {
			pb.size += b.size
			b = pb
			merged = true
		}
	}

	if !merged {
		if mark != nil {
			h.free.InsertBefore(&b.node, mark)
		} else {
			h.free.PushBack(&b.node)
		}
		h.stats.FreeBlockCount++
	}

	if n := b.node.Next(); n != nil {
		nb := blockOf(n)
		if b.offset+b.size == nb.offset {
			b.size += nb.size
			h.free.Remove(&nb.node)
			h.stats.FreeBlockCount--
		}
	}
}

// Stats returns a snapshot of the allocator's statistics.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
