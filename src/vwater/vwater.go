// Package vwater implements VWatermark: a freeing bump allocator over one or
// more caller-supplied ranges (unlike PWatermark, which never frees).
// pmm.Init registers its bootstrap range as a VWatermark's first Meta; the
// PMM's own tables are Go values and are not allocated from it. The
// meta-list-plus-per-meta-locks shape is modeled on this module's own
// PFreelist (list-of-ranges with an ordering lock, per-range independent
// locking), generalized with a first-fit free list the way the teacher's
// Physmem_t manages its own free page chains in mem.go.
package vwater

import (
	"sync"
	"unsafe"

	"vellum/src/memaddr"
)

type node struct {
	Base memaddr.La_t
	Ceil memaddr.La_t
	Next *node
}

// Meta is one bump-and-free range. Its bump pointer (off), allocated list,
// and free list are guarded by three independent locks so that an alloc
// bumping virgin space never contends with a free coalescing the free list.
type Meta struct {
	Base memaddr.La_t
	Ceil memaddr.La_t

	offLock sync.Mutex
	off     memaddr.La_t

	allocatedLock sync.Mutex
	allocated     *node

	freeLock sync.Mutex
	free     *node

	Next *Meta
}

// Watermark is the head of a linked list of Metas, each covering a distinct
// range, selected under a single ordering lock the way PFreelist selects
// among its Ranges.
type Watermark struct {
	orderLock sync.Mutex
	head      *Meta
}

// AddRange registers [base, ceil) as a new bump-and-free range and links it
// into the watermark.
func AddRange(vw *Watermark, base, ceil memaddr.La_t) *Meta {
	m := &Meta{Base: base, Ceil: ceil, off: base}
	vw.orderLock.Lock()
	m.Next = vw.head
	vw.head = m
	vw.orderLock.Unlock()
	return m
}

func bumpFromMeta(m *Meta, size uintptr) (memaddr.La_t, bool) {
	m.offLock.Lock()
	defer m.offLock.Unlock()
	if m.off+memaddr.La_t(size) > m.Ceil {
		return 0, false
	}
	addr := m.off
	m.off += memaddr.La_t(size)
	return addr, true
}

func linkAllocated(m *Meta, base, ceil memaddr.La_t) {
	n := &node{Base: base, Ceil: ceil}
	m.allocatedLock.Lock()
	n.Next = m.allocated
	m.allocated = n
	m.allocatedLock.Unlock()
}

// allocFromMeta first-fits over m's free list, splitting the matched node or
// consuming it whole on an exact match; on a miss it bumps virgin space.
// Either way the satisfied range is linked into the allocated list before
// returning.
func allocFromMeta(m *Meta, size uintptr) (memaddr.La_t, bool) {
	m.freeLock.Lock()
	var prev *node
	for n := m.free; n != nil; n = n.Next {
		avail := uintptr(n.Ceil - n.Base)
		if avail >= size {
			addr := n.Base
			if avail == size {
				if prev == nil {
					m.free = n.Next
				} else {
					prev.Next = n.Next
				}
			} else {
				n.Base += memaddr.La_t(size)
			}
			m.freeLock.Unlock()
			linkAllocated(m, addr, addr+memaddr.La_t(size))
			return addr, true
		}
		prev = n
	}
	m.freeLock.Unlock()

	addr, ok := bumpFromMeta(m, size)
	if !ok {
		return 0, false
	}
	linkAllocated(m, addr, addr+memaddr.La_t(size))
	return addr, true
}

// Alloc satisfies size from the first meta with room, in pointer-sized
// granularity.
func Alloc(vw *Watermark, size uintptr) (memaddr.La_t, bool) {
	if size == 0 {
		return 0, false
	}
	size = memaddr.Roundup(size, unsafe.Sizeof(uintptr(0)))
	vw.orderLock.Lock()
	head := vw.head
	vw.orderLock.Unlock()

	for m := head; m != nil; m = m.Next {
		if addr, ok := allocFromMeta(m, size); ok {
			return addr, true
		}
	}
	return 0, false
}

func unlinkAllocated(m *Meta, addr memaddr.La_t) (*node, bool) {
	m.allocatedLock.Lock()
	defer m.allocatedLock.Unlock()
	var prev *node
	for n := m.allocated; n != nil; n = n.Next {
		if n.Base == addr {
			if prev == nil {
				m.allocated = n.Next
			} else {
				prev.Next = n.Next
			}
			n.Next = nil
			return n, true
		}
		prev = n
	}
	return nil, false
}

func pushFreeNode(m *Meta, n *node) {
	m.freeLock.Lock()
	n.Next = m.free
	m.free = n
	m.freeLock.Unlock()
}

func removeFreeNode(m *Meta, target *node) {
	var prev *node
	for n := m.free; n != nil; n = n.Next {
		if n == target {
			if prev == nil {
				m.free = n.Next
			} else {
				prev.Next = n.Next
			}
			return
		}
		prev = n
	}
}

// coalesce merges every pair of address-adjacent free nodes to a fixpoint.
// The free list carries no address ordering (nodes are pushed LIFO), so
// unlike the single sorted linear pass the spec describes, this repeats
// until a full scan finds nothing left to merge; the result is identical,
// just without relying on a sort this module does not otherwise maintain.
func coalesce(m *Meta) {
	m.freeLock.Lock()
	defer m.freeLock.Unlock()

	for {
		merged := false
		for a := m.free; a != nil; a = a.Next {
			for b := m.free; b != nil; b = b.Next {
				if a == b {
					continue
				}
				if a.Ceil == b.Base {
					a.Ceil = b.Ceil
					removeFreeNode(m, b)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
		if !merged {
			return
		}
	}
}

// Free returns addr to the meta that allocated it, coalescing it with any
// address-adjacent free nodes. It reports false if no meta's allocated list
// owns addr.
func Free(vw *Watermark, addr memaddr.La_t) (uint64, bool) {
	vw.orderLock.Lock()
	head := vw.head
	vw.orderLock.Unlock()

	for m := head; m != nil; m = m.Next {
		if removed, ok := unlinkAllocated(m, addr); ok {
			sz := uint64(removed.Ceil - removed.Base)
			pushFreeNode(m, removed)
			coalesce(m)
			return sz, true
		}
	}
	return 0, false
}
