// Package freelist implements PFreelist: a singly-linked freelist of
// fixed-size objects inside one or more contiguous memory ranges. It is the
// elementary page pool the rest of the memory subsystem is built from.
//
// A Range's header is carved out of the memory it manages — the first few
// objects of the range are consumed to hold the Range struct itself, the way
// the kernel's Physmem_t and alewtschuk/balloc's Avail headers live in-band
// at the front of the memory they describe, rather than on a side heap that
// would not exist yet during bootstrap.
package freelist

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"vellum/src/memaddr"
)

// Range is one contiguous region partitioned into equally sized objects.
// Its invariants: Base <= head < Ceil or head is nil; every node reachable
// from head lies in [Base, Ceil) and is ObjectSize-aligned; FreeCount equals
// the length of that chain.
type Range struct {
	Base       memaddr.La_t
	Ceil       memaddr.La_t
	ObjectSize uintptr

	head      atomic.Uintptr // address of the first free object, 0 if empty
	freeCount atomic.Int64

	Next *Range
}

// FreeCount returns the number of objects currently free in the range.
func (r *Range) FreeCount() int64 { return r.freeCount.Load() }

func readNext(addr memaddr.La_t) uintptr {
	return *(*uintptr)(unsafe.Pointer(uintptr(addr)))
}

func writeNext(addr memaddr.La_t, val uintptr) {
	*(*uintptr)(unsafe.Pointer(uintptr(addr))) = val
}

// List is the head of a linked list of Ranges, all sharing one object size.
// Alloc promotes the most-recently-useful range to head so that typical
// access is O(1) even though the worst case is O(ranges).
type List struct {
	orderingLock sync.Mutex
	head         *Range
}

// Init constructs a new Range in place over [base, ceil) with the given
// object size, and pushes it onto list's head. The header itself consumes
// the first ceil(sizeof(Range)/objectSize) objects; the remainder form the
// free chain in ascending address order. objectSize must be a power of two
// no smaller than a pointer.
func Init(list *List, base, ceil memaddr.La_t, objectSize uintptr) *Range {
	if objectSize < unsafe.Sizeof(uintptr(0)) || !memaddr.IsPow2(objectSize) {
		panic("freelist: object size must be a power of two >= pointer size")
	}
	headerObjects := memaddr.CeilDiv(unsafe.Sizeof(Range{}), objectSize)
	headStart := base + memaddr.La_t(headerObjects*objectSize)
	if headStart > ceil {
		panic("freelist: range too small for its own header")
	}

	r := (*Range)(unsafe.Pointer(uintptr(base)))
	*r = Range{Base: headStart, Ceil: ceil, ObjectSize: objectSize}

	var count int64
	var next memaddr.La_t
	n := uintptr(ceil-headStart) / objectSize
	for i := n; i > 0; i-- {
		addr := headStart + memaddr.La_t((i-1)*objectSize)
		writeNext(addr, uintptr(next))
		next = addr
		count++
	}
	if count > 0 {
		r.head.Store(uintptr(next))
	}
	r.freeCount.Store(count)

	list.orderingLock.Lock()
	r.Next = list.head
	list.head = r
	list.orderingLock.Unlock()
	return r
}

// Alloc walks the list under the ordering lock, selects the first range
// with free capacity, rotates it to head if it was not already there, then
// pops its head object with a lock-free atomic exchange. It returns false
// iff every range is fully allocated.
func Alloc(list *List) (memaddr.La_t, bool) {
	list.orderingLock.Lock()
	var prev, cur *Range
	cur = list.head
	for cur != nil && cur.freeCount.Load() <= 0 {
		prev = cur
		cur = cur.Next
	}
	if cur == nil {
		list.orderingLock.Unlock()
		return 0, false
	}
	if cur != list.head {
		prev.Next = cur.Next
		cur.Next = list.head
		list.head = cur
	}
	list.orderingLock.Unlock()

	for {
		h := cur.head.Load()
		if h == 0 {
			return 0, false
		}
		next := readNext(memaddr.La_t(h))
		if cur.head.CompareAndSwap(h, next) {
			cur.freeCount.Add(-1)
			return memaddr.La_t(h), true
		}
	}
}

// Free locates the range owning addr by an address-in-range scan under the
// ordering lock, then pushes addr onto that range's head with a lock-free
// atomic exchange. It reports false if addr lies outside every range in the
// list, so the caller can try the next allocator — freelist.Free never
// silently drops memory.
func Free(list *List, addr memaddr.La_t) bool {
	list.orderingLock.Lock()
	var target *Range
	for cur := list.head; cur != nil; cur = cur.Next {
		if addr >= cur.Base && addr < cur.Ceil {
			target = cur
			break
		}
	}
	list.orderingLock.Unlock()
	if target == nil {
		return false
	}

	for {
		h := target.head.Load()
		writeNext(addr, h)
		if target.head.CompareAndSwap(h, uintptr(addr)) {
			target.freeCount.Add(1)
			return true
		}
	}
}

// HasCapacity reports whether any range in the list currently has a free
// object, without mutating anything — used by pmm to decide whether to
// route a request to this list or fall back to a buddy/new range.
func HasCapacity(list *List) bool {
	list.orderingLock.Lock()
	defer list.orderingLock.Unlock()
	for cur := list.head; cur != nil; cur = cur.Next {
		if cur.freeCount.Load() > 0 {
			return true
		}
	}
	return false
}

// Head returns the list's current head range, or nil if the list is empty.
// Exposed for diagnostics and tests; not part of the allocation hot path.
func Head(list *List) *Range {
	list.orderingLock.Lock()
	defer list.orderingLock.Unlock()
	return list.head
}
