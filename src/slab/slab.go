// Package slab implements PSlab: eight fixed size-class freelists for
// sub-page allocations, object sizes 2^lowestExp .. 2^(lowestExp+7), each
// expanded on demand by carving pagesPerList pages at a time. The
// size-class-array-plus-grow-on-demand shape is grounded on
// cloudfly-readgo/runtime's mcentral (mCentral_Grow fetches a span and
// partitions it into same-sized objects exactly once a class runs dry); the
// freelist each class is built from is this module's own PFreelist.
package slab

import (
	"vellum/src/freelist"
	"vellum/src/memaddr"
	"vellum/src/stats"
)

// numLists is the number of size classes PSlab always carries, per spec:
// object sizes 2^lowestExp through 2^(lowestExp+7).
const numLists = 8

// Slab serves allocations no larger than 2^(lowestExp+7) from one freelist
// per size class. Every class starts empty; the first Expand (normally run
// by the constructor) or the first starved Alloc grows every class by
// pagesPerList pages at once, mirroring the teacher's single expand() entry
// point rather than growing classes independently.
type Slab struct {
	lowestExp uint
	lists     [numLists]freelist.List
	grows     [numLists]stats.Counter
	refill    func(size int) (memaddr.La_t, bool)
}

// New constructs an empty Slab serving classes [lowestExp, lowestExp+7],
// refilling via refill, which is asked for pagesPerList*PageSize contiguous
// bytes at a time (see Expand). lowestExp must be at least log2 of a
// pointer's size, matching spec.md §4.3's precondition on PSlab.
func New(lowestExp uint, refill func(size int) (memaddr.La_t, bool)) *Slab {
	return &Slab{lowestExp: lowestExp, refill: refill}
}

// Expand requests pagesPerList*PageSize bytes from the backing source for
// each of the eight size classes in turn, in order, and carves a fresh
// freelist range of the matching object size over it. It stops at the first
// class that fails to get backing memory and returns the number of classes
// successfully extended, so the caller can decide between retry and giving
// up (spec.md §4.3).
func (s *Slab) Expand(pagesPerList int) int {
	bytes := pagesPerList * memaddr.PageSize
	for i := 0; i < numLists; i++ {
		block, ok := s.refill(bytes)
		if !ok {
			return i
		}
		exp := s.lowestExp + uint(i)
		freelist.Init(&s.lists[i], block, block+memaddr.La_t(bytes), uintptr(1)<<exp)
		s.grows[i].Inc()
	}
	return numLists
}

// classIndex returns the size-class slot serving size, or false if size
// exceeds this slab's largest class (2^(lowestExp+7)).
func (s *Slab) classIndex(size int) (int, bool) {
	if size <= 0 || uint64(size) > uint64(1)<<(s.lowestExp+numLists-1) {
		return 0, false
	}
	exp := memaddr.Log2(memaddr.NextPow2(uintptr(size)))
	if exp < s.lowestExp {
		exp = s.lowestExp
	}
	return int(exp - s.lowestExp), true
}

// Alloc returns an object big enough for size, rounded up to the owning
// class's power of two. If that class is currently exhausted it calls
// Expand(1) once and retries; it returns false if size is out of range or
// the backing source cannot satisfy the expansion.
func (s *Slab) Alloc(size int) (memaddr.La_t, bool) {
	idx, ok := s.classIndex(size)
	if !ok {
		return 0, false
	}
	if addr, ok := freelist.Alloc(&s.lists[idx]); ok {
		return addr, true
	}
	if grown := s.Expand(1); grown <= idx {
		return 0, false
	}
	return freelist.Alloc(&s.lists[idx])
}

// Free returns addr to whichever size class owns it, probing each class's
// freelist by address range in turn since the caller is not required to
// remember which size it allocated. It returns the number of bytes released,
// or 0 if no class owns addr — the signal for the caller to fall back to a
// different subsystem (e.g. pmm.Free).
func (s *Slab) Free(addr memaddr.La_t) int {
	for i := range s.lists {
		if freelist.Free(&s.lists[i], addr) {
			return 1 << (s.lowestExp + uint(i))
		}
	}
	return 0
}

// Grows returns the number of times the class serving size has been grown
// by a fresh pagesPerList-sized range, for diagnostics.
func (s *Slab) Grows(size int) int64 {
	idx, ok := s.classIndex(size)
	if !ok {
		return 0
	}
	return s.grows[idx].Load()
}
