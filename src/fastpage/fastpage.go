// Package fastpage implements the fast-page pool: a lock-free LIFO stack of
// PAGE_SIZE pages, the hot path for page-sized allocation. It reuses the
// intrusive in-place next-pointer technique from this module's freelist
// package rather than a separate node type, since a fast page is exactly a
// freelist object of size PAGE_SIZE with no range bookkeeping attached.
package fastpage

import (
	"sync/atomic"
	"unsafe"

	"vellum/src/memaddr"
)

func readNext(addr memaddr.La_t) uintptr {
	return *(*uintptr)(unsafe.Pointer(uintptr(addr)))
}

func writeNext(addr memaddr.La_t, val uintptr) {
	*(*uintptr)(unsafe.Pointer(uintptr(addr))) = val
}

// Pool is a single global Treiber stack of PAGE_SIZE pages. The PMM keeps
// two independent instances — high and low — so that low-memory pages never
// satisfy a high-memory request or vice versa.
type Pool struct {
	head  atomic.Uintptr
	count atomic.Int64
}

// Push returns addr, a PAGE_SIZE-aligned page, to the top of the stack.
func (p *Pool) Push(addr memaddr.La_t) {
	for {
		h := p.head.Load()
		writeNext(addr, h)
		if p.head.CompareAndSwap(h, uintptr(addr)) {
			p.count.Add(1)
			return
		}
	}
}

// Pop removes and returns the top page, or reports false if the stack is
// empty.
func (p *Pool) Pop() (memaddr.La_t, bool) {
	for {
		h := p.head.Load()
		if h == 0 {
			return 0, false
		}
		next := readNext(memaddr.La_t(h))
		if p.head.CompareAndSwap(h, next) {
			p.count.Add(-1)
			return memaddr.La_t(h), true
		}
	}
}

// Count returns the number of pages currently on the stack.
func (p *Pool) Count() int64 { return p.count.Load() }

// Seed links [base, ceil) into the stack as a chain of PAGE_SIZE pages in
// ascending address order, used once at bootstrap to hand the pool whatever
// residual memory create_freelists left over after the bias passes.
func (p *Pool) Seed(base, ceil memaddr.La_t) {
	page := memaddr.La_t(memaddr.PageSize)
	if ceil < base+page {
		return
	}
	for i := (ceil - base) / page; i > 0; i-- {
		p.Push(base + (i-1)*page)
	}
}
