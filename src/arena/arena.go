// Package arena provides the host-backed memory region used to exercise the
// physical memory manager outside of a booted kernel. It plays the role the
// bootloader and MMU play on real hardware: it hands back a contiguous block
// of real memory and a fixed linear-to-physical translation over it, the way
// alewtschuk/balloc mmaps an anonymous pool to back its buddy allocator.
//
// An Arena is bootstrap convenience, not a load-bearing abstraction — every
// allocator in this module is equally happy operating over a plain
// []byte-backed range that the caller already owns.
package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"vellum/src/memaddr"
	"vellum/src/memmap"
)

// Arena is a single host-mapped region split into a physical half and an
// HHDM-translated linear half of the same size, so that PMM metadata placed
// at a "physical" address and later accessed through its "linear" alias
// observe the same bytes, exactly as the direct map guarantees on real
// hardware.
type Arena struct {
	data     []byte
	physBase memaddr.Pa_t
	hhdm     uint64
}

// New mmaps an anonymous region of the given size (rounded up to a page) and
// returns an Arena whose physical half is the region itself and whose linear
// half is the same bytes viewed through an HHDM translation.
//
// Every allocator in this module treats a La_t as a real pointer: freelist
// and buddy node headers are placed with unsafe.Pointer(uintptr(addr)), not
// through Arena's own Bytes/LinearBytes accessors. So unlike the
// architectural default in memaddr.HHDMBase (a fixed kernel-virtual-address
// constant that is never a valid pointer in a hosted process), this arena's
// hhdm offset is derived from the mmap'd region's actual runtime address:
// La_t(p) = p + hhdm lands exactly on &data[p], the only way a "linear
// address" dereference stays inside memory this process actually owns.
func New(size int) (*Arena, error) {
	size = memaddr.Roundup(size, memaddr.PageSize)
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}
	return &Arena{
		data:     data,
		physBase: 0,
		hhdm:     uint64(uintptr(unsafe.Pointer(&data[0]))),
	}, nil
}

// Close unmaps the arena's backing memory.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return err
}

// Len returns the arena's size in bytes.
func (a *Arena) Len() int { return len(a.data) }

// HHDMBase returns the linear-to-physical translation constant this arena
// uses: La_t(p) == Pa_t(p) + HHDMBase.
func (a *Arena) HHDMBase() uint64 { return a.hhdm }

// Bytes returns the byte slice backing the physical address range
// [p, p+n). It panics if the range falls outside the arena, the same
// contract Dmaplen uses for the kernel's direct map.
func (a *Arena) Bytes(p memaddr.Pa_t, n int) []byte {
	off := int(p - a.physBase)
	return a.data[off : off+n]
}

// LinearBytes returns the byte slice backing the linear address range
// [l, l+n).
func (a *Arena) LinearBytes(l memaddr.La_t, n int) []byte {
	p := l.ToPhysical(a.hhdm)
	return a.Bytes(p, n)
}

// ToLinear converts a physical address within this arena to its linear
// alias.
func (a *Arena) ToLinear(p memaddr.Pa_t) memaddr.La_t {
	return p.ToLinear(a.hhdm)
}

// ToPhysical converts a linear address within this arena back to physical.
func (a *Arena) ToPhysical(l memaddr.La_t) memaddr.Pa_t {
	return l.ToPhysical(a.hhdm)
}

// MemoryMap returns a single-entry memory map describing the arena as one
// Available region, suitable for feeding directly to pmm.Init in tests.
func (a *Arena) MemoryMap() []memmap.Entry {
	return []memmap.Entry{{Base: a.physBase, Len: uint64(len(a.data)), Type: memmap.Available}}
}
