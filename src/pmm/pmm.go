// Package pmm implements the top-level physical memory manager: it parses a
// firmware-style memory map, applies a bias policy to carve per-exponent
// PFreelists and lazily-grown PBuddy regions out of it, and routes every
// allocation request to whichever subsystem owns that size, the way the
// teacher's Phys_init/Physmem_t orchestrates per-page and per-pmap pools in
// mem.go — generalized here to an arbitrary bias table instead of one fixed
// page size.
package pmm

import (
	"vellum/src/buddy"
	"vellum/src/fastpage"
	"vellum/src/freelist"
	"vellum/src/kernelerr"
	"vellum/src/memaddr"
	"vellum/src/memmap"
	"vellum/src/oom"
	"vellum/src/pwater"
	"vellum/src/slab"
	"vellum/src/stats"
	"vellum/src/vwater"
)

// maxExp bounds the per-exponent arrays at a width comfortably larger than
// any real 64-bit physical address space. The architecture's actual
// physical address width is supplied by the caller (Config.AddrWidth) —
// probing it is explicitly an external collaborator's job, not this
// package's.
const maxExp = 64

// bootstrapPages is how much of the chosen bootstrap memory-map entry is
// reserved up front for VWatermark's first metadata range.
const bootstrapPages = 4

// Config carries everything init_pmm needs that this module does not
// itself compute: the HHDM translation constant, the low/high memory
// boundary, the probed address width, and the two bias tables.
type Config struct {
	HHDMBase    uint64
	LowMemLimit memaddr.Pa_t
	AddrWidth   uint
	HighBiases  []memmap.Bias
	LowBiases   []memmap.Bias

	// ByteBudget, if nonzero, caps the bytes this PMM has handed out and not
	// yet had freed, across both high and low memory. Zero means unlimited.
	ByteBudget int64
}

// PMM is the orchestrator described in spec §4.5: one set of per-exponent
// freelists and buddies for high memory, a mirrored set for low memory, a
// fast-page pool per side, and the bootstrap watermarks that placed it all.
type PMM struct {
	HHDMBase    uint64
	LowMemLimit memaddr.Pa_t

	highBiases []memmap.Bias
	lowBiases  []memmap.Bias

	freelistsHigh [maxExp]*freelist.List
	freelistsLow  [maxExp]*freelist.List
	buddiesHigh   [maxExp]*buddy.Buddy
	buddiesLow    [maxExp]*buddy.Buddy

	fastHigh fastpage.Pool
	fastLow  fastpage.Pool

	boot   *pwater.Watermark
	vw     *vwater.Watermark
	budget *Budget

	statAllocHigh   stats.Counter
	statAllocLow    stats.Counter
	statFreeHigh    stats.Counter
	statFreeLow     stats.Counter
	statFastRefills stats.Counter
}

func clampBiases(biases []memmap.Bias, w uint) []memmap.Bias {
	out := make([]memmap.Bias, 0, len(biases))
	for _, b := range biases {
		if b.Exp >= w {
			continue
		}
		out = append(out, b)
		if uint(len(out)) >= w {
			break
		}
	}
	return out
}

// Init performs the five-step bootstrap sequence: it picks an available
// memory-map entry large enough to seed a VWatermark, carves the
// per-exponent pool arrays (ordinary Go values — see DESIGN.md for why this
// departs from the source's watermark-carved arrays), and then calls
// createFreelists over every remaining available entry. mmap is never
// mutated; Init works over its own copy.
func Init(mmap []memmap.Entry, cfg Config) (*PMM, error) {
	if len(cfg.HighBiases) == 0 {
		cfg.HighBiases = memmap.DefaultHighBiases
	}
	if len(cfg.LowBiases) == 0 {
		cfg.LowBiases = memmap.DefaultLowBiases
	}
	w := cfg.AddrWidth
	if w == 0 || w > maxExp {
		w = maxExp
	}
	highBiases := clampBiases(cfg.HighBiases, w)
	lowBiases := clampBiases(cfg.LowBiases, w)

	entries := make([]memmap.Entry, len(mmap))
	copy(entries, mmap)

	bootSize := uint64(bootstrapPages * memaddr.PageSize)
	bootIdx := -1
	for i := range entries {
		if entries[i].Type != memmap.Available {
			continue
		}
		if uint64(entries[i].Base) < uint64(cfg.LowMemLimit) {
			continue
		}
		if entries[i].Len >= bootSize {
			bootIdx = i
			break
		}
	}
	if bootIdx == -1 {
		return nil, kernelerr.New("pmm", "no memory-map entry large enough to bootstrap VWatermark")
	}

	bootBase := entries[bootIdx].Base
	bootLinear := bootBase.ToLinear(cfg.HHDMBase)
	boot := pwater.Init(bootLinear, bootLinear+memaddr.La_t(bootSize))

	if entries[bootIdx].Len == bootSize {
		entries[bootIdx].Type = memmap.Reserved
	} else {
		entries[bootIdx].Base += memaddr.Pa_t(bootSize)
		entries[bootIdx].Len -= bootSize
	}

	vwBase, ok := boot.Alloc(uintptr(bootSize))
	if !ok {
		return nil, kernelerr.New("pmm", "failed to reserve VWatermark bootstrap range")
	}
	vw := &vwater.Watermark{}
	vwater.AddRange(vw, vwBase, vwBase+memaddr.La_t(bootSize))

	p := &PMM{
		HHDMBase:    cfg.HHDMBase,
		LowMemLimit: cfg.LowMemLimit,
		highBiases:  highBiases,
		lowBiases:   lowBiases,
		boot:        boot,
		vw:          vw,
	}
	if cfg.ByteBudget > 0 {
		p.budget = NewBudget(cfg.ByteBudget)
	}

	for _, b := range highBiases {
		p.freelistsHigh[b.Exp] = &freelist.List{}
		p.buddiesHigh[b.Exp] = buddy.New(b.Exp, b.MinBuddyExp, func() (memaddr.La_t, bool) { return p.fastHigh.Pop() })
	}
	for _, b := range lowBiases {
		p.freelistsLow[b.Exp] = &freelist.List{}
		p.buddiesLow[b.Exp] = buddy.New(b.Exp, b.MinBuddyExp, func() (memaddr.La_t, bool) { return p.fastLow.Pop() })
	}

	if created := p.createFreelists(entries); created == 0 {
		return nil, kernelerr.New("pmm", "create_freelists produced zero usable ranges")
	}
	return p, nil
}

func (p *PMM) freelistsFor(low bool) *[maxExp]*freelist.List {
	if low {
		return &p.freelistsLow
	}
	return &p.freelistsHigh
}

func (p *PMM) buddiesFor(low bool) *[maxExp]*buddy.Buddy {
	if low {
		return &p.buddiesLow
	}
	return &p.buddiesHigh
}

func (p *PMM) fastPoolFor(low bool) *fastpage.Pool {
	if low {
		return &p.fastLow
	}
	return &p.fastHigh
}

// createFreelists implements the three-pass carving algorithm: ratioed
// biases first (in table order), then greedy biases, then whatever is left
// becomes fast pages. It returns the number of available entries that
// contributed at least one freelist range or fast page.
func (p *PMM) createFreelists(entries []memmap.Entry) int {
	created := 0
	for _, e := range entries {
		if e.Type != memmap.Available || e.Len == 0 {
			continue
		}
		base := memaddr.La_t(memaddr.Roundup(uint64(e.Base.ToLinear(p.HHDMBase)), uint64(memaddr.PageSize)))
		ceil := memaddr.La_t(memaddr.Rounddown(uint64(e.Base.ToLinear(p.HHDMBase))+e.Len, uint64(memaddr.PageSize)))
		if ceil <= base {
			continue
		}

		low := e.Base < p.LowMemLimit
		biases := p.highBiases
		if low {
			biases = p.lowBiases
		}
		freelists := p.freelistsFor(low)
		fastPool := p.fastPoolFor(low)

		cur := base
		remaining := uint64(ceil - base)
		any := false

		// alignForBias rounds cur up to blockSize before a bias claims its
		// share: freelist.Init lays every object out starting at base, so
		// objects (and, later, any buddy region carved atop one of them via
		// InitRegion) are only 2^Exp-aligned if base already is. The gap
		// this skips over is always a whole number of pages (cur and every
		// prior blockSize are page-aligned), so it is recovered as fast
		// pages instead of being wasted.
		alignForBias := func(blockSize uint64) bool {
			aligned := memaddr.La_t(memaddr.Roundup(uint64(cur), blockSize))
			pad := uint64(aligned - cur)
			if pad >= remaining {
				return false
			}
			if pad > 0 {
				fastPool.Seed(cur, aligned)
			}
			cur = aligned
			remaining -= pad
			return true
		}

		for _, b := range biases {
			if b.RatioNum == 0 {
				continue
			}
			blockSize := uint64(1) << b.Exp
			if !alignForBias(blockSize) {
				continue
			}
			if remaining < b.MinBlocks*blockSize {
				continue
			}
			rangeLen := memaddr.Rounddown(remaining*b.RatioNum/b.RatioDen, blockSize)
			if rangeLen == 0 {
				continue
			}
			freelist.Init(freelists[b.Exp], cur, cur+memaddr.La_t(rangeLen), uintptr(blockSize))
			cur += memaddr.La_t(rangeLen)
			remaining -= rangeLen
			any = true
		}

		for _, b := range biases {
			if b.RatioNum != 0 {
				continue
			}
			blockSize := uint64(1) << b.Exp
			if !alignForBias(blockSize) {
				continue
			}
			if remaining < b.MinBlocks*blockSize {
				continue
			}
			rangeLen := memaddr.Rounddown(remaining, blockSize)
			if rangeLen == 0 {
				continue
			}
			freelist.Init(freelists[b.Exp], cur, cur+memaddr.La_t(rangeLen), uintptr(blockSize))
			cur += memaddr.La_t(rangeLen)
			remaining -= rangeLen
			any = true
		}

		if remaining > 0 {
			fastPool.Seed(cur, cur+memaddr.La_t(remaining))
			any = true
		}
		if any {
			created++
		}
	}
	return created
}

// refillFastPage implements the resolved open question on fast-page pool
// refill: carve a whole block from the smallest bias exponent whose size is
// at least 16 pages, and seed every page of it (the block is a single
// power-of-two allocation; there is no way to return part of it, so the
// whole thing becomes fast pages rather than just the first 16).
func (p *PMM) refillFastPage(low bool) (memaddr.La_t, bool) {
	biases := p.highBiases
	if low {
		biases = p.lowBiases
	}
	targetBytes := uint64(16) * uint64(memaddr.PageSize)

	var chosen *memmap.Bias
	for i := range biases {
		if uint64(1)<<biases[i].Exp >= targetBytes && (chosen == nil || biases[i].Exp < chosen.Exp) {
			chosen = &biases[i]
		}
	}
	if chosen == nil {
		return 0, false
	}
	addr, err := p.alloc(int(uint64(1)<<chosen.Exp), low)
	if err != nil {
		return 0, false
	}
	// The call above already charged the budget for the whole block, but
	// these bytes are not yet handed to any caller — they are only moved
	// into the fast-page pool's inventory. Credit the block back now; each
	// page is charged for real, once, when a later alloc actually pops it
	// out of the pool.
	if p.budget != nil {
		p.budget.Give(int64(uint64(1) << chosen.Exp))
	}
	pool := p.fastPoolFor(low)
	pool.Seed(addr, addr+memaddr.La_t(uintptr(1)<<chosen.Exp))
	p.statFastRefills.Inc()
	return pool.Pop()
}

func (p *PMM) alloc(size int, low bool) (memaddr.La_t, error) {
	if size <= 0 {
		return 0, kernelerr.New("pmm", "alloc: size must be positive")
	}
	if low {
		p.statAllocLow.Inc()
	} else {
		p.statAllocHigh.Inc()
	}

	exp := memaddr.Log2(memaddr.NextPow2(uintptr(size)))
	served := int64(1) << exp

	if p.budget != nil && !p.budget.Take(served) {
		oom.Notify(oom.Msg{Need: size})
		return 0, kernelerr.New("pmm", "byte budget exhausted")
	}
	success := false
	defer func() {
		if !success && p.budget != nil {
			p.budget.Give(served)
		}
	}()

	if exp == memaddr.PGSHIFT {
		pool := p.fastPoolFor(low)
		if addr, ok := pool.Pop(); ok {
			success = true
			return addr, nil
		}
		if addr, ok := p.refillFastPage(low); ok {
			success = true
			return addr, nil
		}
		oom.Notify(oom.Msg{Need: size})
		return 0, kernelerr.New("pmm", "out of fast pages")
	}

	freelists := p.freelistsFor(low)
	if exp < maxExp {
		if fl := freelists[exp]; fl != nil {
			if addr, ok := freelist.Alloc(fl); ok {
				success = true
				return addr, nil
			}
		}
	}

	biases := p.highBiases
	if low {
		biases = p.lowBiases
	}
	buddies := p.buddiesFor(low)

	var t *memmap.Bias
	for i := range biases {
		if biases[i].Exp >= exp {
			t = &biases[i]
			break
		}
	}
	if t == nil {
		oom.Notify(oom.Msg{Need: size})
		return 0, kernelerr.New("pmm", "no bias exponent large enough to service request")
	}

	bd := buddies[t.Exp]
	if addr, ok := bd.Alloc(size); ok {
		success = true
		return addr, nil
	}

	fl := freelists[t.Exp]
	if fl == nil {
		return 0, kernelerr.New("pmm", "bias exponent has no backing freelist to grow a region from")
	}
	block, ok := freelist.Alloc(fl)
	if !ok {
		oom.Notify(oom.Msg{Need: size})
		return 0, kernelerr.New("pmm", "out of memory growing a buddy region")
	}
	if _, ok := bd.InitRegion(block); !ok {
		freelist.Free(fl, block)
		return 0, kernelerr.New("pmm", "failed to initialize a fresh buddy region")
	}
	if addr, ok := bd.Alloc(size); ok {
		success = true
		return addr, nil
	}
	return 0, kernelerr.New("pmm", "buddy alloc failed immediately after growing its region")
}

// Alloc serves a high-memory request of size bytes.
func (p *PMM) Alloc(size int) (memaddr.La_t, error) { return p.alloc(size, false) }

// LowAlloc serves a low-memory (< LowMemLimit) request of size bytes.
func (p *PMM) LowAlloc(size int) (memaddr.La_t, error) { return p.alloc(size, true) }

func (p *PMM) free(addr memaddr.La_t, low bool) uint64 {
	if low {
		p.statFreeLow.Inc()
	} else {
		p.statFreeHigh.Inc()
	}

	freed := p.freeLocate(addr, low)
	if freed > 0 && p.budget != nil {
		p.budget.Give(int64(freed))
	}
	return freed
}

func (p *PMM) freeLocate(addr memaddr.La_t, low bool) uint64 {
	biases := p.highBiases
	if low {
		biases = p.lowBiases
	}
	buddies := p.buddiesFor(low)
	freelists := p.freelistsFor(low)

	for _, b := range biases {
		if bd := buddies[b.Exp]; bd != nil {
			if n, ok := bd.Free(addr); ok {
				return n
			}
		}
	}
	for _, b := range biases {
		if fl := freelists[b.Exp]; fl != nil {
			if freelist.Free(fl, addr) {
				return uint64(1) << b.Exp
			}
		}
	}

	p.fastPoolFor(low).Push(addr)
	return uint64(memaddr.PageSize)
}

// Free returns addr to whichever high-memory subsystem owns it.
func (p *PMM) Free(addr memaddr.La_t) uint64 { return p.free(addr, false) }

// LowFree returns addr to whichever low-memory subsystem owns it.
func (p *PMM) LowFree(addr memaddr.La_t) uint64 { return p.free(addr, true) }

// FastPageAlloc pops one PAGE_SIZE page directly from the fast pool,
// refilling it first if necessary.
func (p *PMM) FastPageAlloc(low bool) (memaddr.La_t, error) {
	pool := p.fastPoolFor(low)
	if addr, ok := pool.Pop(); ok {
		return addr, nil
	}
	if addr, ok := p.refillFastPage(low); ok {
		return addr, nil
	}
	return 0, kernelerr.New("pmm", "fast page pool exhausted")
}

// FastPageFree pushes addr directly back onto the fast pool.
func (p *PMM) FastPageFree(addr memaddr.La_t, low bool) {
	p.fastPoolFor(low).Push(addr)
}

// NewSlab constructs a PSlab whose eight size classes are expanded by
// calling back into this PMM for pagesPerList pages at a time — the
// "on-demand expansion via PMM" the spec requires — and immediately runs one
// Expand(pagesPerList) pass, mirroring init_pslab's "set lowest_exp, call
// expand" sequence. It returns an error if even the first expansion pass
// could not fill every size class.
func (p *PMM) NewSlab(lowestExp uint, pagesPerList int) (*slab.Slab, error) {
	s := slab.New(lowestExp, func(size int) (memaddr.La_t, bool) {
		addr, err := p.Alloc(size)
		if err != nil {
			return 0, false
		}
		return addr, true
	})
	if grown := s.Expand(pagesPerList); grown < 8 {
		return s, kernelerr.New("pmm", "slab: could not expand every size class at init")
	}
	return s, nil
}

// ToLinear converts a physical address to its linear alias under this PMM's
// HHDM translation.
func (p *PMM) ToLinear(pa memaddr.Pa_t) memaddr.La_t { return pa.ToLinear(p.HHDMBase) }

// ToPhysical converts a linear address back to physical.
func (p *PMM) ToPhysical(la memaddr.La_t) memaddr.Pa_t { return la.ToPhysical(p.HHDMBase) }

// Stats renders this PMM's allocation counters, empty when stats.Enabled is
// false.
func (p *PMM) Stats() string {
	return stats.Report([]stats.Named{
		{Name: "alloc_high", Counter: &p.statAllocHigh},
		{Name: "alloc_low", Counter: &p.statAllocLow},
		{Name: "free_high", Counter: &p.statFreeHigh},
		{Name: "free_low", Counter: &p.statFreeLow},
		{Name: "fast_refills", Counter: &p.statFastRefills},
	})
}
