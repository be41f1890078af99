package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vellum/src/arena"
	"vellum/src/memaddr"
	"vellum/src/memmap"
	"vellum/src/stats"
)

// testBiases is a compact bias table sized for a few-MiB test arena instead
// of the real 2 MiB/1 GiB default table, so a handful of pages exercises
// both the ratioed and greedy carving passes and leaves a buddy-growable
// freelist behind at each class.
var testBiases = []memmap.Bias{
	{Exp: 16, MinBlocks: 1, RatioNum: 1, RatioDen: 2, MinBuddyExp: 12},
	{Exp: 20, MinBlocks: 1, RatioNum: 0, RatioDen: 1, MinBuddyExp: 16},
}

func newTestPMM(t *testing.T, cfg Config) (*PMM, *arena.Arena) {
	t.Helper()
	a, err := arena.New(4 * 1024 * 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	if len(cfg.HighBiases) == 0 {
		cfg.HighBiases = testBiases
	}
	cfg.HHDMBase = a.HHDMBase()

	p, err := Init(a.MemoryMap(), cfg)
	require.NoError(t, err)
	return p, a
}

func TestInitFailsOnEmptyMemoryMap(t *testing.T) {
	_, err := Init(nil, Config{HHDMBase: memaddr.HHDMBase})
	require.Error(t, err)
}

func TestAllocExactFreelistHitAndFree(t *testing.T) {
	p, _ := newTestPMM(t, Config{})

	addr, err := p.Alloc(1 << 20)
	require.NoError(t, err)
	require.NotZero(t, addr)

	freed := p.Free(addr)
	require.EqualValues(t, 1<<20, freed)
}

func TestAllocGrowsBuddyRegionFromFreelist(t *testing.T) {
	p, _ := newTestPMM(t, Config{})

	a1, err := p.Alloc(20000)
	require.NoError(t, err)
	a2, err := p.Alloc(20000)
	require.NoError(t, err)
	require.NotEqual(t, a1, a2)

	require.NotZero(t, p.Free(a1))
	require.NotZero(t, p.Free(a2))
}

// TestExactFreelistAllocsAreAdjacent is the exact-freelist counterpart of
// spec.md §8 scenario 2: exponent 16 has its own freelist in testBiases, so
// two successive 64 KiB allocations are served from it (no buddy split is
// involved) and come back as neighboring blocks (this checks adjacency
// without depending on which one comes back first), and freeing either
// reports exactly its rounded size.
func TestExactFreelistAllocsAreAdjacent(t *testing.T) {
	p, _ := newTestPMM(t, Config{})

	const blockSize = 1 << 16
	a1, err := p.Alloc(blockSize)
	require.NoError(t, err)
	a2, err := p.Alloc(blockSize)
	require.NoError(t, err)

	var diff memaddr.La_t
	if a1 > a2 {
		diff = a1 - a2
	} else {
		diff = a2 - a1
	}
	require.Equal(t, memaddr.La_t(blockSize), diff)

	require.EqualValues(t, blockSize, p.Free(a1))
}

// TestCrossRangeLinkingSumsAllEntries mirrors spec.md §8 scenario 6: three
// separate (here contiguous) available entries all contribute fast pages, so draining
// pmm_alloc(PAGE_SIZE) until exhaustion yields pages from every entry, not
// just the first.
func TestCrossRangeLinkingSumsAllEntries(t *testing.T) {
	a, err := arena.New(3 * 2 * 1024 * 1024)
	require.NoError(t, err)
	defer a.Close()

	entryLen := uint64(a.Len()) / 3
	entries := []memmap.Entry{
		{Base: 0, Len: entryLen, Type: memmap.Available},
		{Base: memaddr.Pa_t(entryLen), Len: entryLen, Type: memmap.Available},
		{Base: memaddr.Pa_t(2 * entryLen), Len: entryLen, Type: memmap.Available},
	}

	p, err := Init(entries, Config{
		HHDMBase:   a.HHDMBase(),
		HighBiases: testBiases,
	})
	require.NoError(t, err)

	low := memaddr.La_t(entries[0].Base.ToLinear(p.HHDMBase))
	mid := memaddr.La_t(entries[1].Base.ToLinear(p.HHDMBase))
	high := memaddr.La_t(entries[2].Base.ToLinear(p.HHDMBase))

	var sawLow, sawMid, sawHigh bool
	for {
		addr, err := p.Alloc(memaddr.PageSize)
		if err != nil {
			break
		}
		switch {
		case addr >= low && addr < mid:
			sawLow = true
		case addr >= mid && addr < high:
			sawMid = true
		case addr >= high:
			sawHigh = true
		}
	}
	require.True(t, sawLow && sawMid && sawHigh, "expected pages drawn from all three memory-map entries")
}

func TestFastPageAllocRefillsAndReturnsPageSizedBlock(t *testing.T) {
	p, _ := newTestPMM(t, Config{})

	addr, err := p.Alloc(memaddr.PageSize)
	require.NoError(t, err)
	require.NotZero(t, addr)

	n := p.Free(addr)
	require.EqualValues(t, memaddr.PageSize, n)
}

func TestFastPageAllocFreeLIFOViaPoolDirectly(t *testing.T) {
	p, _ := newTestPMM(t, Config{})

	a, err := p.FastPageAlloc(false)
	require.NoError(t, err)
	p.FastPageFree(a, false)

	b, err := p.FastPageAlloc(false)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestLowAndHighMemoryNeverCross(t *testing.T) {
	a, err := arena.New(4 * 1024 * 1024)
	require.NoError(t, err)
	defer a.Close()

	mmap := a.MemoryMap()
	// Split the single entry so roughly the first quarter counts as low.
	lowLen := mmap[0].Len / 4
	entries := []memmap.Entry{
		{Base: mmap[0].Base, Len: lowLen, Type: memmap.Available},
		{Base: mmap[0].Base + memaddr.Pa_t(lowLen), Len: mmap[0].Len - lowLen, Type: memmap.Available},
	}

	p, err := Init(entries, Config{
		HHDMBase:    a.HHDMBase(),
		LowMemLimit: mmap[0].Base + memaddr.Pa_t(lowLen),
		HighBiases:  testBiases,
		LowBiases: []memmap.Bias{
			{Exp: 16, MinBlocks: 1, RatioNum: 1, RatioDen: 4, MinBuddyExp: 12},
			{Exp: memaddr.PGSHIFT, MinBlocks: 1, RatioNum: 0, RatioDen: 1, MinBuddyExp: memaddr.PGSHIFT},
		},
	})
	require.NoError(t, err)

	lowAddr, err := p.LowAlloc(memaddr.PageSize)
	require.NoError(t, err)
	highAddr, err := p.Alloc(1 << 20)
	require.NoError(t, err)

	require.True(t, lowAddr < memaddr.La_t(p.LowMemLimit.ToLinear(p.HHDMBase)))
	require.True(t, highAddr >= memaddr.La_t(p.LowMemLimit.ToLinear(p.HHDMBase)))
}

func TestByteBudgetRejectsOverdraw(t *testing.T) {
	p, _ := newTestPMM(t, Config{ByteBudget: 1 << 20})

	_, err := p.Alloc(1 << 20)
	require.NoError(t, err)

	_, err = p.Alloc(1 << 20)
	require.Error(t, err)
}

func TestByteBudgetReplenishesOnFree(t *testing.T) {
	p, _ := newTestPMM(t, Config{ByteBudget: 1 << 20})

	addr, err := p.Alloc(1 << 20)
	require.NoError(t, err)
	require.Zero(t, p.budget.Remaining())

	p.Free(addr)
	require.EqualValues(t, 1<<20, p.budget.Remaining())

	_, err = p.Alloc(1 << 20)
	require.NoError(t, err)
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	p, _ := newTestPMM(t, Config{})
	_, err := p.Alloc(0)
	require.Error(t, err)
	_, err = p.Alloc(-1)
	require.Error(t, err)
}

func TestStatsReportsCountersWhenEnabled(t *testing.T) {
	p, _ := newTestPMM(t, Config{})

	stats.Enabled = true
	defer func() { stats.Enabled = false }()

	addr, err := p.Alloc(1 << 20)
	require.NoError(t, err)
	p.Free(addr)

	out := p.Stats()
	require.Contains(t, out, "alloc_high")
	require.Contains(t, out, "free_high")
}

// TestAllocAddressesAreAligned mirrors spec.md §8's "Alignment" invariant:
// every successful pmm_alloc(size) returns a pointer aligned to the
// power-of-two round-up of size. It exercises all three serving paths —
// an exact freelist hit, a buddy region grown fresh from a freelist block,
// and the fast-page pool — since each has its own base computation and a
// misaligned base in any one of them breaks this guarantee (and, for the
// buddy path, corrupts buddy-of lookups downstream).
func TestAllocAddressesAreAligned(t *testing.T) {
	p, _ := newTestPMM(t, Config{})

	sizes := []int{memaddr.PageSize, 20000, 1 << 16, 1 << 20}
	for _, size := range sizes {
		addr, err := p.Alloc(size)
		require.NoErrorf(t, err, "size=%d", size)
		want := memaddr.NextPow2(uintptr(size))
		require.Zerof(t, uintptr(addr)%want, "size=%d addr=%#x not aligned to %#x", size, addr, want)
		p.Free(addr)
	}
}

func TestNewSlabGrowsViaPMMAlloc(t *testing.T) {
	p, _ := newTestPMM(t, Config{})
	s, err := p.NewSlab(3, 1)
	require.NoError(t, err)

	addr, ok := s.Alloc(64)
	require.True(t, ok)
	require.NotZero(t, addr)
	require.EqualValues(t, 64, s.Free(addr))
}
