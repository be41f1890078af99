package arena

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vellum/src/memaddr"
	"vellum/src/memmap"
)

func TestNewRoundsUpToPageSize(t *testing.T) {
	a, err := New(1)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, memaddr.PageSize, a.Len())
}

func TestLinearAndPhysicalViewsShareBytes(t *testing.T) {
	a, err := New(memaddr.PageSize)
	require.NoError(t, err)
	defer a.Close()

	phys := a.Bytes(0, 16)
	phys[0] = 0xAB

	lin := a.LinearBytes(a.ToLinear(0), 16)
	require.Equal(t, byte(0xAB), lin[0])
}

func TestToLinearToPhysicalRoundtrip(t *testing.T) {
	a, err := New(memaddr.PageSize)
	require.NoError(t, err)
	defer a.Close()

	p := memaddr.Pa_t(0x40)
	require.Equal(t, p, a.ToPhysical(a.ToLinear(p)))
}

func TestMemoryMapDescribesWholeArenaAsAvailable(t *testing.T) {
	a, err := New(memaddr.PageSize * 4)
	require.NoError(t, err)
	defer a.Close()

	mmap := a.MemoryMap()
	require.Len(t, mmap, 1)
	require.Equal(t, memmap.Available, mmap[0].Type)
	require.EqualValues(t, a.Len(), mmap[0].Len)
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := New(memaddr.PageSize)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
