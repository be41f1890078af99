// Package memmap describes the bootloader-supplied memory map that seeds the
// physical memory manager, and the compile-time bias tables that decide how
// each available region is partitioned into per-exponent pools.
package memmap

import "vellum/src/memaddr"

// EntryType classifies a memory map entry. Only Available is ever consumed
// by the allocators in this module; every other type is skipped, per the
// bootloader contract in spec §6.2.
type EntryType uint32

const (
	Available EntryType = iota
	Reserved
	ACPIReclaimable
	ACPINVS
	BadMemory
)

// Entry is one record of the firmware-supplied memory map. Bases and
// lengths are not assumed page-aligned or sorted; the core rounds base up
// and base+len down to PageSize when carving new ranges from an entry.
type Entry struct {
	Base memaddr.Pa_t
	Len  uint64
	Type EntryType
}

// End returns the exclusive physical end address of the entry.
func (e Entry) End() memaddr.Pa_t {
	return e.Base + memaddr.Pa_t(e.Len)
}

// Bias is one row of a compile-time bias table: it declares that a given
// power-of-two exponent class should receive a specific share of each
// memory-map entry and names the minimum buddy exponent a buddy region
// carved at this exponent should use.
//
// A Bias with RatioNum > 0 is "ratioed": it takes a fraction of the
// remaining range first, ahead of any greedy bias. A Bias with RatioNum == 0
// is "greedy": it absorbs whatever aligned leftover remains after every
// ratioed bias has run.
type Bias struct {
	Exp        uint
	MinBlocks  uint64
	RatioNum   uint64
	RatioDen   uint64
	MinBuddyExp uint
}

// Ratioed reports whether b takes a proportional share (Pass A) rather than
// greedily absorbing leftover (Pass B).
func (b Bias) Ratioed() bool {
	return b.RatioNum > 0
}

// DefaultHighBiases is the bias table applied to memory-map entries whose
// base lies at or above the low-memory limit. It favors 2 MiB service at a
// guaranteed minimum share, with 1 GiB greedily absorbing any very large
// leftover, biasing towards the buddy-friendly huge-page sizes a 64-bit
// x86 target serves well.
var DefaultHighBiases = []Bias{
	{Exp: 21, MinBlocks: 1, RatioNum: 1, RatioDen: 4, MinBuddyExp: 12},
	{Exp: 30, MinBlocks: 1, RatioNum: 0, RatioDen: 1, MinBuddyExp: 21},
}

// DefaultLowBiases is the bias table applied to memory-map entries entirely
// below the low-memory limit (< 1 MiB on x86). Low memory is scarce and
// fragmented by convention (BIOS data areas, the real-mode IVT), so the
// default table only claims 4 KiB pages.
var DefaultLowBiases = []Bias{
	{Exp: memaddr.PGSHIFT, MinBlocks: 1, RatioNum: 0, RatioDen: 1, MinBuddyExp: memaddr.PGSHIFT},
}

// Visit calls fn once for each entry in mmap, in order. It is a direct
// analogue of the bootloader's memory-region iterator (e.g.
// multiboot.VisitMemRegions) but operates over an in-memory slice instead of
// a bootloader-owned table, since this module never runs before its input is
// materialized as Go data.
func Visit(mmap []Entry, fn func(Entry)) {
	for _, e := range mmap {
		fn(e)
	}
}
