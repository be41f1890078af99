// Command vellumctl boots a PMM over a host-mapped arena, runs one high and
// one low probe allocation and free, and prints their addresses and sizes
// (plus the allocation counters with -v), standing in for the boot-time
// diagnostic print a real kernel would emit to its serial console right
// after init_pmm.
package main

import (
	"flag"
	"fmt"
	"os"

	"vellum/src/arena"
	"vellum/src/memaddr"
	"vellum/src/memmap"
	"vellum/src/pmm"
	"vellum/src/stats"
)

func main() {
	sizeMB := flag.Int("size-mb", 64, "size of the simulated physical memory arena, in MiB")
	lowMB := flag.Int("low-mb", 1, "size of the low-memory region carved from the start of the arena, in MiB")
	verbose := flag.Bool("v", false, "enable allocation/free counters and print them on exit")
	flag.Parse()

	stats.Enabled = *verbose

	a, err := arena.New(*sizeMB << 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vellumctl: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	lowLimit := memaddr.Pa_t(*lowMB << 20)
	mmap := a.MemoryMap()
	if lowLen := uint64(lowLimit); lowLen > 0 && lowLen < mmap[0].Len {
		mmap = []memmap.Entry{
			{Base: mmap[0].Base, Len: lowLen, Type: memmap.Available},
			{Base: mmap[0].Base + lowLimit, Len: mmap[0].Len - lowLen, Type: memmap.Available},
		}
	}

	manager, err := pmm.Init(mmap, pmm.Config{
		HHDMBase:    a.HHDMBase(),
		LowMemLimit: lowLimit,
		AddrWidth:   64,
		HighBiases:  memmap.DefaultHighBiases,
		LowBiases:   memmap.DefaultLowBiases,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "vellumctl: init_pmm failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("arena: %d bytes, hhdm base %#x, low-memory limit %#x\n", a.Len(), a.HHDMBase(), lowLimit)

	p, err := manager.Alloc(4096)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vellumctl: probe alloc failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("probe: pmm_alloc(4096) -> %#x\n", p)
	freed := manager.Free(p)
	fmt.Printf("probe: pmm_free(%#x) -> %d bytes\n", p, freed)

	lp, err := manager.LowAlloc(512)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vellumctl: probe low alloc failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("probe: pmm_low_alloc(512) -> %#x\n", lp)
	freed = manager.LowFree(lp)
	fmt.Printf("probe: pmm_low_free(%#x) -> %d bytes\n", lp, freed)

	if *verbose {
		fmt.Print(manager.Stats())
	}
}
