// SPDX-License-Identifier: Unlicense OR MIT

// Command heapstress runs concurrent allocations against a heap backed
// by the region system calls and reports the heap telemetry.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"sync"
	"unsafe"

	"eliasnaur.com/unik/heap"
	"eliasnaur.com/unik/kernel"
)

var (
	workers   = flag.Int("workers", 8, "number of allocating goroutines")
	ops       = flag.Int("ops", 100000, "operations per goroutine")
	maxSize   = flag.Int("maxsize", 4096, "largest allocation in bytes")
	maxLive   = flag.Int("maxlive", 64, "live allocations per goroutine")
	spaceSize = flag.Uint64("space", 1<<30, "address space size in bytes")
	verbose   = flag.Bool("v", false, "dump regions and thread state")
)

func main() {
	flag.Parse()
	log.SetFlags(0)
	log.SetPrefix("heapstress: ")

	k, err := kernel.New(kernel.Config{AddressSpaceSize: *spaceSize})
	if err != nil {
		log.Fatal(err)
	}
	defer k.Close()
	t := k.NewThread(kernel.CapMemory)
	h, err := heap.New(t)
	if err != nil {
		log.Fatal(err)
	}
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			if err := run(h, rand.New(rand.NewSource(int64(w)))); err != nil {
				log.Fatalf("worker %d: %v", w, err)
			}
		}(w)
	}
	wg.Wait()
	if err := h.Verify(); err != nil {
		log.Fatal(err)
	}
	if err := k.Verify(); err != nil {
		log.Fatal(err)
	}
	s := h.Stats()
	log.Printf("allocations: %d deallocations: %d", s.TotalAllocations, s.TotalDeallocations)
	log.Printf("bytes allocated: %d freed: %d", s.BytesAllocated, s.BytesFreed)
	log.Printf("usage: %d peak: %d", s.CurrentUsage, s.PeakUsage)
	log.Printf("regions: %d", len(k.Regions()))
	if *verbose {
		k.Dump(os.Stderr)
		t.Dump(os.Stderr)
	}
	if err := h.Close(); err != nil {
		log.Fatal(err)
	}
}

func run(h *heap.Heap, rng *rand.Rand) error {
	var live []unsafe.Pointer
	for i := 0; i < *ops; i++ {
		switch {
		case len(live) > 0 && (len(live) >= *maxLive || rng.Intn(3) == 0):
			j := rng.Intn(len(live))
			h.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		case len(live) > 0 && rng.Intn(4) == 0:
			j := rng.Intn(len(live))
			p, err := h.Resize(live[j], uintptr(1+rng.Intn(*maxSize)))
			if err != nil {
				return err
			}
			live[j] = p
		default:
			p, err := h.ZeroedAllocate(1, uintptr(1+rng.Intn(*maxSize)))
			if err != nil {
				return err
			}
			live = append(live, p)
		}
	}
	for _, p := range live {
		h.Free(p)
	}
	return nil
}
