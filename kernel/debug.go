// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"io"

	"golang.org/x/exp/slices"
)

// Region describes a reserved region.
type Region struct {
	Base   uintptr
	Length uintptr
	Prot   int
	Owner  uint64
}

// Regions returns the currently reserved regions in address order.
func (k *Kernel) Regions() []Region {
	k.mu.Lock()
	defer k.mu.Unlock()
	regions := make([]Region, 0, len(k.vm.ranges))
	for _, r := range k.vm.ranges {
		regions = append(regions, Region{
			Base:   uintptr(r.start),
			Length: uintptr(r.size()),
			Prot:   r.prot,
			Owner:  uint64(r.owner),
		})
	}
	return regions
}

// Verify checks that the reserved regions are page aligned, inside
// the address space and do not overlap.
func (k *Kernel) Verify() error {
	k.mu.Lock()
	ranges := slices.Clone(k.vm.ranges)
	vm := k.vm
	k.mu.Unlock()
	return verifyRanges(vm, ranges)
}

func verifyRanges(vm virtMemory, ranges []memoryRange) error {
	slices.SortFunc(ranges, func(r1, r2 memoryRange) int {
		switch {
		case r1.start < r2.start:
			return -1
		case r1.start > r2.start:
			return 1
		case r1.end < r2.end:
			return -1
		case r1.end > r2.end:
			return 1
		}
		return 0
	})
	page := virtualAddress(vm.pageSize)
	for i, r := range ranges {
		if r.start >= r.end {
			return fmt.Errorf("kernel: empty range %#x-%#x", r.start, r.end)
		}
		if r.start%page != 0 || r.end%page != 0 {
			return fmt.Errorf("kernel: unaligned range %#x-%#x", r.start, r.end)
		}
		if r.start < vm.start || r.end > vm.end {
			return fmt.Errorf("kernel: range %#x-%#x outside address space", r.start, r.end)
		}
		if i > 0 && ranges[i-1].end > r.start {
			return fmt.Errorf("kernel: overlapping ranges %#x-%#x %#x-%#x", ranges[i-1].start, ranges[i-1].end, r.start, r.end)
		}
	}
	return nil
}

// Dump writes the reserved regions to w.
func (k *Kernel) Dump(w io.Writer) {
	for _, r := range k.Regions() {
		dumpRegion(w, r)
	}
}

func dumpRegion(w io.Writer, r Region) {
	fmt.Fprintf(w, "region base: %#x size: %#x prot: %#x owner: %d\n", r.Base, r.Length, r.Prot, r.Owner)
}
