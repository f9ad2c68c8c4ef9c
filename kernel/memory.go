// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

type virtualAddress uintptr

// virtMemory tracks the reserved virtual memory ranges of the address
// space [start; end[ and their protection flags.
type virtMemory struct {
	start    virtualAddress
	end      virtualAddress
	pageSize uint64
	// ranges is the list of memory ranges, sorted by address and
	// never overlapping.
	ranges []memoryRange
}

type memoryRange struct {
	start virtualAddress
	end   virtualAddress
	prot  int
	owner tid
}

func newVirtMemory(start virtualAddress, size, pageSize uint64) virtMemory {
	return virtMemory{
		start:    start,
		end:      start + virtualAddress(size),
		pageSize: pageSize,
	}
}

// mmap reserves a virtual memory range size bytes big, preferring
// hint as starting address.
func (vm *virtMemory) mmap(hint virtualAddress, size uint64, prot int, owner tid) (virtualAddress, error) {
	if size == 0 || size%vm.pageSize != 0 {
		return 0, kernError("mmap: invalid size")
	}
	if hint != 0 && hint == alignDown(hint, virtualAddress(vm.pageSize)) {
		if vm.addRange(hint, size, prot, owner) {
			return hint, nil
		}
	}
	// First fit over the gaps between ranges.
	start := vm.start
	for _, r := range vm.ranges {
		if uint64(r.start-start) >= size {
			break
		}
		start = r.end
	}
	if !vm.addRange(start, size, prot, owner) {
		return 0, kernError("mmap: failed to allocate memory")
	}
	return start, nil
}

// munmap removes the range [addr; addr+size[. It reports false
// and leaves the map unchanged unless the range matches a reserved
// range exactly.
func (vm *virtMemory) munmap(addr virtualAddress, size uint64) bool {
	i, found := slices.BinarySearchFunc(vm.ranges, addr, func(r memoryRange, addr virtualAddress) int {
		switch {
		case r.start < addr:
			return -1
		case r.start > addr:
			return 1
		}
		return 0
	})
	if !found || uint64(vm.ranges[i].end-addr) != size {
		return false
	}
	vm.ranges = slices.Delete(vm.ranges, i, i+1)
	return true
}

// addRange adds the range [start; start+size[ to the map. If the
// range falls outside the address space or overlaps an existing
// range, addRange does nothing and returns false.
func (vm *virtMemory) addRange(start virtualAddress, size uint64, prot int, owner tid) bool {
	if start < vm.start || start >= vm.end || size > uint64(vm.end-start) {
		return false
	}
	r := memoryRange{start: start, end: start + virtualAddress(size), prot: prot, owner: owner}
	i := vm.closestRange(start)
	if i < len(vm.ranges) && vm.ranges[i].overlaps(r) {
		return false
	}
	vm.ranges = slices.Insert(vm.ranges, i, r)
	return true
}

// closestRange finds the lowest index i where vm.ranges[i].end > addr.
func (vm *virtMemory) closestRange(addr virtualAddress) int {
	i, _ := slices.BinarySearchFunc(vm.ranges, addr, func(r memoryRange, addr virtualAddress) int {
		if r.end <= addr {
			return -1
		}
		return 1
	})
	return i
}

func (r memoryRange) size() uint64 {
	return uint64(r.end - r.start)
}

func (r memoryRange) overlaps(r2 memoryRange) bool {
	return r.start < r2.end && r2.start < r.end
}

func alignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

func alignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}
