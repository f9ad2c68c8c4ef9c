// SPDX-License-Identifier: Unlicense OR MIT

package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/exp/constraints"
)

const (
	blockHeaderSize = 32
	allocHeaderSize = 16
	// minAlign is the alignment of every block and every returned
	// pointer.
	minAlign = 16
	// minPayload is the smallest remainder worth splitting off a
	// block.
	minPayload = 16

	blockMagic = 0x6862
	allocMagic = 0x636f6c61
)

type blockFlags uint16

const (
	blockUsed blockFlags = 1 << iota
	// blockRegionStart marks the first block of a region. It never
	// merges with its predecessor.
	blockRegionStart
)

// block is the header at the start of every block, free or used.
// Blocks form a doubly linked list in address order.
type block struct {
	size  uint64 // Including the header.
	prev  uint64
	next  uint64
	magic uint16
	flags blockFlags

	// offset is the distance from the block start to the user
	// pointer of a used block.
	offset uint32
}

// allocHeader immediately precedes every pointer returned to a
// caller.
type allocHeader struct {
	size   uint64 // Requested size.
	offset uint32 // From the block start to the pointer.
	magic  uint32
}

// heapRegion is a region granted by the kernel.
type heapRegion struct {
	base uintptr
	size uintptr
}

// UsageError describes a fatal misuse of the heap, such as freeing a
// pointer twice or passing a pointer the heap did not return. It is
// raised with panic.
type UsageError struct {
	Op     string
	Addr   uintptr
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("heap: %s(%#x): %s", e.Op, e.Addr, e.Reason)
}

func init() {
	if unsafe.Sizeof(block{}) != blockHeaderSize {
		panic("heap: invalid block header size")
	}
	if unsafe.Sizeof(allocHeader{}) != allocHeaderSize {
		panic("heap: invalid allocation header size")
	}
}

func blockAt(addr uintptr) *block {
	return (*block)(unsafe.Pointer(addr))
}

func allocHeaderAt(addr uintptr) *allocHeader {
	return (*allocHeader)(unsafe.Pointer(addr))
}

func bytesAt(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func (b *block) used() bool {
	return b.flags&blockUsed != 0
}

func (r heapRegion) end() uintptr {
	return r.base + r.size
}

func (r heapRegion) contains(addr uintptr) bool {
	return r.base <= addr && addr < r.end()
}

func alignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

func isPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}
