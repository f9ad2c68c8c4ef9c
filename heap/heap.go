// SPDX-License-Identifier: Unlicense OR MIT

// Package heap implements a user space memory allocator on top of the
// kernel region system calls.
//
// Blocks are kept in one address ordered list and allocated first fit.
// When no block fits, the heap reserves a new region from the kernel,
// at least as large as the heap itself. Regions are not returned to
// the kernel before Close.
package heap

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"eliasnaur.com/unik/kernel"
)

const (
	defaultInitialSize = 64 << 10
	defaultMaxGrowth   = 64 << 20

	// maxRequest bounds a single allocation.
	maxRequest = 1 << 40
)

// Heap is a thread safe allocator. Memory returned by a Heap lives in
// regions granted by the kernel and is not managed by the Go garbage
// collector.
type Heap struct {
	sys         kernel.Syscaller
	pageSize    uintptr
	initialSize uintptr
	maxGrowth   uintptr

	// growMu serializes region reservations. It is never acquired
	// while holding mu.
	growMu sync.Mutex

	// mu guards the fields below.
	mu sync.Mutex
	// head is the address of the lowest block, or 0.
	head uintptr
	// regions is sorted by address.
	regions []heapRegion
	total   uintptr
	stats   Telemetry
}

// Option configures a Heap.
type Option func(h *Heap)

// WithInitialSize sets the size of the first region. It is rounded up
// to the page size.
func WithInitialSize(n uintptr) Option {
	return func(h *Heap) {
		h.initialSize = n
	}
}

// WithMaxGrowth caps the geometric growth of the heap. Larger
// allocations still get a region of their own size.
func WithMaxGrowth(n uintptr) Option {
	return func(h *Heap) {
		h.maxGrowth = n
	}
}

// New creates an empty heap that reserves its memory through sys.
// Calls on sys are serialized by the heap.
func New(sys kernel.Syscaller, opts ...Option) (*Heap, error) {
	pageSize, err := kernel.PageSize(sys)
	if err != nil {
		return nil, errors.Wrap(err, "heap: failed to query page size")
	}
	h := &Heap{
		sys:         sys,
		pageSize:    uintptr(pageSize),
		initialSize: defaultInitialSize,
		maxGrowth:   defaultMaxGrowth,
	}
	for _, o := range opts {
		o(h)
	}
	h.initialSize = alignUp(h.initialSize, h.pageSize)
	h.maxGrowth = alignUp(h.maxGrowth, h.pageSize)
	return h, nil
}

// Allocate returns a pointer to size bytes aligned to align, which
// must be a power of two no larger than the page size. Zero means 16,
// the minimum alignment. Allocate returns nil and no error for a zero
// size. The memory is not cleared.
func (h *Heap) Allocate(size, align uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	if align == 0 {
		align = minAlign
	}
	if !isPowerOfTwo(align) || align > h.pageSize {
		return nil, errors.Wrapf(unix.EINVAL, "heap: invalid alignment %d", align)
	}
	if align < minAlign {
		align = minAlign
	}
	if size > maxRequest {
		return nil, errors.Wrapf(unix.ENOMEM, "heap: allocation of %d bytes", size)
	}
	h.mu.Lock()
	p, ok := h.allocLocked(size, align)
	h.mu.Unlock()
	if ok {
		return p, nil
	}
	return h.grow(size, align)
}

// Free releases memory returned by Allocate, Resize or ZeroedAllocate.
// Free of nil does nothing. Freeing any other pointer, including one
// already freed, panics with a *UsageError.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b, hdr := h.headerFromPayload("free", uintptr(p))
	size := hdr.size
	hdr.magic = 0
	blk := blockAt(b)
	blk.flags &^= blockUsed
	blk.offset = 0
	h.coalesce(b)
	h.stats.recordFree(size)
}

// Resize changes the size of the allocation at p to n bytes and
// returns its new address. The contents up to the smaller of the old
// and new sizes are preserved. A nil p allocates; a zero n frees p and
// returns nil. On error p is left untouched.
func (h *Heap) Resize(p unsafe.Pointer, n uintptr) (unsafe.Pointer, error) {
	if p == nil {
		return h.Allocate(n, 0)
	}
	if n == 0 {
		h.Free(p)
		return nil, nil
	}
	if n > maxRequest {
		return nil, errors.Wrapf(unix.ENOMEM, "heap: allocation of %d bytes", n)
	}
	old, ok := h.resizeInPlace(uintptr(p), n)
	if ok {
		return p, nil
	}
	// Keep at least the alignment of the old pointer.
	align := uintptr(1) << bits.TrailingZeros64(uint64(uintptr(p)))
	if align > h.pageSize {
		align = h.pageSize
	}
	np, err := h.Allocate(n, align)
	if err != nil {
		return nil, err
	}
	copy(bytesAt(uintptr(np), n), bytesAt(uintptr(p), old))
	h.Free(p)
	return np, nil
}

// resizeInPlace changes the size of the allocation at p if its block
// has room for n bytes. It returns the old size.
func (h *Heap) resizeInPlace(p, n uintptr) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, hdr := h.headerFromPayload("resize", p)
	old := uintptr(hdr.size)
	capacity := b + uintptr(blockAt(b).size) - p
	if n > capacity {
		return old, false
	}
	if n > old {
		h.stats.grow(uint64(n - old))
	} else {
		h.stats.shrink(uint64(old - n))
	}
	hdr.size = uint64(n)
	return old, true
}

// ZeroedAllocate allocates count*size cleared bytes. It fails with
// ENOMEM if the product overflows.
func (h *Heap) ZeroedAllocate(count, size uintptr) (unsafe.Pointer, error) {
	hi, n := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || n > maxRequest {
		return nil, errors.Wrapf(unix.ENOMEM, "heap: allocation of %d*%d bytes", count, size)
	}
	p, err := h.Allocate(uintptr(n), 0)
	if p == nil || err != nil {
		return p, err
	}
	clear(bytesAt(uintptr(p), uintptr(n)))
	return p, nil
}

// Stats returns a snapshot of the heap telemetry.
func (h *Heap) Stats() Telemetry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Close releases every region to the kernel. Pointers returned by the
// heap are invalid afterwards.
func (h *Heap) Close() error {
	h.growMu.Lock()
	defer h.growMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	for _, r := range h.regions {
		if rerr := kernel.ReleaseRegion(h.sys, r.base, r.size); rerr != nil && err == nil {
			err = errors.Wrapf(rerr, "heap: failed to release region %#x", r.base)
		}
	}
	h.regions = nil
	h.head = 0
	h.total = 0
	return err
}

// allocLocked carves an allocation out of the first free block that
// fits it.
func (h *Heap) allocLocked(size, align uintptr) (unsafe.Pointer, bool) {
	for b := h.head; b != 0; b = uintptr(blockAt(b).next) {
		blk := blockAt(b)
		if blk.used() {
			continue
		}
		p := alignUp(b+blockHeaderSize+allocHeaderSize, align)
		end := alignUp(p+size, minAlign)
		need := end - b
		if need > uintptr(blk.size) {
			continue
		}
		h.split(b, need)
		blk.flags |= blockUsed
		blk.offset = uint32(p - b)
		*allocHeaderAt(p - allocHeaderSize) = allocHeader{
			size:   uint64(size),
			offset: uint32(p - b),
			magic:  allocMagic,
		}
		h.stats.recordAlloc(uint64(size))
		return unsafe.Pointer(p), true
	}
	return nil, false
}

// grow reserves a region large enough for the allocation and
// allocates from it. The heap lock is not held during the system
// call.
func (h *Heap) grow(size, align uintptr) (unsafe.Pointer, error) {
	h.growMu.Lock()
	defer h.growMu.Unlock()
	h.mu.Lock()
	// Another thread may have grown the heap in the meantime.
	if p, ok := h.allocLocked(size, align); ok {
		h.mu.Unlock()
		return p, nil
	}
	total := h.total
	h.mu.Unlock()

	need := blockHeaderSize + allocHeaderSize + alignUp(size, minAlign)
	if align > minAlign {
		need += align - minAlign
	}
	n := alignUp(need, h.pageSize)
	step := h.initialSize
	if total > 0 {
		step = min(total, h.maxGrowth)
	}
	n = max(n, step)
	base, err := kernel.ReserveRegion(h.sys, n, 0, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, errors.Wrapf(err, "heap: failed to reserve %d bytes", n)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.addRegion(base, n)
	p, ok := h.allocLocked(size, align)
	if !ok {
		panic("heap: new region does not fit the allocation")
	}
	return p, nil
}

// addRegion links a new region into the block list as a single free
// block.
func (h *Heap) addRegion(base, n uintptr) {
	i, _ := slices.BinarySearchFunc(h.regions, base, func(r heapRegion, base uintptr) int {
		switch {
		case r.base < base:
			return -1
		case r.base > base:
			return 1
		}
		return 0
	})
	h.regions = slices.Insert(h.regions, i, heapRegion{base: base, size: n})
	h.total += n

	var prev uintptr
	for b := h.head; b != 0 && b < base; b = uintptr(blockAt(b).next) {
		prev = b
	}
	blk := blockAt(base)
	*blk = block{
		size:  uint64(n),
		prev:  uint64(prev),
		magic: blockMagic,
		flags: blockRegionStart,
	}
	if prev == 0 {
		blk.next = uint64(h.head)
		h.head = base
	} else {
		blk.next = blockAt(prev).next
		blockAt(prev).next = uint64(base)
	}
	if blk.next != 0 {
		blockAt(uintptr(blk.next)).prev = uint64(base)
	}
}

// split shrinks the block at b to n bytes if the remainder is large
// enough to form a free block of its own.
func (h *Heap) split(b, n uintptr) {
	blk := blockAt(b)
	rem := uintptr(blk.size) - n
	if rem < blockHeaderSize+minPayload {
		return
	}
	nb := b + n
	*blockAt(nb) = block{
		size:  uint64(rem),
		prev:  uint64(b),
		next:  blk.next,
		magic: blockMagic,
	}
	if blk.next != 0 {
		blockAt(uintptr(blk.next)).prev = uint64(nb)
	}
	blk.next = uint64(nb)
	blk.size = uint64(n)
}

// coalesce merges the free block at b with its free neighbours in the
// same region.
func (h *Heap) coalesce(b uintptr) {
	blk := blockAt(b)
	if next := uintptr(blk.next); next != 0 {
		nb := blockAt(next)
		if !nb.used() && nb.flags&blockRegionStart == 0 && b+uintptr(blk.size) == next {
			h.merge(b, next)
		}
	}
	if prev := uintptr(blk.prev); prev != 0 && blk.flags&blockRegionStart == 0 {
		pb := blockAt(prev)
		if !pb.used() && prev+uintptr(pb.size) == b {
			h.merge(prev, b)
		}
	}
}

// merge absorbs the block at b into its predecessor a.
func (h *Heap) merge(a, b uintptr) {
	ab, bb := blockAt(a), blockAt(b)
	ab.size += bb.size
	ab.next = bb.next
	if bb.next != 0 {
		blockAt(uintptr(bb.next)).prev = uint64(a)
	}
	bb.magic = 0
}

// regionIndex returns the index of the region containing addr.
func (h *Heap) regionIndex(addr uintptr) (int, bool) {
	i, _ := slices.BinarySearchFunc(h.regions, addr, func(r heapRegion, addr uintptr) int {
		if r.end() <= addr {
			return -1
		}
		return 1
	})
	if i >= len(h.regions) || !h.regions[i].contains(addr) {
		return 0, false
	}
	return i, true
}

// headerFromPayload validates the user pointer p and returns its block
// address and allocation header. Invalid pointers panic with a
// *UsageError.
func (h *Heap) headerFromPayload(op string, p uintptr) (uintptr, *allocHeader) {
	fail := func(reason string) {
		panic(&UsageError{Op: op, Addr: p, Reason: reason})
	}
	i, ok := h.regionIndex(p)
	if !ok {
		fail("pointer not allocated by this heap")
	}
	r := h.regions[i]
	if p%minAlign != 0 || p-r.base < blockHeaderSize+allocHeaderSize {
		fail("pointer not allocated by this heap")
	}
	hdr := allocHeaderAt(p - allocHeaderSize)
	if hdr.magic != allocMagic {
		fail("pointer not allocated or already freed")
	}
	off := uintptr(hdr.offset)
	if off < blockHeaderSize+allocHeaderSize || off > p-r.base {
		fail("corrupt allocation header")
	}
	b := p - off
	blk := blockAt(b)
	if blk.magic != blockMagic || !blk.used() || uintptr(blk.offset) != off {
		fail("corrupt block header")
	}
	end := b + uintptr(blk.size)
	if end > r.end() || hdr.size > uint64(end-p) {
		fail("allocation out of bounds")
	}
	return b, hdr
}

// Verify walks the heap and checks its internal consistency.
func (h *Heap) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	covered := make([]uintptr, len(h.regions))
	var live uint64
	var prev uintptr
	for b := h.head; b != 0; b = uintptr(blockAt(b).next) {
		blk := blockAt(b)
		if blk.magic != blockMagic {
			return errors.Errorf("heap: bad block magic at %#x", b)
		}
		if uintptr(blk.prev) != prev {
			return errors.Errorf("heap: block %#x links back to %#x, want %#x", b, blk.prev, prev)
		}
		if prev != 0 && b <= prev {
			return errors.Errorf("heap: block %#x out of address order", b)
		}
		i, ok := h.regionIndex(b)
		if !ok {
			return errors.Errorf("heap: block %#x outside heap regions", b)
		}
		r := h.regions[i]
		if blk.size < blockHeaderSize || blk.size%minAlign != 0 || uint64(r.end()-b) < blk.size {
			return errors.Errorf("heap: block %#x has invalid size %#x", b, blk.size)
		}
		if (b == r.base) != (blk.flags&blockRegionStart != 0) {
			return errors.Errorf("heap: block %#x has wrong region start flag", b)
		}
		if prev != 0 && blk.flags&blockRegionStart == 0 && !blk.used() && !blockAt(prev).used() {
			return errors.Errorf("heap: adjacent free blocks %#x and %#x", prev, b)
		}
		if blk.used() {
			p := b + uintptr(blk.offset)
			hdr := allocHeaderAt(p - allocHeaderSize)
			if hdr.magic != allocMagic || hdr.offset != blk.offset {
				return errors.Errorf("heap: block %#x has a bad allocation header", b)
			}
			if hdr.size > uint64(b+uintptr(blk.size)-p) {
				return errors.Errorf("heap: allocation at %#x overflows its block", p)
			}
			live += hdr.size
		}
		covered[i] += uintptr(blk.size)
		prev = b
	}
	for i, r := range h.regions {
		if covered[i] != r.size {
			return errors.Errorf("heap: region %#x covers %#x bytes of %#x", r.base, covered[i], r.size)
		}
	}
	if live != h.stats.CurrentUsage {
		return errors.Errorf("heap: %d live bytes, telemetry reports %d", live, h.stats.CurrentUsage)
	}
	return nil
}
