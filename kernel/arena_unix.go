// SPDX-License-Identifier: Unlicense OR MIT

//go:build linux || darwin

package kernel

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arena is the host memory backing the address space. Unreserved
// pages are mapped PROT_NONE.
type arena struct {
	mem  []byte
	base virtualAddress
}

func newArena(size uint64) (*arena, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("kernel: failed to map address space: %w", err)
	}
	return &arena{
		mem:  mem,
		base: virtualAddress(uintptr(unsafe.Pointer(&mem[0]))),
	}, nil
}

func (a *arena) slice(addr virtualAddress, size uint64) []byte {
	off := uint64(addr - a.base)
	return a.mem[off : off+size : off+size]
}

// commit makes [addr; addr+size[ accessible with prot and clears it.
func (a *arena) commit(addr virtualAddress, size uint64, prot int) error {
	b := a.slice(addr, size)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	clear(b)
	if prot == unix.PROT_READ|unix.PROT_WRITE {
		return nil
	}
	return unix.Mprotect(b, prot)
}

// decommit returns the pages of [addr; addr+size[ to the host and
// makes the range inaccessible.
func (a *arena) decommit(addr virtualAddress, size uint64) error {
	b := a.slice(addr, size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func (a *arena) close() error {
	return unix.Munmap(a.mem)
}
