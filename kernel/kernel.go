// SPDX-License-Identifier: Unlicense OR MIT

// Package kernel implements the privileged side of the memory system
// calls: the system call gateway, the dispatch table and the region
// handlers, together with the user space wrappers that invoke them.
package kernel

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const defaultAddressSpaceSize = 256 << 20

// Config describes a kernel.
type Config struct {
	// AddressSpaceSize is the number of bytes available to
	// RESERVE_REGION. It is rounded up to the page size. Zero means
	// 256 MB.
	AddressSpaceSize uint64
	// Access decides whether a thread may make a system call. The
	// default grants calls to threads holding the required
	// capabilities.
	Access AccessControl
}

// Kernel is the privileged supervisor. Its dispatch table and trap
// vector are set up by New and never change afterwards.
type Kernel struct {
	pageSize uint64
	vector   trapVector
	table    *dispatchTable
	access   AccessControl

	nextTID atomic.Uint64

	// mu guards the address space.
	mu  sync.Mutex
	mem *arena
	vm  virtMemory
}

// New creates a kernel with an empty address space. Close releases
// the address space.
func New(cfg Config) (*Kernel, error) {
	k := &Kernel{
		pageSize: uint64(unix.Getpagesize()),
		access:   cfg.Access,
	}
	if k.access == nil {
		k.access = capabilityMask{}
	}
	size := cfg.AddressSpaceSize
	if size == 0 {
		size = defaultAddressSpaceSize
	}
	size = alignUp(size, k.pageSize)
	mem, err := newArena(size)
	if err != nil {
		return nil, err
	}
	k.mem = mem
	k.vm = newVirtMemory(mem.base, size, k.pageSize)
	k.table = newDispatchTable(syscalls)
	k.vector = k.sysenter
	return k, nil
}

// Close unmaps the address space. The kernel and its threads must not
// be used afterwards.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.vm.ranges = nil
	return k.mem.close()
}

// PageSize returns the region granularity.
func (k *Kernel) PageSize() int {
	return int(k.pageSize)
}

// NewThread creates a user thread holding the capabilities caps.
func (k *Kernel) NewThread(caps Capability) *Thread {
	t := &Thread{
		k:    k,
		id:   tid(k.nextTID.Add(1)),
		caps: caps,
	}
	t.ip = userEntry
	t.sp = userStackTop
	t.flags = _FLAG_RESERVED | _FLAG_IF
	return t
}

func fatalError(err error) {
	fatal(err.Error())
}

// fatal stops the current goroutine. It is used for kernel invariant
// violations from which there is no return to user space.
func fatal(msg string) {
	panic(kernError("fatal error: " + msg))
}
