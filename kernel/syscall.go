// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "golang.org/x/sys/unix"

// System call numbers.
const (
	SYS_RESERVE_REGION = iota
	SYS_RELEASE_REGION
	SYS_PAGESIZE

	numSyscalls
)

const supportedProt = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

var syscalls = []dispatchEntry{
	{SYS_RESERVE_REGION, sysReserveRegion, CapMemory},
	{SYS_RELEASE_REGION, sysReleaseRegion, CapMemory},
	{SYS_PAGESIZE, sysPagesize, 0},
}

// sysenter is the kernel side of the system call path.
func (k *Kernel) sysenter(t *Thread) {
	d := callDescriptor{
		sysno: uintptr(t.ax),
		args: [6]uintptr{
			uintptr(t.di),
			uintptr(t.si),
			uintptr(t.dx),
			uintptr(t.r10),
			uintptr(t.r8),
			uintptr(t.r9),
		},
	}
	c := Caller{Thread: uint64(t.id), Caps: t.caps}
	t.setSyscallResult(k.table.dispatch(k, c, &d))
}

// sysReserveRegion implements RESERVE_REGION(length, hint, prot).
func sysReserveRegion(k *Kernel, c Caller, args *[6]uintptr) int64 {
	n := uint64(args[0])
	hint := virtualAddress(args[1])
	prot := int(args[2])
	if n == 0 || n%k.pageSize != 0 {
		return _EINVAL
	}
	if prot&^supportedProt != 0 {
		return _EINVAL
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	addr, err := k.vm.mmap(hint, n, prot, tid(c.Thread))
	if err != nil {
		return _ENOMEM
	}
	if err := k.mem.commit(addr, n, prot); err != nil {
		k.vm.munmap(addr, n)
		return _ENOMEM
	}
	return int64(addr)
}

// sysReleaseRegion implements RELEASE_REGION(base, length). Only
// whole regions can be released.
func sysReleaseRegion(k *Kernel, c Caller, args *[6]uintptr) int64 {
	addr := virtualAddress(args[0])
	n := uint64(args[1])
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.vm.munmap(addr, n) {
		return _EINVAL
	}
	if err := k.mem.decommit(addr, n); err != nil {
		fatalError(err)
	}
	return _EOK
}

func sysPagesize(k *Kernel, c Caller, args *[6]uintptr) int64 {
	return int64(k.pageSize)
}
