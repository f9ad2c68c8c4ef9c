// SPDX-License-Identifier: Unlicense OR MIT

package kernel

// Capability is a set of rights a thread may hold.
type Capability uint32

const (
	// CapMemory allows a thread to reserve and release address space.
	CapMemory Capability = 1 << iota

	CapAll = ^Capability(0)
)

// Caller identifies the thread a system call originates from.
type Caller struct {
	Thread uint64
	Caps   Capability
}

// AccessControl decides whether a caller may make a system call that
// requires the given capabilities.
type AccessControl interface {
	Allowed(c Caller, required Capability) bool
}

// capabilityMask grants a call if the caller holds every required
// capability bit.
type capabilityMask struct{}

func (capabilityMask) Allowed(c Caller, required Capability) bool {
	return c.Caps&required == required
}

// callDescriptor is a system call as read from the thread registers.
type callDescriptor struct {
	sysno uintptr
	args  [6]uintptr
}

type handler func(k *Kernel, c Caller, args *[6]uintptr) int64

type dispatchEntry struct {
	sysno   uintptr
	handler handler
	caps    Capability
}

// dispatchTable is indexed by system call number. It is filled once
// by newDispatchTable and never modified afterwards.
type dispatchTable [numSyscalls]dispatchEntry

func newDispatchTable(entries []dispatchEntry) *dispatchTable {
	tab := new(dispatchTable)
	for _, e := range entries {
		if e.sysno >= numSyscalls {
			fatal("newDispatchTable: system call number out of range")
		}
		if tab[e.sysno].handler != nil {
			fatal("newDispatchTable: duplicate system call number")
		}
		tab[e.sysno] = e
	}
	return tab
}

// dispatch runs the handler for the call described by d.
func (tab *dispatchTable) dispatch(k *Kernel, c Caller, d *callDescriptor) int64 {
	if d.sysno >= uintptr(len(tab)) {
		return _ENOSYS
	}
	e := &tab[d.sysno]
	if e.handler == nil {
		return _ENOSYS
	}
	if !k.access.Allowed(c, e.caps) {
		return _EPERM
	}
	return e.handler(k, c, &d.args)
}
