// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"io"
)

type tid uint64

// Processor flags.
const (
	_FLAG_RESERVED = 1 << 2 // Always set.
	_FLAG_TF       = 1 << 8
	_FLAG_IF       = 1 << 9
	_FLAG_DF       = 1 << 10
	_FLAG_AC       = 1 << 18
)

// Initial user register state.
const (
	userEntry    = 0x400000
	userStackTop = 0x7fff0000
)

// Thread represents the CPU state of a user thread together with the
// kernel bookkeeping of its system calls. A Thread must only be used
// by one goroutine at a time.
type Thread struct {
	context

	k    *Kernel
	id   tid
	caps Capability

	// kstack holds the frames saved by in-flight system calls.
	kstack []context
}

// context represent a thread's CPU state at the moment of a domain
// transition.
type context struct {
	ip    uint64
	sp    uint64
	flags uint64
	bp    uint64
	ax    uint64
	bx    uint64
	cx    uint64
	dx    uint64
	si    uint64
	di    uint64
	r8    uint64
	r9    uint64
	r10   uint64
	r11   uint64
	r12   uint64
	r13   uint64
	r14   uint64
	r15   uint64

	fsbase uint64
}

// ID returns the thread identifier assigned by the kernel.
func (t *Thread) ID() uint64 {
	return uint64(t.id)
}

// Capabilities returns the capabilities the thread was created with.
func (t *Thread) Capabilities() Capability {
	return t.caps
}

func (t *Thread) setSyscallResult(ret int64) {
	t.ax = uint64(ret)
}

// pushFrame saves the full register state on the kernel stack.
func (t *Thread) pushFrame() {
	t.kstack = append(t.kstack, t.context)
}

// popFrame restores the register state saved by the matching
// pushFrame.
func (t *Thread) popFrame() {
	n := len(t.kstack)
	if n == 0 {
		fatal("popFrame: empty kernel stack")
	}
	t.context = t.kstack[n-1]
	t.kstack = t.kstack[:n-1]
}

// Dump writes the register state of the thread to w.
func (t *Thread) Dump(w io.Writer) {
	fields := []struct {
		field string
		value uint64
	}{
		{"id", uint64(t.id)},
		{"ip", t.ip},
		{"sp", t.sp},
		{"flags", t.flags},
		{"bp", t.bp},
		{"ax", t.ax},
		{"bx", t.bx},
		{"cx", t.cx},
		{"dx", t.dx},
		{"si", t.si},
		{"di", t.di},
		{"r8", t.r8},
		{"r9", t.r9},
		{"r10", t.r10},
		{"r11", t.r11},
		{"r12", t.r12},
		{"r13", t.r13},
		{"r14", t.r14},
		{"r15", t.r15},
		{"fsbase", t.fsbase},
	}
	for _, f := range fields {
		fmt.Fprintf(w, "%s: %#x ", f.field, f.value)
	}
	fmt.Fprintln(w)
}
