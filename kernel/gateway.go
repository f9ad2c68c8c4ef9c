// SPDX-License-Identifier: Unlicense OR MIT

package kernel

// Length of the SYSCALL instruction.
const syscallInsnLen = 2

// Flags cleared on entry to the kernel.
const syscallFlagMask = _FLAG_IF | _FLAG_TF | _FLAG_AC | _FLAG_DF

// trapVector is the kernel entry point reached by the SYSCALL
// instruction. It reads the call from the thread registers and leaves
// the result in AX.
type trapVector func(t *Thread)

// Syscall enters the kernel with the system call number sysno and
// arguments a0-a5, and returns the result register. Negative results
// are negated errno values.
//
// The registers follow the Linux amd64 convention: the number in AX,
// the arguments in DI, SI, DX, R10, R8 and R9. Every register except
// AX is restored before Syscall returns.
func (t *Thread) Syscall(sysno, a0, a1, a2, a3, a4, a5 uintptr) int64 {
	t.ax = uint64(sysno)
	t.di = uint64(a0)
	t.si = uint64(a1)
	t.dx = uint64(a2)
	t.r10 = uint64(a3)
	t.r8 = uint64(a4)
	t.r9 = uint64(a5)
	t.syscall()
	return int64(t.ax)
}

// syscall executes the SYSCALL instruction for the thread: it
// transfers control to the kernel vector and resumes at the
// instruction following it.
func (t *Thread) syscall() {
	if t.k == nil || t.k.vector == nil {
		// There is no kernel to return from.
		fatal("syscall: trap vector not installed")
	}
	t.ip += syscallInsnLen
	t.pushFrame()
	// The hardware saves IP and flags in CX and R11.
	t.cx = t.ip
	t.r11 = t.flags
	t.flags &^= syscallFlagMask
	t.k.vector(t)
	ret := t.ax
	t.popFrame()
	t.ax = ret
}
