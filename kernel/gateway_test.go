// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"testing"

	"golang.org/x/sys/unix"
)

// fillRegisters gives every register a distinct value.
func fillRegisters(t *Thread) {
	regs := []*uint64{
		&t.sp, &t.bp, &t.ax, &t.bx, &t.cx, &t.dx, &t.si, &t.di,
		&t.r8, &t.r9, &t.r10, &t.r11, &t.r12, &t.r13, &t.r14, &t.r15,
		&t.fsbase,
	}
	for i, r := range regs {
		*r = 0x1111111111111111 * uint64(i+1)
	}
	t.flags = _FLAG_RESERVED | _FLAG_IF | _FLAG_DF
}

func TestUnknownSyscallPreservesFrame(t *testing.T) {
	k := newTestKernel(t, Config{})
	th := k.NewThread(CapAll)
	for _, sysno := range []uintptr{numSyscalls, numSyscalls + 1, 0x80000000, ^uintptr(0)} {
		fillRegisters(th)
		want := th.context
		ret := th.Syscall(sysno, 1, 2, 3, 4, 5, 6)
		if ret != _ENOSYS {
			t.Errorf("syscall %#x: got %d, want %d", sysno, ret, _ENOSYS)
		}
		if ret != -int64(unix.ENOSYS) {
			t.Errorf("syscall %#x: result is not -ENOSYS", sysno)
		}
		// The call number and arguments are marshalled into
		// registers; everything else is preserved.
		want.ax = uint64(ret)
		want.di, want.si, want.dx, want.r10, want.r8, want.r9 = 1, 2, 3, 4, 5, 6
		want.ip += syscallInsnLen
		if th.context != want {
			t.Errorf("syscall %#x: frame not restored\ngot  %+v\nwant %+v", sysno, th.context, want)
		}
		if len(th.kstack) != 0 {
			t.Errorf("syscall %#x: %d frames left on the kernel stack", sysno, len(th.kstack))
		}
	}
}

func TestTrapRestoresAllButResult(t *testing.T) {
	k := newTestKernel(t, Config{})
	th := k.NewThread(CapAll)
	fillRegisters(th)
	th.ax = SYS_PAGESIZE
	want := th.context
	th.syscall()
	want.ip += syscallInsnLen
	want.ax = uint64(k.PageSize())
	if th.context != want {
		t.Errorf("frame not restored\ngot  %+v\nwant %+v", th.context, want)
	}
}

func TestSyscallWithoutVector(t *testing.T) {
	var th Thread
	defer func() {
		err, ok := recover().(kernError)
		if !ok {
			t.Fatalf("got panic %v, want a kernel error", err)
		}
	}()
	th.Syscall(SYS_PAGESIZE, 0, 0, 0, 0, 0, 0)
	t.Fatal("system call without kernel returned")
}

func TestDispatchTable(t *testing.T) {
	var calls []Caller
	record := func(k *Kernel, c Caller, args *[6]uintptr) int64 {
		calls = append(calls, c)
		return int64(args[0] + args[5])
	}
	tab := newDispatchTable([]dispatchEntry{
		{SYS_RESERVE_REGION, record, CapMemory},
		{SYS_PAGESIZE, record, 0},
	})
	k := &Kernel{access: capabilityMask{}}
	tests := []struct {
		name  string
		sysno uintptr
		caps  Capability
		want  int64
	}{
		{"allowed", SYS_RESERVE_REGION, CapMemory, 7},
		{"denied", SYS_RESERVE_REGION, 0, _EPERM},
		{"empty slot", SYS_RELEASE_REGION, CapAll, _ENOSYS},
		{"out of range", numSyscalls, CapAll, _ENOSYS},
		{"no capability needed", SYS_PAGESIZE, 0, 7},
	}
	for _, test := range tests {
		calls = nil
		d := callDescriptor{sysno: test.sysno, args: [6]uintptr{3, 0, 0, 0, 0, 4}}
		got := tab.dispatch(k, Caller{Thread: 9, Caps: test.caps}, &d)
		if got != test.want {
			t.Errorf("%s: got %d, want %d", test.name, got, test.want)
		}
		wantCalls := 0
		if test.want >= 0 {
			wantCalls = 1
		}
		if len(calls) != wantCalls {
			t.Errorf("%s: handler called %d times, want %d", test.name, len(calls), wantCalls)
		}
	}
}

func TestDispatchTableDuplicate(t *testing.T) {
	defer func() {
		if _, ok := recover().(kernError); !ok {
			t.Fatal("duplicate entry accepted")
		}
	}()
	newDispatchTable([]dispatchEntry{
		{SYS_PAGESIZE, sysPagesize, 0},
		{SYS_PAGESIZE, sysPagesize, 0},
	})
}
