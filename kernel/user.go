// SPDX-License-Identifier: Unlicense OR MIT

// User space interface to the kernel.

package kernel

// Syscaller enters the kernel. *Thread implements it.
type Syscaller interface {
	Syscall(sysno, a0, a1, a2, a3, a4, a5 uintptr) int64
}

// ReserveRegion reserves length bytes of zeroed address space with the
// protection prot (a combination of unix.PROT_READ, PROT_WRITE and
// PROT_EXEC). The region is placed at hint if possible. length must
// be a multiple of the page size. Errors are unix.Errno values.
func ReserveRegion(s Syscaller, length, hint uintptr, prot int) (uintptr, error) {
	r := s.Syscall(SYS_RESERVE_REGION, length, hint, uintptr(prot), 0, 0, 0)
	addr, err := errnoResult(r)
	if err != nil {
		return 0, err
	}
	return uintptr(addr), nil
}

// ReleaseRegion releases a region returned by ReserveRegion. base and
// length must match the region exactly.
func ReleaseRegion(s Syscaller, base, length uintptr) error {
	r := s.Syscall(SYS_RELEASE_REGION, base, length, 0, 0, 0, 0)
	_, err := errnoResult(r)
	return err
}

// PageSize returns the granularity of ReserveRegion.
func PageSize(s Syscaller) (int, error) {
	r := s.Syscall(SYS_PAGESIZE, 0, 0, 0, 0, 0, 0)
	n, err := errnoResult(r)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
