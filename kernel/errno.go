// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "golang.org/x/sys/unix"

// Errnos. Results are returned negated in AX, like Linux.
const (
	_EOK    = 0
	_EINVAL = -int64(unix.EINVAL)
	_ENOMEM = -int64(unix.ENOMEM)
	_ENOSYS = -int64(unix.ENOSYS)
	_EPERM  = -int64(unix.EPERM)
)

// kernError is an error type usable in kernel code.
type kernError string

func (k kernError) Error() string {
	return string(k)
}

// errnoResult converts a syscall result to a user visible error. Non
// negative results are successful.
func errnoResult(r int64) (uint64, error) {
	if r < 0 {
		return 0, unix.Errno(-r)
	}
	return uint64(r), nil
}
