//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operations without FUTEX_PRIVATE_FLAG: the word lives in a MAP_SHARED
// mapping and the waiter and waker are different processes.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// FutexWait blocks while *addr == val.
//
// It returns nil after a wake-up or when *addr no longer holds val,
// ErrInterrupted when a signal interrupted the wait and ErrTimeout when
// timeout (if positive) elapsed first. Callers always re-check their
// condition: wake-ups may be spurious.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var ts unix.Timespec
	var tsp unsafe.Pointer
	if timeout > 0 {
		ts = unix.NsecToTimespec(int64(timeout))
		tsp = unsafe.Pointer(&ts)
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(tsp),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN:
		return nil
	case unix.EINTR:
		return ErrInterrupted
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// FutexWake wakes up to n waiters blocked on addr and returns how many were woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake: %w", errno)
	}
	return int(r1), nil
}
