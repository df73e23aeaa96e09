//go:build !linux

package shm

import "time"

// FutexWait is not supported outside Linux.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error { return ErrUnsupported }

// FutexWake is not supported outside Linux.
func FutexWake(addr *uint32, n int) (int, error) { return 0, ErrUnsupported }
