// Package shm contains platform-specific helpers for the shared memory channel:
// named regions backed by /dev/shm, word access into mapped memory and futex waits.
package shm

import "errors"

var (
	// ErrUnsupported is returned on platforms without /dev/shm and futexes.
	ErrUnsupported = errors.New("shm: platform not supported")
	// ErrInvalidName is returned for names that do not map onto a single /dev/shm entry.
	ErrInvalidName = errors.New("shm: invalid object name")
	// ErrSizeMismatch is returned when an existing region is not the requested size.
	ErrSizeMismatch = errors.New("shm: existing region has a different size")
	// ErrNoSpace is returned when /dev/shm cannot hold a new region.
	ErrNoSpace = errors.New("shm: not enough space left on /dev/shm")
	// ErrTimeout is returned by FutexWait when the timeout elapsed.
	ErrTimeout = errors.New("shm: futex wait timed out")
	// ErrInterrupted is returned by FutexWait when a signal interrupted the wait.
	ErrInterrupted = errors.New("shm: futex wait interrupted")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Name string
	Path string
	// Created is true when this process published the region instead of attaching to it.
	Created bool

	fd int
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Size int
	// Init fills a freshly created region before it becomes visible under Name.
	Init func(mem []byte) error
	// Validate checks an existing region before it is returned.
	Validate func(mem []byte) error
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
