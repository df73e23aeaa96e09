//go:build !linux

package shm

import "context"

// Path is not supported outside Linux.
func Path(name string) (string, error) { return "", ErrUnsupported }

// MapRegion is not supported outside Linux.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is not supported outside Linux.
func UnmapRegion(region *MappedRegion) error { return ErrUnsupported }

// Unlink is not supported outside Linux.
func Unlink(name string) error { return ErrUnsupported }

// Exists is not supported outside Linux.
func Exists(name string) (bool, error) { return false, ErrUnsupported }
