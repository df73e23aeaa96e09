//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

const (
	devShm = "/dev/shm"

	// maxMapRetries bounds the create/attach race between two processes
	// opening the same name at the same time.
	maxMapRetries = 8
)

var tmpSeq atomic.Uint64

// Path returns the /dev/shm path backing a POSIX shared memory name such as "/1000".
func Path(name string) (string, error) {
	base := strings.TrimPrefix(name, "/")
	if base == "" || base == "." || base == ".." || strings.ContainsRune(base, '/') {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(devShm, base), nil
}

// MapRegion attaches to the named region or creates it when it does not exist yet (Linux implementation).
//
// A created region is sized, mapped and passed to opts.Init under a private
// temporary name, then linked into place. Processes racing on the same name
// therefore either publish a fully initialised region or attach to one.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("shm: invalid region size %d", opts.Size)
	}
	path, err := Path(opts.Name)
	if err != nil {
		return nil, err
	}

	op := func() (*MappedRegion, error) {
		region, err := attachRegion(path, opts)
		if err == nil {
			return region, nil
		}
		if !errors.Is(err, unix.ENOENT) {
			return nil, backoff.Permanent(err)
		}
		region, err = createRegion(path, opts)
		if err == nil {
			return region, nil
		}
		if errors.Is(err, unix.EEXIST) {
			// a peer published first, attach on the next attempt
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(50*time.Millisecond),
	)
	return backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, maxMapRetries), ctx))
}

func attachRegion(path string, opts MapOptions) (*MappedRegion, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	if st.Size != int64(opts.Size) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, st.Size, opts.Size)
	}
	mem, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	if opts.Validate != nil {
		if err := opts.Validate(mem); err != nil {
			_ = unix.Munmap(mem)
			_ = unix.Close(fd)
			return nil, err
		}
	}
	return &MappedRegion{Addr: mem, Name: opts.Name, Path: path, fd: fd}, nil
}

func createRegion(path string, opts MapOptions) (*MappedRegion, error) {
	if !canCreateOnDevShm(uint64(opts.Size), path) {
		return nil, fmt.Errorf("%w: %s needs %d bytes", ErrNoSpace, path, opts.Size)
	}
	tmp := fmt.Sprintf("%s.%d.%d.tmp", path, os.Getpid(), tmpSeq.Add(1))
	fd, err := unix.Open(tmp, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tmp, err)
	}
	// once linked, the final name keeps the inode alive
	defer func() { _ = unix.Unlink(tmp) }()

	fail := func(err error) (*MappedRegion, error) {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		return fail(fmt.Errorf("ftruncate %s: %w", tmp, err))
	}
	mem, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(fmt.Errorf("mmap %s: %w", tmp, err))
	}
	if opts.Init != nil {
		if err := opts.Init(mem); err != nil {
			_ = unix.Munmap(mem)
			return fail(err)
		}
	}
	if err := unix.Link(tmp, path); err != nil {
		_ = unix.Munmap(mem)
		return fail(fmt.Errorf("link %s: %w", path, err))
	}
	return &MappedRegion{Addr: mem, Name: opts.Name, Path: path, Created: true, fd: fd}, nil
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
// The name stays in place; see Unlink.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap %s: %w", region.Path, err))
	}
	region.Addr = nil
	if err := unix.Close(region.fd); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", region.Path, err))
	}
	return errors.Join(errs...)
}

// Unlink removes the name of a shared memory region. Existing mappings stay valid.
func Unlink(name string) error {
	path, err := Path(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a region with the given name is present.
func Exists(name string) (bool, error) {
	path, err := Path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// canCreateOnDevShm reports whether a region of size bytes fits on /dev/shm.
// Paths outside /dev/shm always pass.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShm+"/") {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		// leave the verdict to ftruncate/mmap
		return true
	}
	return stat.Free >= size
}
