package sem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	internalshm "github.com/srediag/shmpipe/internal/shm"
)

const (
	valueOffset   = 0
	waitersOffset = 4
	magicOffset   = 8
	versionOffset = 12
	regionSize    = 16

	magic   = 0x504d4553 // "SEMP"
	version = 1

	// MaxValue is the largest count a semaphore can hold.
	MaxValue = math.MaxInt32
)

var (
	// ErrTimeout is returned by WaitTimeout when no permit became available in time.
	ErrTimeout = errors.New("sem: wait timed out")
	// ErrOverflow is returned by Post when the count is already MaxValue.
	ErrOverflow = errors.New("sem: value overflow")
	// ErrClosed is returned by operations on a closed semaphore.
	ErrClosed = errors.New("sem: semaphore closed")
	// ErrInvalid is returned when an existing object is not a semaphore of this format.
	ErrInvalid = errors.New("sem: not a semaphore")
)

// Semaphore is a process-shared counting semaphore.
//
// Wait and Post may be called from any goroutine; Close must not race with
// them.
type Semaphore struct {
	name    string
	region  *internalshm.MappedRegion
	value   *uint32
	waiters *uint32
}

// Open opens the named semaphore, creating it with the initial count when it
// does not exist. An existing semaphore keeps its current count.
func Open(ctx context.Context, name string, initial uint32) (*Semaphore, error) {
	if initial > MaxValue {
		return nil, fmt.Errorf("sem: initial value %d exceeds %d", initial, MaxValue)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name: objectName(name),
		Size: regionSize,
		Init: func(mem []byte) error {
			atomic.StoreUint32(internalshm.Uint32At(mem, magicOffset), magic)
			atomic.StoreUint32(internalshm.Uint32At(mem, versionOffset), version)
			atomic.StoreUint32(internalshm.Uint32At(mem, valueOffset), initial)
			return nil
		},
		Validate: func(mem []byte) error {
			if atomic.LoadUint32(internalshm.Uint32At(mem, magicOffset)) != magic ||
				atomic.LoadUint32(internalshm.Uint32At(mem, versionOffset)) != version {
				return fmt.Errorf("%w: %s", ErrInvalid, name)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &Semaphore{
		name:    name,
		region:  region,
		value:   internalshm.Uint32At(region.Addr, valueOffset),
		waiters: internalshm.Uint32At(region.Addr, waitersOffset),
	}, nil
}

// Name returns the name the semaphore was opened with.
func (s *Semaphore) Name() string { return s.name }

// Created reports whether Open created the semaphore rather than attaching to it.
func (s *Semaphore) Created() bool { return s.region != nil && s.region.Created }

// Wait decrements the semaphore, blocking while it is zero.
// Interrupted waits are retried; any other failure is returned.
func (s *Semaphore) Wait() error {
	return s.wait(0)
}

// WaitTimeout is Wait with an upper bound on the time spent blocked.
// It returns ErrTimeout when d elapsed without a permit.
func (s *Semaphore) WaitTimeout(d time.Duration) error {
	if d <= 0 {
		if s.TryWait() {
			return nil
		}
		return ErrTimeout
	}
	return s.wait(d)
}

func (s *Semaphore) wait(d time.Duration) error {
	if s.value == nil {
		return ErrClosed
	}
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	for {
		if s.TryWait() {
			return nil
		}

		var timeout time.Duration
		if d > 0 {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return ErrTimeout
			}
		}

		atomic.AddUint32(s.waiters, 1)
		err := internalshm.FutexWait(s.value, 0, timeout)
		atomic.AddUint32(s.waiters, ^uint32(0))

		switch {
		case err == nil, errors.Is(err, internalshm.ErrInterrupted):
		case errors.Is(err, internalshm.ErrTimeout):
			if s.TryWait() {
				return nil
			}
			return ErrTimeout
		default:
			return fmt.Errorf("sem: wait %s: %w", s.name, err)
		}
	}
}

// TryWait decrements the semaphore if it is positive and reports whether it did.
func (s *Semaphore) TryWait() bool {
	if s.value == nil {
		return false
	}
	for {
		v := atomic.LoadUint32(s.value)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.value, v, v-1) {
			return true
		}
	}
}

// Post increments the semaphore and wakes one waiter.
func (s *Semaphore) Post() error {
	if s.value == nil {
		return ErrClosed
	}
	for {
		v := atomic.LoadUint32(s.value)
		if v >= MaxValue {
			return fmt.Errorf("sem: post %s: %w", s.name, ErrOverflow)
		}
		if atomic.CompareAndSwapUint32(s.value, v, v+1) {
			break
		}
	}
	// a waiter registers before sleeping on value == 0, so either it sees the
	// new count or we see it here
	if atomic.LoadUint32(s.waiters) > 0 {
		if _, err := internalshm.FutexWake(s.value, 1); err != nil {
			return fmt.Errorf("sem: post %s: %w", s.name, err)
		}
	}
	return nil
}

// Value returns the current count.
func (s *Semaphore) Value() int {
	if s.value == nil {
		return 0
	}
	return int(atomic.LoadUint32(s.value))
}

// Close unmaps the semaphore from this process. The named object survives
// until Unlink. Close is idempotent.
func (s *Semaphore) Close() error {
	if s.region == nil {
		return nil
	}
	s.value = nil
	s.waiters = nil
	return internalshm.UnmapRegion(s.region)
}

// Unlink removes the semaphore's name. Processes that have it open keep using it.
func (s *Semaphore) Unlink() error {
	return Unlink(s.name)
}

// Unlink removes the named semaphore.
func Unlink(name string) error {
	return internalshm.Unlink(objectName(name))
}

// Exists reports whether the named semaphore is present.
func Exists(name string) (bool, error) {
	return internalshm.Exists(objectName(name))
}

// objectName maps "/1001" onto the "sem.1001" entry glibc would use.
func objectName(name string) string {
	return "sem." + strings.TrimPrefix(name, "/")
}
