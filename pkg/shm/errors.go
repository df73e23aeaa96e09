package shm

import (
	"errors"
	"fmt"

	internalshm "github.com/srediag/shmpipe/internal/shm"
)

var (
	// ErrInvalidCapacity is returned when the capacity is outside [1, MaxCapacity].
	ErrInvalidCapacity = fmt.Errorf("shm: capacity must be between 1 and %d", MaxCapacity)
	// ErrPeerExited is returned when the other side terminated before end-of-stream.
	ErrPeerExited = errors.New("shm: peer exited unexpectedly")
	// ErrClosed is returned once the channel was closed or torn down locally.
	ErrClosed = errors.New("shm: channel closed")
	// ErrNotOpen is returned by transfers on a channel that was never opened.
	ErrNotOpen = errors.New("shm: channel not open")
	// ErrAlreadyOpen is returned by a second Open on the same handle.
	ErrAlreadyOpen = errors.New("shm: channel already open")
	// ErrCorruptSlot is returned when a ring slot holds no valid encoding.
	ErrCorruptSlot = errors.New("shm: corrupt slot")
	// ErrCorruptSegment is returned when an existing segment has a foreign header.
	ErrCorruptSegment = errors.New("shm: segment header mismatch")
	// ErrSizeMismatch is returned when an existing segment was created for another capacity.
	ErrSizeMismatch = internalshm.ErrSizeMismatch
)

// ResourceError reports a failure to create, size, map, wait on or post a
// shared object.
type ResourceError struct {
	Op   string
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("shm: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// TransferError reports a failure of the stream feeding or draining the channel.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("shm: %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// peerExitError is ErrPeerExited plus how the exit was detected: a peer that
// raised the header flag has already removed the names, one found dead by
// the liveness check has not.
type peerExitError struct {
	pid      int
	notified bool
}

func (e *peerExitError) Error() string {
	if e.notified {
		return ErrPeerExited.Error()
	}
	return fmt.Sprintf("%v: process %d is gone", ErrPeerExited, e.pid)
}

func (e *peerExitError) Unwrap() error { return ErrPeerExited }
