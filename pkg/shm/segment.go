package shm

import (
	"context"
	"fmt"
	"sync/atomic"

	internalshm "github.com/srediag/shmpipe/internal/shm"
)

// Segment header, followed by capacity int32 slots.
const (
	magicOffset     = 0
	versionOffset   = 4
	capacityOffset  = 8
	stateOffset     = 12
	writerPIDOffset = 16
	readerPIDOffset = 20
	headerSize      = 64

	segmentMagic   = 0x50484d53
	segmentVersion = 1

	stateRunning    = 0
	stateTerminated = 1
)

// MaxCapacity is the largest number of slots a channel can have.
const MaxCapacity = 1 << 28

func segmentSize(capacity int) int {
	return headerSize + 4*capacity
}

// segment is the mapped view of the ring.
type segment struct {
	region    *internalshm.MappedRegion
	state     *uint32
	writerPID *uint32
	readerPID *uint32
	slots     []int32
}

func mapSegment(ctx context.Context, name string, capacity int) (*segment, error) {
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:     name,
		Size:     segmentSize(capacity),
		Init:     initSegment(capacity),
		Validate: validateSegment(capacity),
	})
	if err != nil {
		return nil, err
	}
	mem := region.Addr
	return &segment{
		region:    region,
		state:     internalshm.Uint32At(mem, stateOffset),
		writerPID: internalshm.Uint32At(mem, writerPIDOffset),
		readerPID: internalshm.Uint32At(mem, readerPIDOffset),
		slots:     internalshm.Int32Slice(mem, headerSize, capacity),
	}, nil
}

// initSegment runs before the segment is published, so no peer can observe
// a half written header. Fresh pages are already zero.
func initSegment(capacity int) func(mem []byte) error {
	return func(mem []byte) error {
		atomic.StoreUint32(internalshm.Uint32At(mem, versionOffset), segmentVersion)
		atomic.StoreUint32(internalshm.Uint32At(mem, capacityOffset), uint32(capacity))
		atomic.StoreUint32(internalshm.Uint32At(mem, stateOffset), stateRunning)
		atomic.StoreUint32(internalshm.Uint32At(mem, magicOffset), segmentMagic)
		return nil
	}
}

func validateSegment(capacity int) func(mem []byte) error {
	return func(mem []byte) error {
		if len(mem) < headerSize {
			return ErrCorruptSegment
		}
		magic := atomic.LoadUint32(internalshm.Uint32At(mem, magicOffset))
		version := atomic.LoadUint32(internalshm.Uint32At(mem, versionOffset))
		if magic != segmentMagic || version != segmentVersion {
			return fmt.Errorf("%w: magic %#x version %d", ErrCorruptSegment, magic, version)
		}
		if got := atomic.LoadUint32(internalshm.Uint32At(mem, capacityOffset)); got != uint32(capacity) {
			return fmt.Errorf("%w: capacity %d, want %d", ErrSizeMismatch, got, capacity)
		}
		return nil
	}
}

func (s *segment) terminated() bool {
	return atomic.LoadUint32(s.state) == stateTerminated
}

func (s *segment) markTerminated() {
	atomic.StoreUint32(s.state, stateTerminated)
}

func (s *segment) store(pos int, w int32) {
	atomic.StoreInt32(&s.slots[pos], w)
}

func (s *segment) load(pos int) int32 {
	return atomic.LoadInt32(&s.slots[pos])
}

func (s *segment) setPID(r role, pid int) {
	atomic.StoreUint32(s.pidWord(r), uint32(pid))
}

func (s *segment) pid(r role) int {
	return int(atomic.LoadUint32(s.pidWord(r)))
}

func (s *segment) pidWord(r role) *uint32 {
	if r == roleWriter {
		return s.writerPID
	}
	return s.readerPID
}

func (s *segment) close() error {
	return internalshm.UnmapRegion(s.region)
}
