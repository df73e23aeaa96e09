package shm

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	internalshm "github.com/srediag/shmpipe/internal/shm"
	"github.com/srediag/shmpipe/pkg/sem"
)

const instrumentationName = "github.com/srediag/shmpipe/pkg/shm"

// Config holds channel creation parameters.
type Config struct {
	// Capacity is the number of slots in the ring. Both sides must agree on it.
	Capacity int
	// Names of the shared objects; DefaultNames when zero.
	Names Names
	// PeerCheckInterval bounds every semaphore wait. When a wait times out
	// the peer's pid is checked and a vanished peer ends the transfer with
	// ErrPeerExited. Zero waits without bound.
	PeerCheckInterval time.Duration
	Logger            *zap.Logger
	Meter             metric.Meter
	Tracer            trace.Tracer
}

// Channel is one side of a shared memory byte stream.
type Channel struct {
	cfg    Config
	names  Names
	logger *zap.Logger
	tracer trace.Tracer

	slotsMoved metric.Int64Counter
	peerExits  metric.Int64Counter

	// lifeMu serialises Open, Close and Teardown.
	lifeMu   sync.Mutex
	opened   bool
	notified bool
	detached bool
	unlinked bool
	// handedOff is set once the writer has published the end-of-stream
	// slot. The names then belong to the reader.
	handedOff bool

	// closing is raised before the peer is notified so a loop woken by our
	// own post stops instead of taking the permit as progress.
	closing atomic.Bool

	// mu guards the mappings. Transfer steps hold it shared, detach holds it
	// exclusively.
	mu       sync.RWMutex
	mapped   bool
	seg      *segment
	writeSem *sem.Semaphore
	readSem  *sem.Semaphore
}

// NewChannel returns an unopened channel. It lets a shutdown handler hold the
// channel before any shared object exists.
func NewChannel(cfg Config) *Channel {
	if cfg.Names.IsZero() {
		cfg.Names = DefaultNames()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	c := &Channel{
		cfg:    cfg,
		names:  cfg.Names,
		logger: cfg.Logger.With(zap.String("segment", cfg.Names.Segment)),
		tracer: cfg.Tracer,
	}
	var err error
	if c.slotsMoved, err = cfg.Meter.Int64Counter("shmpipe.channel.slots",
		metric.WithDescription("Ring slots transferred, including end-of-stream."),
		metric.WithUnit("{slot}")); err != nil {
		c.logger.Debug("slot counter unavailable", zap.Error(err))
		c.slotsMoved = metricnoop.Int64Counter{}
	}
	if c.peerExits, err = cfg.Meter.Int64Counter("shmpipe.channel.peer_exits",
		metric.WithDescription("Transfers ended because the peer exited.")); err != nil {
		c.logger.Debug("peer exit counter unavailable", zap.Error(err))
		c.peerExits = metricnoop.Int64Counter{}
	}
	return c
}

// Open creates or attaches to the channel described by cfg.
func Open(ctx context.Context, cfg Config) (*Channel, error) {
	c := NewChannel(cfg)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Open creates or attaches to the segment and both semaphores. Whichever
// side comes first creates them; the second attaches. On failure everything
// this call acquired is released and removed and a *ResourceError is
// returned.
func (c *Channel) Open(ctx context.Context) error {
	capacity := c.cfg.Capacity
	if capacity < 1 || capacity > MaxCapacity {
		return ErrInvalidCapacity
	}

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closing.Load() {
		return ErrClosed
	}
	if c.opened {
		return ErrAlreadyOpen
	}
	c.opened = true

	seg, err := mapSegment(ctx, c.names.Segment, capacity)
	if err != nil {
		return c.openFailed("open segment", c.names.Segment, err)
	}
	c.install(func() { c.seg = seg })

	ws, err := sem.Open(ctx, c.names.WriteSem, uint32(capacity))
	if err != nil {
		return c.openFailed("open semaphore", c.names.WriteSem, err)
	}
	c.install(func() { c.writeSem = ws })

	rs, err := sem.Open(ctx, c.names.ReadSem, 0)
	if err != nil {
		return c.openFailed("open semaphore", c.names.ReadSem, err)
	}
	c.install(func() { c.readSem = rs })

	c.logger.Debug("channel open",
		zap.Int("capacity", capacity),
		zap.Bool("created", seg.region.Created),
		zap.Int("write_sem", ws.Value()),
		zap.Int("read_sem", rs.Value()))
	return nil
}

func (c *Channel) install(set func()) {
	c.mu.Lock()
	set()
	c.mapped = true
	c.mu.Unlock()
}

func (c *Channel) openFailed(op, name string, err error) error {
	rerr := &ResourceError{Op: op, Name: name, Err: err}
	c.logger.Error("channel open failed", zap.Error(rerr))
	if terr := c.teardownLocked(); terr != nil {
		c.logger.Warn("release after failed open", zap.Error(terr))
	}
	return rerr
}

// Names returns the names of the shared objects.
func (c *Channel) Names() Names { return c.names }

// Capacity returns the number of slots in the ring.
func (c *Channel) Capacity() int { return c.cfg.Capacity }

// Close detaches from the shared objects and leaves their names in place,
// so a peer that has not attached yet still finds the data. It is safe to
// call more than once. Close waits for a blocked transfer; use Teardown to
// interrupt one.
func (c *Channel) Close() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.detachLocked()
}

// Teardown notifies the peer, detaches and removes the names of everything
// this channel opened. The peer notification raises the terminated flag and
// posts both semaphores, waking a blocked peer and any blocked transfer of
// this channel. After a completed Send the names are left for the reader,
// which removes them once it has drained the stream. Later calls do nothing.
// Failures are logged and returned but every step is attempted.
func (c *Channel) Teardown() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.teardownLocked()
}

// closeAfterEnd detaches a writer whose end-of-stream slot is published.
func (c *Channel) closeAfterEnd() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.handedOff = true
	return c.detachLocked()
}

func (c *Channel) teardownLocked() error {
	c.closing.Store(true)
	var errs []error
	if !c.detached && !c.notified {
		c.notified = true
		errs = append(errs, c.notifyPeerLocked())
	}
	errs = append(errs, c.detachLocked())
	if !c.unlinked && !c.handedOff {
		c.unlinked = true
		errs = append(errs, c.unlinkLocked())
	}
	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("channel teardown", zap.Error(err))
	} else {
		c.logger.Debug("channel torn down")
	}
	return err
}

// notifyPeerLocked runs under lifeMu, which keeps the mappings alive.
func (c *Channel) notifyPeerLocked() error {
	if c.seg == nil {
		return nil
	}
	c.seg.markTerminated()
	var errs []error
	for _, s := range []*sem.Semaphore{c.writeSem, c.readSem} {
		if s == nil {
			continue
		}
		if err := s.Post(); err != nil && !errors.Is(err, sem.ErrOverflow) {
			errs = append(errs, &ResourceError{Op: "post", Name: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (c *Channel) detachLocked() error {
	c.closing.Store(true)
	if c.detached {
		return nil
	}
	c.detached = true

	// Waits for transfer steps in progress; a blocked one was woken by
	// the notification or by our own closing flag check.
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapped = false
	var errs []error
	for _, s := range []*sem.Semaphore{c.writeSem, c.readSem} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, &ResourceError{Op: "close", Name: s.Name(), Err: err})
		}
	}
	if c.seg != nil {
		if err := c.seg.close(); err != nil {
			errs = append(errs, &ResourceError{Op: "unmap", Name: c.names.Segment, Err: err})
		}
	}
	return errors.Join(errs...)
}

// unlinkLocked removes only the names this channel opened. A name already
// removed by the peer is not an error.
func (c *Channel) unlinkLocked() error {
	var errs []error
	unlink := func(name string, fn func(string) error) {
		if err := fn(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, &ResourceError{Op: "unlink", Name: name, Err: err})
		}
	}
	if c.writeSem != nil {
		unlink(c.names.WriteSem, sem.Unlink)
	}
	if c.readSem != nil {
		unlink(c.names.ReadSem, sem.Unlink)
	}
	if c.seg != nil {
		unlink(c.names.Segment, internalshm.Unlink)
	}
	return errors.Join(errs...)
}

// Stats is a snapshot of the channel state.
type Stats struct {
	Capacity int
	// Free and Filled are the current semaphore values.
	Free   int
	Filled int
	// PeerExited is true once the terminated flag is raised in the segment.
	PeerExited bool
	WriterPID  int
	ReaderPID  int
	Open       bool
}

// Stats returns a snapshot of the channel state. It never blocks on the ring.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Capacity: c.cfg.Capacity}
	if !c.mapped || c.seg == nil {
		return st
	}
	st.Open = !c.closing.Load()
	st.PeerExited = c.seg.terminated()
	st.WriterPID = c.seg.pid(roleWriter)
	st.ReaderPID = c.seg.pid(roleReader)
	if c.writeSem != nil {
		st.Free = c.writeSem.Value()
	}
	if c.readSem != nil {
		st.Filled = c.readSem.Value()
	}
	return st
}

// Ready reports whether the channel is open.
func (c *Channel) Ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.closing.Load():
		return ErrClosed
	case !c.mapped || c.readSem == nil:
		return ErrNotOpen
	}
	return nil
}

// Live reports whether the channel can still make progress.
func (c *Channel) Live() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mapped && c.seg != nil && c.seg.terminated() && !c.closing.Load() {
		return ErrPeerExited
	}
	return nil
}

type role uint8

const (
	roleWriter role = iota
	roleReader
)

func (r role) String() string {
	if r == roleWriter {
		return "writer"
	}
	return "reader"
}

func (r role) peer() role {
	if r == roleWriter {
		return roleReader
	}
	return roleWriter
}

func (r role) attrs() metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(attribute.String("role", r.String())))
}
