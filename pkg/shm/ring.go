package shm

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/srediag/shmpipe/api"
	"github.com/srediag/shmpipe/pkg/sem"
)

var (
	_ api.Transport = (*Channel)(nil)
	_ api.Health    = (*Channel)(nil)
)

// Send copies src into the ring until src returns io.EOF and then writes
// the end-of-stream slot. After a clean end the channel is only detached:
// the reader may not have attached yet, so the names stay in place.
//
// Any other outcome tears the channel down. ErrPeerExited is returned when
// the reader went away, ctx.Err() when ctx ended the transfer, a
// *TransferError when src failed and a *ResourceError when a semaphore
// failed.
func (c *Channel) Send(ctx context.Context, src api.Source) (err error) {
	ctx, span := c.tracer.Start(ctx, "shm.Channel.Send", trace.WithAttributes(
		attribute.String("shm.segment", c.names.Segment),
		attribute.Int("shm.capacity", c.cfg.Capacity)))
	defer func() { endSpan(span, err) }()
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	if err := c.register(roleWriter); err != nil {
		return c.finish(ctx, roleWriter, err)
	}
	attrs := roleWriter.attrs()
	pos := 0
	for {
		if err := c.acquire(roleWriter); err != nil {
			return c.finish(ctx, roleWriter, err)
		}
		slot := EndOfStream
		b, rerr := src.ReadByte()
		switch {
		case rerr == nil:
			slot = ByteSlot(b)
		case errors.Is(rerr, io.EOF):
		default:
			return c.finish(ctx, roleWriter, &TransferError{Op: "read source", Err: rerr})
		}
		if err := c.publish(pos, slot); err != nil {
			return c.finish(ctx, roleWriter, err)
		}
		c.slotsMoved.Add(ctx, 1, attrs)
		pos = c.advance(pos)
		if slot.Kind == SlotEndOfStream {
			return c.finish(ctx, roleWriter, nil)
		}
	}
}

// Receive copies the stream from the ring into dst until the end-of-stream
// slot. dst is flushed whenever the ring runs empty and after the last byte.
// A clean end tears the channel down: the stream has been fully consumed
// and nobody needs the names any more.
//
// Errors are reported as for Send; ErrPeerExited means the writer went away
// before end-of-stream and bytes it had already written may be lost.
func (c *Channel) Receive(ctx context.Context, dst api.Sink) (err error) {
	ctx, span := c.tracer.Start(ctx, "shm.Channel.Receive", trace.WithAttributes(
		attribute.String("shm.segment", c.names.Segment),
		attribute.Int("shm.capacity", c.cfg.Capacity)))
	defer func() { endSpan(span, err) }()
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	if err := c.register(roleReader); err != nil {
		return c.finish(ctx, roleReader, err)
	}
	attrs := roleReader.attrs()
	pos := 0
	for {
		if c.drained() {
			if err := dst.Flush(); err != nil {
				return c.finish(ctx, roleReader, &TransferError{Op: "flush sink", Err: err})
			}
		}
		slot, err := c.take(pos)
		if err != nil {
			return c.finish(ctx, roleReader, err)
		}
		c.slotsMoved.Add(ctx, 1, attrs)
		pos = c.advance(pos)
		if slot.Kind == SlotEndOfStream {
			if err := dst.Flush(); err != nil {
				return c.finish(ctx, roleReader, &TransferError{Op: "flush sink", Err: err})
			}
			return c.finish(ctx, roleReader, nil)
		}
		if err := dst.WriteByte(slot.Value); err != nil {
			return c.finish(ctx, roleReader, &TransferError{Op: "write sink", Err: err})
		}
	}
}

func (c *Channel) cancel() {
	c.logger.Debug("transfer cancelled")
	_ = c.Teardown()
}

// finish maps the terminal state of a transfer onto the release step.
func (c *Channel) finish(ctx context.Context, r role, err error) error {
	log := c.logger.With(zap.Stringer("role", r))
	var pe *peerExitError
	switch {
	case err == nil:
		log.Debug("transfer complete")
		if r == roleWriter {
			_ = c.closeAfterEnd()
		} else {
			_ = c.Teardown()
		}
		return nil
	case errors.As(err, &pe):
		c.peerExits.Add(ctx, 1, r.attrs())
		log.Warn("peer exited", zap.Error(err))
		if pe.notified {
			_ = c.Close()
		} else {
			_ = c.Teardown()
		}
		return err
	case errors.Is(err, ErrClosed), errors.Is(err, ErrNotOpen):
		if ctx.Err() != nil {
			// Waits for the teardown started by the cancellation.
			_ = c.Teardown()
			return ctx.Err()
		}
		return err
	default:
		log.Error("transfer failed", zap.Error(err))
		_ = c.Teardown()
		return err
	}
}

// register records the pid of this side for the peer's liveness check.
func (c *Channel) register(r role) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	c.seg.setPID(r, os.Getpid())
	return nil
}

// acquire takes one free slot for the writer.
func (c *Channel) acquire(r role) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waitLocked(c.writeSem, r)
}

// publish stores slot at pos and hands it to the reader.
func (c *Channel) publish(pos int, slot Slot) error {
	w, err := encodeSlot(slot)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	c.seg.store(pos, w)
	if err := c.readSem.Post(); err != nil {
		return &ResourceError{Op: "post", Name: c.readSem.Name(), Err: err}
	}
	return nil
}

// take waits for a filled slot, reads it and returns the slot to the writer.
func (c *Channel) take(pos int) (Slot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.waitLocked(c.readSem, roleReader); err != nil {
		return PeerExited, err
	}
	slot, err := decodeSlot(c.seg.load(pos))
	if err != nil {
		return Slot{}, err
	}
	if err := c.writeSem.Post(); err != nil {
		return Slot{}, &ResourceError{Op: "post", Name: c.writeSem.Name(), Err: err}
	}
	return slot, nil
}

// drained reports whether no filled slot is pending, so the next take blocks.
func (c *Channel) drained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mapped && c.readSem != nil && c.readSem.Value() == 0
}

func (c *Channel) waitLocked(s *sem.Semaphore, r role) error {
	if err := c.usableLocked(); err != nil {
		return err
	}
	if err := c.semWaitLocked(s, r); err != nil {
		return err
	}
	if err := c.usableLocked(); err != nil {
		return err
	}
	if c.seg.terminated() {
		return &peerExitError{pid: c.seg.pid(r.peer()), notified: true}
	}
	return nil
}

func (c *Channel) semWaitLocked(s *sem.Semaphore, r role) error {
	interval := c.cfg.PeerCheckInterval
	if interval <= 0 {
		if err := s.Wait(); err != nil {
			return &ResourceError{Op: "wait", Name: s.Name(), Err: err}
		}
		return nil
	}
	for {
		err := s.WaitTimeout(interval)
		if !errors.Is(err, sem.ErrTimeout) {
			if err != nil {
				return &ResourceError{Op: "wait", Name: s.Name(), Err: err}
			}
			return nil
		}
		if c.closing.Load() {
			return ErrClosed
		}
		if c.seg.terminated() {
			return &peerExitError{pid: c.seg.pid(r.peer()), notified: true}
		}
		if pid := c.seg.pid(r.peer()); pid > 0 && !c.alive(pid) {
			return &peerExitError{pid: pid}
		}
	}
}

func (c *Channel) alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		c.logger.Debug("peer liveness check failed", zap.Int("pid", pid), zap.Error(err))
		return true
	}
	return ok
}

func (c *Channel) usableLocked() error {
	switch {
	case c.closing.Load():
		return ErrClosed
	case !c.mapped || c.readSem == nil:
		return ErrNotOpen
	}
	return nil
}

func (c *Channel) advance(pos int) int {
	pos++
	if pos == c.cfg.Capacity {
		pos = 0
	}
	return pos
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
