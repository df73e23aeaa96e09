// Package shm transports a byte stream between two processes through a
// fixed-size shared memory ring.
//
// A Channel is a segment of int32 slots plus two named counting semaphores:
// one counts free slots, the other filled slots. The writer waits for a free
// slot, stores a byte and posts the filled count; the reader mirrors it. The
// end of the stream travels through the ring as a reserved slot value, and a
// side that terminates early raises a flag in the segment header and posts
// both semaphores so a blocked peer wakes up and reports ErrPeerExited.
//
// The package is instrumented with OpenTelemetry metrics and tracing and logs
// through zap; all three default to no-ops.
//
// Example usage:
//
//	ch, err := shm.Open(ctx, shm.Config{Capacity: 4096})
//	if err != nil {
//		// *shm.ResourceError
//	}
//	err = ch.Send(ctx, bufio.NewReader(os.Stdin))
//
// and in the other process:
//
//	ch, err := shm.Open(ctx, shm.Config{Capacity: 4096})
//	// ...
//	err = ch.Receive(ctx, sink)
package shm
