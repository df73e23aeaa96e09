// Package sem provides named counting semaphores shared between processes.
//
// A semaphore named "/1001" lives in /dev/shm/sem.1001, the same place glibc
// keeps POSIX named semaphores. The count is a 32-bit word in a shared
// mapping; waiters sleep on it with a futex and posters wake them.
//
// Example usage:
//
//	s, err := sem.Open(ctx, "/1001", 16)
//	// ...
//	if err := s.Wait(); err != nil {
//		// ...
//	}
//	// ... use the resource ...
//	_ = s.Post()
//	_ = s.Close()
//	_ = sem.Unlink("/1001")
package sem
