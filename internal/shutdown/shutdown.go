// Package shutdown tears the process's channel down when a termination
// signal arrives and exits with 128 plus the signal number.
package shutdown

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Teardowner is implemented by *shm.Channel.
type Teardowner interface {
	Teardown() error
}

// ErrAlreadyInstalled is returned when a handler is already active in this process.
var ErrAlreadyInstalled = errors.New("shutdown: handler already installed")

// Signals are the signals that trigger teardown.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// exit is replaced in tests.
var exit = os.Exit

var installed atomic.Bool

// Install registers target for teardown on SIGINT, SIGTERM and SIGHUP.
// Only one handler may be active per process. The first signal tears target
// down and exits; signals arriving meanwhile are swallowed. stop unsubscribes
// and frees the slot; it must not be called from the exit path.
func Install(target Teardowner, logger *zap.Logger) (stop func(), err error) {
	if target == nil {
		return nil, errors.New("shutdown: nil target")
	}
	if !installed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInstalled
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, Signals...)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			handle(target, logger, sig)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
			installed.Store(false)
		})
	}, nil
}

func handle(target Teardowner, logger *zap.Logger, sig os.Signal) {
	code := ExitCode(sig)
	logger.Warn("interrupted, tearing down", zap.Stringer("signal", sig), zap.Int("exit_code", code))
	if err := target.Teardown(); err != nil {
		logger.Warn("teardown on signal", zap.Error(err))
	}
	_ = logger.Sync()
	exit(code)
}

// ExitCode returns the conventional status of a process ended by sig.
func ExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
