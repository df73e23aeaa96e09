// Package cli runs the sender and receiver commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/srediag/shmpipe/adapter"
	"github.com/srediag/shmpipe/api"
	"github.com/srediag/shmpipe/internal/config"
	"github.com/srediag/shmpipe/internal/logging"
	"github.com/srediag/shmpipe/internal/shutdown"
	"github.com/srediag/shmpipe/pkg/shm"
)

// Role selects which end of the channel a process drives.
type Role string

const (
	Sender   Role = "sender"
	Receiver Role = "receiver"
)

const (
	exitOK      = 0
	exitFailure = 1

	metricsNamespace = "shmpipe"
)

// Run executes one command and returns its exit status: 0 after a clean
// end of stream, 1 on any failure. A termination signal ends the process
// from the shutdown handler with 128 plus the signal number.
func Run(ctx context.Context, role Role, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	program := string(role)
	parsed, err := config.ParseArgs(program, args)
	if err != nil {
		var uerr *config.UsageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(stderr, uerr.Error())
			fmt.Fprintln(stderr, uerr.Usage())
		} else {
			fmt.Fprintf(stderr, "%s: %v\n", program, err)
		}
		return exitFailure
	}

	env, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", program, err)
		return exitFailure
	}
	log, err := logging.New(env.Logging())
	if err != nil {
		fmt.Fprintf(stderr, "%s: logger: %v\n", program, err)
		log = logging.NewDefault()
	}
	defer log.Sync()
	logger := log.Named(program)

	meter, tracer := adapter.Telemetry()
	ch := shm.NewChannel(shm.Config{
		Capacity:          parsed.Capacity,
		Names:             env.Names(),
		PeerCheckInterval: env.PeerCheck,
		Logger:            logger,
		Meter:             meter,
		Tracer:            tracer,
	})

	stop, err := shutdown.Install(ch, logger)
	switch {
	case errors.Is(err, shutdown.ErrAlreadyInstalled):
		logger.Warn("signal handler owned by another channel in this process")
	case err != nil:
		fmt.Fprintf(stderr, "%s: %v\n", program, err)
		return exitFailure
	default:
		defer stop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(adapter.NewChannelCollector(metricsNamespace, ch, prometheus.Labels{"role": program}))
	metrics, err := adapter.NewTransferMetrics(metricsNamespace, reg)
	if err != nil {
		fmt.Fprintf(stderr, "%s: metrics: %v\n", program, err)
		return exitFailure
	}
	if env.AdminAddr != "" {
		srv := adapter.NewAdminServer(env.AdminAddr, reg, adapter.NewHealth(metricsNamespace, reg, ch), logger)
		if err := srv.Start(); err != nil {
			logger.Warn("admin server not started", zap.String("addr", env.AdminAddr), zap.Error(err))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}
	}
	if env.MetricsFile != "" {
		defer func() {
			if err := adapter.WriteTextfile(env.MetricsFile, reg); err != nil {
				logger.Warn("metrics file not written", zap.String("path", env.MetricsFile), zap.Error(err))
			}
		}()
	}

	if err := ch.Open(ctx); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", program, err)
		metrics.Results.WithLabelValues(program, result(err)).Inc()
		return exitFailure
	}

	var n int64
	switch role {
	case Sender:
		src := &countingSource{src: adapter.NewSource(stdin)}
		err = ch.Send(ctx, src)
		n = src.n
	default:
		sink := adapter.NewSink(stdout, 0)
		defer sink.Release()
		err = ch.Receive(ctx, sink)
		n = sink.Written()
	}
	metrics.Bytes.WithLabelValues(program).Add(float64(n))
	metrics.Results.WithLabelValues(program, result(err)).Inc()

	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", program, err)
		return exitFailure
	}
	logger.Debug("stream complete", zap.Int64("bytes", n))
	return exitOK
}

func result(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, shm.ErrPeerExited):
		return "peer_exited"
	case errors.Is(err, shm.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "closed"
	default:
		var rerr *shm.ResourceError
		if errors.As(err, &rerr) {
			return "resource_error"
		}
		return "error"
	}
}

type countingSource struct {
	src api.Source
	n   int64
}

func (c *countingSource) ReadByte() (byte, error) {
	b, err := c.src.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}
