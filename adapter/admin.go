package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AdminServer serves /metrics, /live and /ready for one process.
type AdminServer struct {
	addr   string
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// NewAdminServer builds the admin mux. health is usually the handler
// returned by NewHealth.
func NewAdminServer(addr string, g prometheus.Gatherer, health http.Handler, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	return &AdminServer{
		addr: addr,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start listens on the configured address and serves in the background.
func (a *AdminServer) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("admin server stopped", zap.Error(err))
		}
	}()
	a.logger.Debug("admin server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (a *AdminServer) Addr() string {
	if a.ln != nil {
		return a.ln.Addr().String()
	}
	return a.addr
}

// Shutdown stops the server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.ln == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}
