package adapter

import (
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmpipe/api"
)

// NewHealth returns a healthcheck handler serving /live and /ready for h.
// Check results are also exported on reg under namespace.
func NewHealth(namespace string, reg prometheus.Registerer, h api.Health) healthcheck.Handler {
	var handler healthcheck.Handler
	if reg != nil {
		handler = healthcheck.NewMetricsHandler(reg, namespace)
	} else {
		handler = healthcheck.NewHandler()
	}
	handler.AddLivenessCheck("peer", h.Live)
	handler.AddReadinessCheck("channel", h.Ready)
	return handler
}
