package adapter

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/srediag/shmpipe"

// Telemetry returns a meter and a tracer from the global OpenTelemetry
// providers. Both are no-ops until an SDK installs real providers.
func Telemetry() (metric.Meter, trace.Tracer) {
	return otel.GetMeterProvider().Meter(instrumentationName), otel.Tracer(instrumentationName)
}
