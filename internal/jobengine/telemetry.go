package jobengine

import (
	"context"

	"github.com/fetchbridge/dlsvc/internal/interfaces"
)

// NopTelemetry satisfies interfaces.Telemetry without exporting anything.
// Used when no tracing/error-reporting backend is configured.
type NopTelemetry struct{}

func (NopTelemetry) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func()) {
	return ctx, func() {}
}

func (NopTelemetry) RecordError(context.Context, error, map[string]string) {}

var _ interfaces.Telemetry = NopTelemetry{}
