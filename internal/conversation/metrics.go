package conversation

import "context"

// Metrics receives engine counters. internal/metrics provides the
// OpenTelemetry implementation.
type Metrics interface {
	RecordTransition(ctx context.Context, action, outcome string)
	RecordTransfer(ctx context.Context, state string)
	RecordSweep(ctx context.Context, kind string, n int)
	RecordPublish(ctx context.Context, eventType string, ok bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(context.Context, string, string) {}
func (nopMetrics) RecordTransfer(context.Context, string)           {}
func (nopMetrics) RecordSweep(context.Context, string, int)         {}
func (nopMetrics) RecordPublish(context.Context, string, bool)      {}
