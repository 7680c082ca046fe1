package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const runIDKey contextKey = "reconcile_run_id"

// NewRunID mints an identifier for one reconciliation run. Every log line a
// walker pass emits carries this id via Logger.WithRun, so the outer loop's
// reads, step decisions, and pointer commits line up in log search even when
// many subgraphs reconcile concurrently against the same head update.
func NewRunID() string {
	return "run-" + uuid.NewString()
}

// WithRunID stores a run id in ctx for the duration of one walker pass.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFrom returns the run id carried by ctx, or "" when outside a run.
func RunIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext returns a child logger carrying ctx's run id, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return l.WithRun(RunIDFrom(ctx))
}
