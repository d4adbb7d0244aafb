package engine

import (
	"context"
	"log/slog"
)

// Recorder receives engine events for metrics. observability.Collectors is
// the production implementation.
type Recorder interface {
	AdvanceTransition(to AdvanceStatus)
	LedgerEntry(t EntryType, amount Amount)
	PayrollProcessed(collection Amount)
}

type nopRecorder struct{}

func (nopRecorder) AdvanceTransition(AdvanceStatus) {}
func (nopRecorder) LedgerEntry(EntryType, Amount)   {}
func (nopRecorder) PayrollProcessed(Amount)         {}

// NopRecorder discards every event.
var NopRecorder Recorder = nopRecorder{}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return NopRecorder
	}
	return r
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// =============================================================================
// ACTOR - Who performed an action, carried on the context for the audit log
// =============================================================================

type actorKey struct{}

// SystemActor is recorded when no actor is attached to the context.
const SystemActor = "system"

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}
