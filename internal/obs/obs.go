// Package obs provides the process-wide structured logger and the
// per-stage logging helper required by spec §6: every stage emits
// structured events carrying (stage, query_id, outcome, duration_ms,
// reasoning?). Grounded on the teacher's use of log/slog throughout
// cmd/bd (e.g. daemon_sync.go), generalized into a reusable StageLogger
// instead of ad hoc slog.Info calls scattered at call sites.
package obs

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New builds a process logger: a JSON handler when format is "json", a
// text handler otherwise, matching the teacher's convention of
// machine-readable output under "bd --json". Whether w is a terminal is
// not checked.
func New(format string, w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// StageLogger emits the (stage, query_id, outcome, duration_ms, reasoning?)
// tuple spec §6 requires on every stage transition.
type StageLogger struct {
	logger *slog.Logger
}

// NewStageLogger wraps a slog.Logger for stage-transition logging.
func NewStageLogger(logger *slog.Logger) *StageLogger {
	return &StageLogger{logger: logger}
}

// Outcome is the terminal disposition of one stage.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeRefused   Outcome = "refused"
	OutcomeFailed    Outcome = "failed"
	OutcomeEscalated Outcome = "escalated"
)

// Transition logs one stage's completion. reasoning is optional context
// (a chain-of-thought summary, a refusal reason); pass "" to omit it.
func (s *StageLogger) Transition(ctx context.Context, stage, queryID string, outcome Outcome, start time.Time, reasoning string) {
	attrs := []any{
		slog.String("stage", stage),
		slog.String("query_id", queryID),
		slog.String("outcome", string(outcome)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if reasoning != "" {
		attrs = append(attrs, slog.String("reasoning", reasoning))
	}

	level := slog.LevelInfo
	switch outcome {
	case OutcomeFailed:
		level = slog.LevelError
	case OutcomeRefused, OutcomeEscalated:
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "stage transition", attrs...)
}
