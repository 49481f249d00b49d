// Package observability provides structured logging, metrics, and tracing
// for the generation engine.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds generation context to a logger.
// Returns a new logger with session_id and target fields.
func EnrichLogger(logger *slog.Logger, sessionID, target string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("session_id", sessionID),
		slog.String("target", target),
	)
}

// LogSessionStart logs the start of a generation session.
func LogSessionStart(logger *slog.Logger, sessionID, target, kind string) {
	if logger == nil {
		return
	}
	logger.Info("generation session starting",
		slog.String("session_id", sessionID),
		slog.String("target", target),
		slog.String("kind", kind),
	)
}

// LogSessionTerminal logs a session reaching a terminal state.
func LogSessionTerminal(logger *slog.Logger, sessionID, target, state, reason string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("generation session terminal",
		slog.String("session_id", sessionID),
		slog.String("target", target),
		slog.String("state", state),
		slog.String("reason", reason),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogForcedHandoff logs a forced start evicting a live session.
func LogForcedHandoff(logger *slog.Logger, target, oldSessionID string) {
	if logger == nil {
		return
	}
	logger.Debug("forced handoff cancelling live session",
		slog.String("target", target),
		slog.String("old_session_id", oldSessionID),
	)
}

// LogPollResult logs one pipeline status poll.
func LogPollResult(logger *slog.Logger, reqID int64, ok bool, stale bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("pipeline status poll",
		slog.Int64("request_id", reqID),
		slog.Bool("ok", ok),
		slog.Bool("stale", stale),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDecisionOutcome logs the terminal action taken on a decision point.
func LogDecisionOutcome(logger *slog.Logger, decisionID, outcome string) {
	if logger == nil {
		return
	}
	logger.Info("decision resolved",
		slog.String("decision_id", decisionID),
		slog.String("outcome", outcome),
	)
}

// LogJournalError logs a journal write failure (non-fatal).
func LogJournalError(logger *slog.Logger, target, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("journal operation failed",
		slog.String("target", target),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in
// milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
