// Package logging provides the structured logger used across the session
// orchestration components.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a thin wrapper over slog that carries component and session
// scoped fields.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger for a component at the given level.
func NewLogger(component string, level slog.Level) *Logger {
	return NewLoggerTo(os.Stdout, component, level)
}

// NewLoggerTo creates a JSON logger writing to w. Tests use this to capture
// output.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With(
		slog.String("component", component),
	)
	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything. Components accept a nil
// logger and substitute this.
func Nop() *Logger {
	return NewLoggerTo(io.Discard, "nop", slog.LevelError)
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// WithSession returns a logger with the session id attached.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("session_id", sessionID))}
}

// WithRun returns a logger with the run id attached.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("run_id", runID))}
}

// WithTarget returns a logger with a refresh target id attached.
func (l *Logger) WithTarget(targetID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("target_id", targetID))}
}

// RefreshDispatched logs a coalesced refresh dispatch.
func (l *Logger) RefreshDispatched(targetID string, silent bool) {
	l.Debug("refresh dispatched",
		slog.String("target_id", targetID),
		slog.Bool("silent", silent),
	)
}

// RefreshSkipped logs a refresh skipped by the structural-equality check.
func (l *Logger) RefreshSkipped(targetID string) {
	l.Debug("refresh skipped, state unchanged",
		slog.String("target_id", targetID),
	)
}

// ModeDowngraded logs a continue/reexecute start degrading to a fresh run.
func (l *Logger) ModeDowngraded(priorSessionID string, err error) {
	l.Warn("prior record unavailable, starting fresh session",
		slog.String("prior_session_id", priorSessionID),
		slog.String("error", err.Error()),
	)
}

// WriteSwallowed logs a benign write against a deleted record.
func (l *Logger) WriteSwallowed(sessionID, op string) {
	l.Info("record already deleted, dropping write",
		slog.String("session_id", sessionID),
		slog.String("op", op),
	)
}

// StreamStalled logs a staleness detection on the live relay.
func (l *Logger) StreamStalled(runID string, sinceMs int64) {
	l.Warn("live stream stalled",
		slog.String("run_id", runID),
		slog.Int64("since_ms", sinceMs),
	)
}

// StreamReconnecting logs a reconnect attempt with its computed delay.
func (l *Logger) StreamReconnecting(runID string, attempt int, delayMs int64) {
	l.Info("reconnecting live stream",
		slog.String("run_id", runID),
		slog.Int("attempt", attempt),
		slog.Int64("delay_ms", delayMs),
	)
}
