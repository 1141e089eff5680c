// Package notify delivers human-readable status text to an operator.
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Severity selects the logical channel a message goes to.
type Severity int

const (
	// Info messages are routine status reports.
	Info Severity = iota
	// Alert messages need attention: failures, unexpected payloads, errors.
	Alert
	// Console messages are for the local log only; chat sinks drop them.
	Console
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Alert:
		return "alert"
	case Console:
		return "console"
	}
	return "unknown"
}

// Sink accepts notification text.
type Sink interface {
	Notify(ctx context.Context, sev Severity, text string) error
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, sev Severity, text string) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, sev, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every notification to a logger: Info at info level, Alert
// at warn.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

// Notify implements Sink.
func (l *LogSink) Notify(ctx context.Context, sev Severity, text string) error {
	level := slog.LevelInfo
	if sev == Alert {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "notification", "severity", sev.String(), "text", text)
	return nil
}
