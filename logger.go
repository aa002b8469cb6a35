package leasecron

import "log/slog"

// Logger is the logging interface used by the guard and the scheduler.
// The methods mirror log/slog: a message followed by key-value pairs.
// A *slog.Logger satisfies it directly. The default Logger discards
// everything.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var (
	_ Logger = (*slog.Logger)(nil)
	_ Logger = noOpLogger{}
)

type noOpLogger struct{}

func (noOpLogger) Debug(string, ...any) {}
func (noOpLogger) Info(string, ...any)  {}
func (noOpLogger) Warn(string, ...any)  {}
func (noOpLogger) Error(string, ...any) {}
