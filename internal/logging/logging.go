// Package logging defines the small logger port the cache's constructor
// option exposes, plus the zap-backed adapter that is its default
// implementation - mirroring how the teacher's
// application/mediator, application/loaders and application/projections
// packages all take a *zap.Logger by constructor injection, generalized
// here to an interface so a caller of the cache library isn't forced onto
// zap itself.
package logging

import "go.uber.org/zap"

// Severity classifies a log line, following zap's own level set.
type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Error
)

// Field is a structured logging field - a direct alias of zap.Field so
// callers build fields with zap.String/zap.Int/zap.Error etc. the same
// way the teacher's code does.
type Field = zap.Field

// Logger is the port every internal package logs through.
type Logger interface {
	Log(severity Severity, msg string, fields ...Field)
}

// ZapLogger adapts a *zap.Logger to Logger - the default implementation
// wired by New when the caller supplies their own zap logger (or none).
type ZapLogger struct {
	L *zap.Logger
}

// Log implements Logger.
func (z ZapLogger) Log(severity Severity, msg string, fields ...Field) {
	switch severity {
	case Debug:
		z.L.Debug(msg, fields...)
	case Info:
		z.L.Info(msg, fields...)
	case Warn:
		z.L.Warn(msg, fields...)
	default:
		z.L.Error(msg, fields...)
	}
}

// NewNop returns a Logger that discards everything, used where the
// caller supplies no logger option.
func NewNop() Logger {
	return ZapLogger{L: zap.NewNop()}
}
