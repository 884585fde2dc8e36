package engine

import "go.uber.org/zap"

// Logger is the sink rule code and the persistence engine write to.
type Logger interface {
	Verbose(format string, args ...any)
	Info(format string, args ...any)
	Warning(format string, args ...any)
	Error(format string, args ...any)
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger adapts a zap logger. Verbose messages are emitted at debug level.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{s: l.Sugar()}
}

// NopLogger discards everything.
func NopLogger() Logger { return NewZapLogger(nil) }

func (l zapLogger) Verbose(format string, args ...any) { l.s.Debugf(format, args...) }
func (l zapLogger) Info(format string, args ...any)    { l.s.Infof(format, args...) }
func (l zapLogger) Warning(format string, args ...any) { l.s.Warnf(format, args...) }
func (l zapLogger) Error(format string, args ...any)   { l.s.Errorf(format, args...) }
