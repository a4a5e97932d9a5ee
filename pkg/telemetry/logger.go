package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying engine fields: component, task,
// invocation_id, account and region.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger creates a logger writing JSON or console lines to the
// configured output.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	writer, err := logWriter(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer}
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return &Logger{zlog: ctx.Logger()}, nil
}

func logWriter(cfg LoggingConfig) (io.Writer, error) {
	switch {
	case cfg.Writer != nil:
		return cfg.Writer, nil
	case cfg.Output == "" || cfg.Output == "stderr":
		return os.Stderr, nil
	case cfg.Output == "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// parseLogLevel accepts zerolog level names; empty means info.
func parseLogLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(level)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) with(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger()}
}

// NewComponentLogger creates a child logger for a component of the engine.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(l.zlog.With().Str("component", component))
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewNopLogger()
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(l.zlog.With().Fields(fields))
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value))
}

func (l *Logger) WithTask(task string) *Logger {
	return l.with(l.zlog.With().Str("task", task))
}

func (l *Logger) WithInvocationID(invocationID string) *Logger {
	return l.with(l.zlog.With().Str("invocation_id", invocationID))
}

// WithScope adds the account and region of an invocation or selection.
func (l *Logger) WithScope(account, region string) *Logger {
	return l.with(l.zlog.With().Str("account", account).Str("region", region))
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }

func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

func (l *Logger) Infof(format string, args ...interface{}) { l.zlog.Info().Msgf(format, args...) }

func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }

func (l *Logger) Warnf(format string, args ...interface{}) { l.zlog.Warn().Msgf(format, args...) }

func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }
