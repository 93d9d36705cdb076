package logging

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs used by recordflow.
type LogFields map[string]any

// ServiceLogger is the logging contract shared by the producer, the consumer
// and the transports. It maps onto Watermill's logging needs plus Warn, which
// the producer uses when it runs unconfigured.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// ErrorObserver receives every error logged through a Watermill adapter.
// The queue client uses it to surface subscriber and publisher faults to the
// registered transport error handler.
type ErrorObserver func(msg string, err error, fields LogFields)

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("recordflow: slog logger cannot be nil")
	}
	return &slogServiceLogger{
		watermillServiceLogger: watermillServiceLogger{inner: watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping)},
		slog:                   log,
	}
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter. Warn is
// emitted at info level with a level field since Watermill has no warn level.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("recordflow: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

// NewNopServiceLogger discards everything.
func NewNopServiceLogger() ServiceLogger {
	return &watermillServiceLogger{inner: watermill.NopLogger{}}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Warn(msg string, fields LogFields) {
	wf := toWatermillFields(fields).Add(watermill.LogFields{"level": "warn"})
	w.inner.Info(msg, wf)
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

type slogServiceLogger struct {
	watermillServiceLogger
	slog *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	return &slogServiceLogger{
		watermillServiceLogger: watermillServiceLogger{inner: s.inner.With(toWatermillFields(fields))},
		slog:                   s.slog.With(toSlogArgs(fields)...),
	}
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.slog.Log(context.Background(), slog.LevelWarn, msg, toSlogArgs(fields)...)
}

type serviceLoggerAdapter struct {
	base    ServiceLogger
	observe ErrorObserver
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter so
// routers, publishers and subscribers log through the same logger.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	return NewObservedWatermillAdapter(log, nil)
}

// NewObservedWatermillAdapter is NewWatermillAdapter plus an observer that sees
// every logged error.
func NewObservedWatermillAdapter(log ServiceLogger, observe ErrorObserver) watermill.LoggerAdapter {
	if log == nil {
		panic("recordflow: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log, observe: observe}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	lf := fromWatermillFields(fields)
	s.base.Error(msg, err, lf)
	if s.observe != nil && err != nil {
		s.observe(msg, err, lf)
	}
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields)), observe: s.observe}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

func toSlogArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields))
	for k, v := range fields {
		args = append(args, slog.Any(k, v))
	}
	return args
}
