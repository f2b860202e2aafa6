// Package logging provides structured logging for the orchestration
// engine: a configured logrus.Logger, a ContextLogger carrying persistent
// fields across a request or task's lifetime, and a StructuredLog builder
// for one-off entries. Every transition, dispatch, and failure the engine
// emits goes through one of these rather than raw fmt.Printf.
package logging

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel is a normalized logging level, independent of logrus's own type
// so config packages don't need to import logrus.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// Config configures a logger instance.
type Config struct {
	Level      LogLevel
	Format     string // "json" or "text"
	Service    string
	AddCaller  bool
	TimeFormat string
}

// DefaultConfig returns sensible defaults: info level, human-readable text.
func DefaultConfig() Config {
	return Config{Level: LogLevelInfo, Format: "text", TimeFormat: time.RFC3339}
}

// New builds a configured *logrus.Logger.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: cfg.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: cfg.TimeFormat, FullTimestamp: true})
	}
	logger.SetReportCaller(cfg.AddCaller)
	return logger
}

// ContextLogger carries a fixed set of fields (aggregate id, task id,
// service name) across every log line emitted during one unit of work.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger wraps a *logrus.Logger with a base field set.
func NewContextLogger(logger *logrus.Logger, fields map[string]any) *ContextLogger {
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

// WithField returns a copy carrying one additional field.
func (cl *ContextLogger) WithField(key string, value any) *ContextLogger {
	return cl.WithFields(map[string]any{key: value})
}

// WithFields returns a copy carrying additional fields.
func (cl *ContextLogger) WithFields(fields map[string]any) *ContextLogger {
	merged := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: merged}
}

// WithError returns a copy carrying the error's full message under the
// "error" field. No separate field for the enginerr kind is added; the
// kind appears only as part of that message.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

// kvFields turns an alternating key/value variadic list into a field map.
// Kept tolerant: an odd trailing key with no value is logged under its own
// name with a nil value rather than dropped or panicking.
func kvFields(kv []any) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		if i+1 < len(kv) {
			fields[key] = kv[i+1]
		} else {
			fields[key] = nil
		}
	}
	return fields
}

func (cl *ContextLogger) Debug(msg string, kv ...any) {
	cl.logger.WithFields(cl.fields).WithFields(kvFields(kv)).Debug(msg)
}

func (cl *ContextLogger) Info(msg string, kv ...any) {
	cl.logger.WithFields(cl.fields).WithFields(kvFields(kv)).Info(msg)
}

func (cl *ContextLogger) Warn(msg string, kv ...any) {
	cl.logger.WithFields(cl.fields).WithFields(kvFields(kv)).Warn(msg)
}

func (cl *ContextLogger) Error(msg string, kv ...any) {
	cl.logger.WithFields(cl.fields).WithFields(kvFields(kv)).Error(msg)
}

func (cl *ContextLogger) Fatal(msg string, kv ...any) {
	cl.logger.WithFields(cl.fields).WithFields(kvFields(kv)).Fatal(msg)
}

// ServiceLogger returns a ContextLogger preloaded with service metadata.
func ServiceLogger(logger *logrus.Logger, serviceName, serviceVersion string) *ContextLogger {
	return NewContextLogger(logger, map[string]any{"service": serviceName, "version": serviceVersion})
}

// TransitionFields returns standard fields for a state transition log line.
func TransitionFields(aggregateKind, aggregateID, from, to string) map[string]any {
	return map[string]any{
		"aggregate_kind": aggregateKind,
		"aggregate_id":   aggregateID,
		"from_state":     from,
		"to_state":       to,
	}
}

// TaskFields returns standard fields for a task dispatch log line.
func TaskFields(taskID int64, taskName string, retryCount int) map[string]any {
	return map[string]any{
		"task_id":     taskID,
		"task_name":   taskName,
		"retry_count": retryCount,
	}
}

// LogOperation logs the start/end of an operation with timing, returning
// fn's error unchanged.
func LogOperation(logger *ContextLogger, operation string, fn func() error) error {
	start := time.Now()
	logger.WithField("operation", operation).Info("operation started")

	err := fn()
	duration := time.Since(start)
	entry := logger.WithFields(map[string]any{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("operation failed")
		return err
	}
	entry.Info("operation completed")
	return nil
}

// LogPanic recovers from a panic in the calling goroutine and logs it with
// a stack trace when deferred in that goroutine. The worker pool does not
// defer it, so a panicking handler is not recovered there.
func LogPanic(logger *ContextLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		logger.WithFields(map[string]any{
			"panic":      fmt.Sprintf("%v", r),
			"stacktrace": string(buf[:n]),
		}).Error("panic recovered")
	}
}

// StructuredLog is a builder for a single one-off log entry with an
// explicit level, distinct from ContextLogger's persistent-field carrying.
type StructuredLog struct {
	logger *logrus.Logger
	fields logrus.Fields
	level  logrus.Level
}

func NewStructuredLog(logger *logrus.Logger) *StructuredLog {
	return &StructuredLog{logger: logger, fields: make(logrus.Fields), level: logrus.InfoLevel}
}

func (sl *StructuredLog) WithField(key string, value any) *StructuredLog {
	sl.fields[key] = value
	return sl
}

func (sl *StructuredLog) WithFields(fields map[string]any) *StructuredLog {
	for k, v := range fields {
		sl.fields[k] = v
	}
	return sl
}

func (sl *StructuredLog) WithError(err error) *StructuredLog {
	sl.fields["error"] = err.Error()
	sl.fields["error_type"] = fmt.Sprintf("%T", err)
	return sl
}

func (sl *StructuredLog) Level(level LogLevel) *StructuredLog {
	switch level {
	case LogLevelDebug:
		sl.level = logrus.DebugLevel
	case LogLevelWarn:
		sl.level = logrus.WarnLevel
	case LogLevelError:
		sl.level = logrus.ErrorLevel
	case LogLevelFatal:
		sl.level = logrus.FatalLevel
	default:
		sl.level = logrus.InfoLevel
	}
	return sl
}

func (sl *StructuredLog) Log(msg string) {
	sl.logger.WithFields(sl.fields).Log(sl.level, msg)
}
