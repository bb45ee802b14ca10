// Package logging provides structured logging with message-id propagation,
// adapted from an HTTP trace-ID logger to a kernel message-id logger: every
// line logged while a message is in flight carries its envelope id and
// source/target addresses as structured fields instead of an HTTP trace id.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for logging-related context keys.
type ContextKey string

const (
	// MessageIDKey is the context key for the in-flight envelope id.
	MessageIDKey ContextKey = "message_id"
	// SourceKey is the context key for the message source address.
	SourceKey ContextKey = "source"
	// TargetKey is the context key for the message target address.
	TargetKey ContextKey = "target"
	// ServiceKey is the context key for the runtime service name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with node-scoped fields.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger for the named service/runtime component.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json, and forcing a no-op (discard) writer when logging is off.
func NewFromEnv(service string, loggingOff bool) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	l := New(service, level, format)
	if loggingOff {
		l.SetOutput(io.Discard)
	}
	return l
}

// WithContext builds an entry carrying whichever message-tracing fields are
// present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if id := ctx.Value(MessageIDKey); id != nil {
		entry = entry.WithField("message_id", id)
	}
	if src := ctx.Value(SourceKey); src != nil {
		entry = entry.WithField("source", src)
	}
	if tgt := ctx.Value(TargetKey); tgt != nil {
		entry = entry.WithField("target", tgt)
	}
	return entry
}

// WithMessage builds an entry scoped to a specific envelope id and
// source/target address pair.
func (l *Logger) WithMessage(id uint64, source, target string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":    l.service,
		"message_id": id,
		"source":     source,
		"target":     target,
	})
}

// WithFields builds an entry with arbitrary structured fields, always
// tagged with the owning service.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError builds an entry carrying the given error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput redirects the underlying logrus output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// NewMessageID generates a fresh identifier suitable for a bare context-
// tracing value (not a message envelope id, which is sender-chosen u64).
func NewMessageID() string {
	return uuid.New().String()
}

// WithMessageContext attaches message-tracing fields to ctx.
func WithMessageContext(ctx context.Context, id uint64, source, target string) context.Context {
	ctx = context.WithValue(ctx, MessageIDKey, id)
	ctx = context.WithValue(ctx, SourceKey, source)
	ctx = context.WithValue(ctx, TargetKey, target)
	return ctx
}
