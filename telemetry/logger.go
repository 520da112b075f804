package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	// Skip if no context
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger writing JSON to stdout
func NewLogger(service string) *Logger {
	return NewLoggerWithWriter(service, os.Stdout)
}

// NewLoggerWithWriter creates a new logger writing JSON to w
func NewLoggerWithWriter(service string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	logger := l.WithContext(ctx)

	event := logger.Info().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

// LogSpanEnd logs the end of a span with results
func (l *Logger) LogSpanEnd(ctx context.Context, spanName string, err error) {
	logger := l.WithContext(ctx)

	if err != nil {
		logger.Error().
			Err(err).
			Str("span_name", spanName).
			Msg("span failed")
	} else {
		logger.Debug().
			Str("span_name", spanName).
			Msg("span completed")
	}
}

// Helper to convert OTEL attributes to zerolog fields
func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// Convenience methods for import and report runs

func (l *Logger) LogImportStart(ctx context.Context, source string, start, end time.Time) {
	l.WithContext(ctx).Info().
		Str("source", source).
		Time("start", start).
		Time("end", end).
		Str("operation", "import").
		Msg("starting import")
}

func (l *Logger) LogImportComplete(ctx context.Context, source string, imported, skipped int, duration time.Duration) {
	l.WithContext(ctx).Info().
		Str("source", source).
		Int("imported", imported).
		Int("skipped", skipped).
		Float64("duration_ms", float64(duration.Microseconds())/1000).
		Str("operation", "import").
		Msg("import completed")
}

func (l *Logger) LogSkippedRecord(ctx context.Context, source, eventID, eventName, reason string) {
	l.WithContext(ctx).Warn().
		Str("source", source).
		Str("event_id", eventID).
		Str("event_name", eventName).
		Str("reason", reason).
		Msg("skipping record")
}

func (l *Logger) LogPassStart(ctx context.Context, pass string, beginMs, endMs int64) {
	l.WithContext(ctx).Debug().
		Str("pass", pass).
		Int64("window_begin_ms", beginMs).
		Int64("window_end_ms", endMs).
		Str("operation", "report").
		Msg("starting scan pass")
}

func (l *Logger) LogPassComplete(ctx context.Context, pass string, events int64, duration time.Duration) {
	l.WithContext(ctx).Debug().
		Str("pass", pass).
		Int64("events", events).
		Float64("duration_ms", float64(duration.Microseconds())/1000).
		Str("operation", "report").
		Msg("scan pass completed")
}

func (l *Logger) LogRunComplete(ctx context.Context, pairs int, totalMs, unmatched int64, strict bool, duration time.Duration) {
	l.WithContext(ctx).Info().
		Int("pairs", pairs).
		Int64("attached_ms", totalMs).
		Int64("unmatched_detaches", unmatched).
		Bool("strict", strict).
		Float64("duration_ms", float64(duration.Microseconds())/1000).
		Str("operation", "report").
		Msg("report completed")
}

func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}
