package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReportSpan represents one report run
type ReportSpan struct {
	ctx  context.Context
	span trace.Span
}

// StartReport starts a new report span
func StartReport(
	ctx context.Context,
	tracer trace.Tracer,
	beginMs int64,
	endMs int64,
	strict bool,
) (context.Context, *ReportSpan) {
	ctx, span := tracer.Start(ctx, "report",
		trace.WithAttributes(
			attribute.Int64("window.begin_ms", beginMs),
			attribute.Int64("window.end_ms", endMs),
			attribute.Bool("strict", strict),
		),
	)

	return ctx, &ReportSpan{ctx: ctx, span: span}
}

// End ends the report span
func (r *ReportSpan) End() {
	r.span.End()
}

// Span returns the underlying span
func (r *ReportSpan) Span() trace.Span {
	return r.span
}

// SetTotals sets the result attributes
func (r *ReportSpan) SetTotals(pairs int64, totalMs int64, unmatched int64) {
	r.span.SetAttributes(
		attribute.Int64("pairs.total", pairs),
		attribute.Int64("attached.ms", totalMs),
		attribute.Int64("detaches.unmatched", unmatched),
	)
}

// StartPass starts an attach or detach scan pass span
func StartPass(ctx context.Context, tracer trace.Tracer, pass string, workers int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pass."+pass,
		trace.WithAttributes(
			attribute.String("pass", pass),
			attribute.Int("workers", workers),
		),
	)
}

// EndPass ends a pass span with its event count
func EndPass(span trace.Span, events int64, durationSeconds float64) {
	span.SetAttributes(
		attribute.Int64("events.scanned", events),
		attribute.Float64("duration.seconds", durationSeconds),
	)
	span.End()
}

// StartImport starts an import span for one event source
func StartImport(ctx context.Context, tracer trace.Tracer, source string, region string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "import",
		trace.WithAttributes(
			attribute.String("source", source),
			attribute.String("region", region),
		),
	)
}

// EndImport ends an import span
func EndImport(span trace.Span, imported int64, skipped int64) {
	span.SetAttributes(
		attribute.Int64("events.imported", imported),
		attribute.Int64("events.skipped", skipped),
	)
	span.End()
}

// RecordSkippedRecordEvent adds a span event for a provider record that could not be turned into an event
func RecordSkippedRecordEvent(span trace.Span, source, eventID, eventName, reason string) {
	if span == nil {
		return
	}

	span.AddEvent("attachment.record.skipped", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("event.id", eventID),
		attribute.String("event.name", eventName),
		attribute.String("reason", reason),
	))
}

// RecordError records an error in a span
func RecordError(span trace.Span, errorMessage string, errorType string) {
	span.SetAttributes(
		attribute.String("error.message", errorMessage),
		attribute.String("error.type", errorType),
		attribute.Bool("error.occurred", true),
	)
}
