package scanner

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds report and import metrics using OTEL semantic conventions.
// A nil *Metrics records nothing.
type Metrics struct {
	eventsScanned    metric.Int64Counter
	attachedDuration metric.Int64Histogram
	unmatched        metric.Int64Counter
	runDuration      metric.Float64Histogram
	pending          metric.Int64Gauge
	eventsImported   metric.Int64Counter
	recordsSkipped   metric.Int64Counter
}

// NewMetrics creates the scanner instruments on meter, or on the global
// meter provider when meter is nil
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("attachtime.scanner")
	}

	eventsScanned, err := meter.Int64Counter(
		"attachtime.scanner.events",
		metric.WithDescription("Number of events read from the event log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	attachedDuration, err := meter.Int64Histogram(
		"attachtime.attachment.duration",
		metric.WithDescription("Attached duration returned per matched detach"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	unmatched, err := meter.Int64Counter(
		"attachtime.attachment.unmatched",
		metric.WithDescription("Number of detaches with no attach to pair with"),
		metric.WithUnit("{detach}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"attachtime.report.duration",
		metric.WithDescription("Duration of report runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64Gauge(
		"attachtime.engine.pending",
		metric.WithDescription("Attach instants held by the engine after the attach pass"),
		metric.WithUnit("{timestamp}"),
	)
	if err != nil {
		return nil, err
	}

	eventsImported, err := meter.Int64Counter(
		"attachtime.import.events",
		metric.WithDescription("Number of events written to the event log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	recordsSkipped, err := meter.Int64Counter(
		"attachtime.import.skipped",
		metric.WithDescription("Number of source records that could not be imported"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsScanned:    eventsScanned,
		attachedDuration: attachedDuration,
		unmatched:        unmatched,
		runDuration:      runDuration,
		pending:          pending,
		eventsImported:   eventsImported,
		recordsSkipped:   recordsSkipped,
	}, nil
}

// RecordEventsScanned records the events read by one pass
func (m *Metrics) RecordEventsScanned(ctx context.Context, pass string, count int64) {
	if m == nil {
		return
	}
	m.eventsScanned.Add(ctx, count, metric.WithAttributes(attribute.String("pass", pass)))
}

// RecordDetach records the duration returned for one detach. Unmatched
// detaches are counted; matched ones land in the duration histogram.
func (m *Metrics) RecordDetach(ctx context.Context, durationMs int64, matched bool, resourceType string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("resource.type", resourceType))
	if !matched {
		m.unmatched.Add(ctx, 1, attrs)
		return
	}
	m.attachedDuration.Record(ctx, durationMs, attrs)
}

// RecordRun records a finished report run
func (m *Metrics) RecordRun(ctx context.Context, durationSeconds float64, strict bool, status string) {
	if m == nil {
		return
	}
	m.runDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(
			attribute.Bool("strict", strict),
			attribute.String("status", status),
		),
	)
}

// RecordPending records the engine size between the two passes
func (m *Metrics) RecordPending(ctx context.Context, pending int64) {
	if m == nil {
		return
	}
	m.pending.Record(ctx, pending)
}

// RecordImport records one source import
func (m *Metrics) RecordImport(ctx context.Context, source string, imported, skipped int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.eventsImported.Add(ctx, imported, attrs)
	m.recordsSkipped.Add(ctx, skipped, attrs)
}
