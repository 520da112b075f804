package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	syncs        metric.Int64Counter
	syncDuration metric.Float64Histogram
	eventsStored metric.Int64Gauge
	storageSize  metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on meter, or on the global meter
// provider when meter is nil
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	if meter == nil {
		meter = otel.Meter("attachtime.daemon")
	}

	syncs, err := meter.Int64Counter(
		"attachtime.daemon.syncs",
		metric.WithDescription("Number of import runs per source"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	syncDuration, err := meter.Float64Histogram(
		"attachtime.daemon.sync.duration",
		metric.WithDescription("Duration of import runs across all sources"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	eventsStored, err := meter.Int64Gauge(
		"attachtime.storage.events",
		metric.WithDescription("Number of events held in the event log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	storageSize, err := meter.Int64Gauge(
		"attachtime.storage.size",
		metric.WithDescription("Size of the event log file"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		syncs:        syncs,
		syncDuration: syncDuration,
		eventsStored: eventsStored,
		storageSize:  storageSize,
	}, nil
}

// RecordSync records one source import with status
func (m *DaemonMetrics) RecordSync(ctx context.Context, source string, status string) {
	m.syncs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordSyncDuration records the duration of a full sync
func (m *DaemonMetrics) RecordSyncDuration(ctx context.Context, durationSeconds float64, status string) {
	m.syncDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordStorage records event log counts and size
func (m *DaemonMetrics) RecordStorage(ctx context.Context, attachments, detachments int, sizeBytes int64) {
	m.eventsStored.Record(ctx, int64(attachments), metric.WithAttributes(attribute.String("kind", "attach")))
	m.eventsStored.Record(ctx, int64(detachments), metric.WithAttributes(attribute.String("kind", "detach")))
	m.storageSize.Record(ctx, sizeBytes)
}
