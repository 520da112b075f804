package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/attachtime/providers"
	"github.com/yairfalse/attachtime/storage"
	"github.com/yairfalse/attachtime/telemetry"
)

// CloudTrail keeps 90 days of management events
const DefaultLookback = 90 * 24 * time.Hour

// Late-delivered CloudTrail records are picked up on the next import
const checkpointOverlap = 15 * time.Minute

// EventStore is the part of the event log the importer writes to
type EventStore interface {
	storage.EventWriter
	storage.Checkpointer
}

// SourceResult summarizes one source import
type SourceResult struct {
	Source   string    `json:"source"`
	Since    time.Time `json:"since"`
	Until    time.Time `json:"until"`
	Imported int       `json:"imported"`
	Skipped  int       `json:"skipped"`
	Err      error     `json:"-"`
}

// Importer copies events from providers into the event log
type Importer struct {
	store    EventStore
	sources  []providers.EventSource
	logger   *telemetry.Logger
	metrics  *Metrics
	lookback time.Duration
	now      func() time.Time
}

// ImporterOption configures an Importer
type ImporterOption func(*Importer)

// WithImportLogger sets the importer logger
func WithImportLogger(logger *telemetry.Logger) ImporterOption {
	return func(i *Importer) {
		i.logger = logger
	}
}

// WithImportMetrics sets the importer metrics sink
func WithImportMetrics(metrics *Metrics) ImporterOption {
	return func(i *Importer) {
		i.metrics = metrics
	}
}

// WithLookback sets how far back Sync reaches for a source without a checkpoint
func WithLookback(lookback time.Duration) ImporterOption {
	return func(i *Importer) {
		i.lookback = lookback
	}
}

// NewImporter creates an importer writing to store
func NewImporter(store EventStore, sources []providers.EventSource, opts ...ImporterOption) *Importer {
	i := &Importer{
		store:    store,
		sources:  sources,
		lookback: DefaultLookback,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = telemetry.NewLogger("attachtime-importer")
	}
	return i
}

// Import pulls [since, until] from every source. A failing source does not
// stop the others; their errors are joined.
func (i *Importer) Import(ctx context.Context, since, until time.Time) ([]SourceResult, error) {
	if since.After(until) {
		return nil, fmt.Errorf("import range: since %s is after until %s", since.Format(time.RFC3339), until.Format(time.RFC3339))
	}

	results := make([]SourceResult, 0, len(i.sources))
	var errs []error
	for _, source := range i.sources {
		result := i.importSource(ctx, source, since, until)
		if result.Err != nil {
			errs = append(errs, result.Err)
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// Sync imports every source from its checkpoint up to now
func (i *Importer) Sync(ctx context.Context) ([]SourceResult, error) {
	until := i.now().UTC()

	results := make([]SourceResult, 0, len(i.sources))
	var errs []error
	for _, source := range i.sources {
		since, err := i.resumeFrom(source.Name(), until)
		if err != nil {
			errs = append(errs, err)
			results = append(results, SourceResult{Source: source.Name(), Until: until, Err: err})
			continue
		}

		result := i.importSource(ctx, source, since, until)
		if result.Err != nil {
			errs = append(errs, result.Err)
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func (i *Importer) resumeFrom(source string, until time.Time) (time.Time, error) {
	checkpoint, err := i.store.Checkpoint(source)
	if err != nil {
		return time.Time{}, fmt.Errorf("read checkpoint for %s: %w", source, err)
	}

	earliest := until.Add(-i.lookback)
	if checkpoint == 0 {
		return earliest, nil
	}

	since := time.UnixMilli(checkpoint).UTC().Add(-checkpointOverlap)
	if since.Before(earliest) {
		since = earliest
	}
	return since, nil
}

func (i *Importer) importSource(ctx context.Context, source providers.EventSource, since, until time.Time) SourceResult {
	name := source.Name()
	result := SourceResult{Source: name, Since: since, Until: until}
	started := time.Now()
	i.logger.LogImportStart(ctx, name, since, until)

	batch, err := source.Events(ctx, since, until)
	if err != nil {
		result.Err = fmt.Errorf("import %s: %w", name, err)
		i.logger.LogStorageError(ctx, "import."+name, err)
		return result
	}
	result.Skipped = batch.Skipped

	written, err := i.store.RecordBatch(ctx, batch.Events)
	result.Imported = written
	if err != nil {
		result.Err = fmt.Errorf("record %s events: %w", name, err)
		i.logger.LogStorageError(ctx, "record_batch", err)
		return result
	}

	if err := i.store.SetCheckpoint(name, until.UnixMilli()); err != nil {
		result.Err = fmt.Errorf("save checkpoint for %s: %w", name, err)
		i.logger.LogStorageError(ctx, "checkpoint", err)
		return result
	}

	i.metrics.RecordImport(ctx, name, int64(written), int64(batch.Skipped))
	i.logger.LogImportComplete(ctx, name, written, batch.Skipped, time.Since(started))
	return result
}
