// Package scanner drives the two-pass report run over the event log and
// imports events from providers into it.
package scanner

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/attachtime/attachment"
	"github.com/yairfalse/attachtime/internal/filter"
	"github.com/yairfalse/attachtime/report"
	"github.com/yairfalse/attachtime/storage"
	"github.com/yairfalse/attachtime/telemetry"
	"github.com/yairfalse/attachtime/types"
)

// Pass names
const (
	PassAttach = "attach"
	PassDetach = "detach"
)

const shardBuffer = 256

// Option configures a Scanner
type Option func(*Scanner)

// WithStrict removes matched attach instants so a second detach cannot reuse them
func WithStrict(strict bool) Option {
	return func(s *Scanner) {
		s.strict = strict
	}
}

// WithWorkers shards each pass across n goroutines. n <= 1 scans inline.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		s.workers = n
	}
}

// WithLogger sets the run logger
func WithLogger(logger *telemetry.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithTracer sets the tracer for run and pass spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scanner) {
		s.tracer = tracer
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *Metrics) Option {
	return func(s *Scanner) {
		s.metrics = metrics
	}
}

// WithFilter drops events the filter rejects from both passes
func WithFilter(f *filter.Filter) Option {
	return func(s *Scanner) {
		s.filter = f
	}
}

// Scanner feeds the event log through a fresh engine per run
type Scanner struct {
	log     storage.EventReader
	strict  bool
	workers int
	logger  *telemetry.Logger
	tracer  trace.Tracer
	metrics *Metrics
	filter  *filter.Filter
}

// New creates a scanner reading from log
func New(log storage.EventReader, opts ...Option) *Scanner {
	s := &Scanner{log: log, workers: 1}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = telemetry.NewLogger("attachtime-scanner")
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("attachtime.scanner")
	}
	return s
}

// Run computes the report for window. Every attach is applied before the
// first detach, whatever the worker count.
func (s *Scanner) Run(ctx context.Context, window attachment.Window) (*report.Report, error) {
	started := time.Now()

	var engineOpts []attachment.Option
	if s.strict {
		engineOpts = append(engineOpts, attachment.WithConsumeMatched())
	}
	engine, err := attachment.NewForWindow(window, engineOpts...)
	if err != nil {
		return nil, err
	}
	shared := attachment.NewSync(engine)

	ctx, span := telemetry.StartReport(ctx, s.tracer, window.BeginMs, window.EndMs, s.strict)
	defer span.End()

	agg := report.NewAggregator(window)
	agg.SetStrict(engine.ConsumesMatched())

	attaches, err := s.pass(ctx, PassAttach, window,
		func(ctx context.Context, fn func(types.Event) error) error {
			return s.log.ScanAttachments(ctx, window.EndMs, fn)
		},
		func(ctx context.Context, event types.Event) {
			shared.Attach(event.ResourceID, event.AttachedResourceID, event.Timestamp)
		},
	)
	if err != nil {
		return nil, s.fail(ctx, span, started, err)
	}
	pending := shared.Pending()
	s.metrics.RecordPending(ctx, int64(pending))
	s.logger.WithContext(ctx).Debug().
		Int("keys", shared.Keys()).
		Int("pending", pending).
		Msg("attachments indexed")

	_, err = s.pass(ctx, PassDetach, window,
		func(ctx context.Context, fn func(types.Event) error) error {
			return s.log.ScanDetachments(ctx, window.BeginMs, fn)
		},
		func(ctx context.Context, event types.Event) {
			duration, matched := shared.Match(event.ResourceID, event.AttachedResourceID, event.Timestamp)
			agg.Add(event, duration, matched)
			s.metrics.RecordDetach(ctx, duration, matched, event.ResourceType)
		},
	)
	if err != nil {
		return nil, s.fail(ctx, span, started, err)
	}

	r := agg.Report()
	r.Attaches = attaches

	elapsed := time.Since(started)
	span.SetTotals(int64(len(r.Pairs)), r.TotalMs, r.Unmatched)
	s.metrics.RecordRun(ctx, elapsed.Seconds(), s.strict, "success")
	s.logger.LogRunComplete(ctx, len(r.Pairs), r.TotalMs, r.Unmatched, s.strict, elapsed)

	return r, nil
}

func (s *Scanner) fail(ctx context.Context, span *telemetry.ReportSpan, started time.Time, err error) error {
	telemetry.RecordError(span.Span(), err.Error(), "scan")
	s.metrics.RecordRun(ctx, time.Since(started).Seconds(), s.strict, "error")
	s.logger.LogStorageError(ctx, "scan", err)
	return err
}

type scanFunc func(ctx context.Context, fn func(types.Event) error) error

type applyFunc func(ctx context.Context, event types.Event)

// pass runs one scan to completion and returns the number of events applied
func (s *Scanner) pass(ctx context.Context, name string, window attachment.Window, scan scanFunc, apply applyFunc) (int64, error) {
	ctx, span := telemetry.StartPass(ctx, s.tracer, name, s.workers)
	started := time.Now()
	scan = s.filtered(scan)
	s.logger.LogPassStart(ctx, name, window.BeginMs, window.EndMs)

	var count int64
	var err error
	if s.workers <= 1 {
		err = scan(ctx, func(event types.Event) error {
			apply(ctx, event)
			count++
			return nil
		})
	} else {
		count, err = s.fanOut(ctx, scan, apply)
	}

	elapsed := time.Since(started)
	if err != nil {
		telemetry.RecordError(span, err.Error(), "storage")
		telemetry.EndPass(span, count, elapsed.Seconds())
		return count, fmt.Errorf("%s pass: %w", name, err)
	}

	telemetry.EndPass(span, count, elapsed.Seconds())
	s.logger.LogPassComplete(ctx, name, count, elapsed)
	s.metrics.RecordEventsScanned(ctx, name, count)
	return count, nil
}

func (s *Scanner) filtered(scan scanFunc) scanFunc {
	if s.filter.IsEmpty() {
		return scan
	}
	return func(ctx context.Context, fn func(types.Event) error) error {
		return scan(ctx, func(event types.Event) error {
			if !s.filter.ShouldInclude(event) {
				return nil
			}
			return fn(event)
		})
	}
}

// fanOut routes events to workers by pair so each pair's events keep log order
func (s *Scanner) fanOut(ctx context.Context, scan scanFunc, apply applyFunc) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	var count atomic.Int64

	shards := make([]chan types.Event, s.workers)
	for i := range shards {
		events := make(chan types.Event, shardBuffer)
		shards[i] = events
		g.Go(func() error {
			for event := range events {
				apply(gctx, event)
				count.Add(1)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, events := range shards {
				close(events)
			}
		}()
		return scan(gctx, func(event types.Event) error {
			select {
			case shards[shardFor(event.Key(), len(shards))] <- event:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	err := g.Wait()
	return count.Load(), err
}

func shardFor(key types.Key, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.ResourceID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.AttachedResourceID))
	return int(h.Sum32() % uint32(n))
}
