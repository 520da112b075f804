// Package daemon runs interval imports into the event log and serves
// metrics and health over HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yairfalse/attachtime/scanner"
	"github.com/yairfalse/attachtime/storage"
	"github.com/yairfalse/attachtime/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Config holds daemon configuration
type Config struct {
	Interval    time.Duration
	MetricsAddr string // e.g. ":2112"

	// Registry is served on /metrics; nil serves the default registry
	Registry *prometheus.Registry
}

// Syncer imports new events from every source
type Syncer interface {
	Sync(ctx context.Context) ([]scanner.SourceResult, error)
}

// Daemon runs continuous imports
type Daemon struct {
	interval    time.Duration
	metricsAddr string
	registry    *prometheus.Registry
	syncer      Syncer
	stats       storage.StorageStats
	logger      *telemetry.Logger
	metrics     *DaemonMetrics
	startTime   time.Time
	syncCount   atomic.Int64

	mu       sync.RWMutex
	lastSync time.Time
	lastErr  error
	addr     string
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, syncer Syncer, stats storage.StorageStats, logger *telemetry.Logger) (*Daemon, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", config.Interval)
	}
	if logger == nil {
		logger = telemetry.NewLogger("attachtime-daemon")
	}

	metrics, err := NewDaemonMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &Daemon{
		interval:    config.Interval,
		metricsAddr: config.MetricsAddr,
		registry:    config.Registry,
		syncer:      syncer,
		stats:       stats,
		logger:      logger,
		metrics:     metrics,
		startTime:   time.Now(),
	}, nil
}

// Run imports on every tick and serves HTTP until ctx is done, the process
// is signalled, or the server fails
func (d *Daemon) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", d.metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.metricsAddr, err)
	}
	d.mu.Lock()
	d.addr = listener.Addr().String()
	d.mu.Unlock()

	var g run.Group

	loopCtx, cancelLoop := context.WithCancel(ctx)
	g.Add(func() error {
		return d.loop(loopCtx)
	}, func(error) {
		cancelLoop()
	})

	server := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.Add(func() error {
		d.logger.WithContext(ctx).Info().Str("addr", d.Addr()).Msg("starting metrics server")
		return server.Serve(listener)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	switch {
	case errors.As(err, &sigErr):
		d.logger.WithContext(ctx).Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, http.ErrServerClosed):
		return nil
	default:
		return err
	}
}

// loop syncs once at start, then on every tick
func (d *Daemon) loop(ctx context.Context) error {
	d.SyncOnce(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.SyncOnce(ctx)
		}
	}
}

// SyncOnce runs one import across all sources and records the outcome
func (d *Daemon) SyncOnce(ctx context.Context) {
	started := time.Now()
	d.logger.LogSpanStart(ctx, "daemon.sync", attribute.Int64("sync.number", d.syncCount.Load()+1))
	results, err := d.syncer.Sync(ctx)
	d.syncCount.Add(1)

	for _, result := range results {
		status := "success"
		if result.Err != nil {
			status = "error"
		}
		d.metrics.RecordSync(ctx, result.Source, status)
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	d.logger.LogSpanEnd(ctx, "daemon.sync", err)
	d.metrics.RecordSyncDuration(ctx, time.Since(started).Seconds(), status)

	if d.stats != nil {
		attachments, detachments, size := d.stats.Stats()
		d.metrics.RecordStorage(ctx, attachments, detachments, size)
	}

	d.mu.Lock()
	d.lastSync = started
	d.lastErr = err
	d.mu.Unlock()
}

// Handler serves /metrics and /health
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	if d.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/health", d.serveHealth)
	return mux
}

func (d *Daemon) serveHealth(w http.ResponseWriter, _ *http.Request) {
	health := d.Health()
	w.Header().Set("Content-Type", "application/json")
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// Health returns daemon health status. The daemon is degraded while the
// latest sync has failed.
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Syncs:  d.syncCount.Load(),
	}
	if !d.lastSync.IsZero() {
		last := d.lastSync.UTC()
		status.LastSync = &last
	}
	if d.lastErr != nil {
		status.Status = "degraded"
		status.LastError = d.lastErr.Error()
	}
	return status
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string     `json:"status"`
	Uptime    int64      `json:"uptime_seconds"`
	Syncs     int64      `json:"syncs"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// SyncCount returns total syncs run
func (d *Daemon) SyncCount() int64 {
	return d.syncCount.Load()
}

// Addr returns the bound metrics address once Run has started listening
func (d *Daemon) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addr
}
