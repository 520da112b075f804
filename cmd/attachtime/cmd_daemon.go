package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/attachtime/internal/daemon"
	"github.com/yairfalse/attachtime/telemetry"
)

var (
	daemonInterval    time.Duration
	daemonMetricsPort int
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Import events continuously",
	Long: `Run attachtime in daemon mode: import new CloudTrail events on every
interval and expose metrics.

Features:
- Import loop resuming from per-source checkpoints
- Prometheus metrics on /metrics endpoint
- Health check on /health (503 while the latest import failed)
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  attachtime daemon                        # Run with defaults
  attachtime daemon --interval 5m          # Import every 5 minutes
  attachtime daemon --metrics-port 9090    # Custom metrics port
  attachtime daemon --region us-west-2     # Specific region`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Import interval (overrides daemon.interval)")
	daemonCmd.Flags().IntVar(&daemonMetricsPort, "metrics-port", 0, "Metrics HTTP server port (overrides daemon.metrics_port)")
	daemonCmd.Flags().StringVar(&importProvider, "provider", "aws", "Event source provider")
	daemonCmd.Flags().StringVarP(&importRegion, "region", "r", "", "AWS region (overrides aws.region)")
	daemonCmd.Flags().StringVar(&importProfile, "profile", "", "AWS shared config profile (overrides aws.profile)")
	daemonCmd.Flags().BoolVar(&importSeedEC2, "seed-ec2", false, "Also record current EBS volume attachments")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	interval := appConfig.Daemon.Interval
	if daemonInterval > 0 {
		interval = daemonInterval
	}
	port := appConfig.Daemon.MetricsPort
	if daemonMetricsPort > 0 {
		port = daemonMetricsPort
	}

	ctx := cmd.Context()
	shutdown := initTelemetry(ctx)
	defer shutdown()

	importer, eventLog, err := newImporter(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eventLog.Close() }()

	d, err := daemon.NewDaemon(daemon.Config{
		Interval:    interval,
		MetricsAddr: fmt.Sprintf(":%d", port),
		Registry:    telemetry.PrometheusRegistry,
	}, importer, eventLog, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	log.Info().
		Str("region", sourceConfig(cmd).Region).
		Dur("interval", interval).
		Int("metrics_port", port).
		Str("storage", eventLog.Path()).
		Msg("attachtime daemon starting")

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	log.Info().Msg("daemon stopped")
	return nil
}
