package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/attachtime/attachment"
	"github.com/yairfalse/attachtime/internal/filter"
	"github.com/yairfalse/attachtime/report"
	"github.com/yairfalse/attachtime/scanner"
	"github.com/yairfalse/attachtime/telemetry"
)

var (
	reportBegin       string
	reportEnd         string
	reportStrict      bool
	reportWorkers     int
	reportFormat      string
	reportOutput      string
	reportMetricsFile string
	reportExcludeType []string
	reportResources   []string
	reportExcludeRes  []string
)

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report attached time per resource pair",
	Long: `Pair the attach and detach events in the event log and report how long
each resource pair was attached inside the window [--begin, --end].

Durations are clipped to the window. An attachment still open at --end is
not counted until its detach is imported.

By default a detach pairs with the latest attach at or before it, and the
same attach may pair with several detaches when events are missing. --strict
consumes each attach on its first match instead.`,
	Example: `  attachtime report --begin 2026-01-01 --end 2026-02-01
  attachtime report --begin 2026-01-01T00:00:00Z --strict --format json
  attachtime report --begin 2026-01-01 --workers 4 --output jan.csv --format csv
  attachtime report --begin 2026-01-01 --exclude-type network-interface --resource i-0abc
  attachtime report --begin 2026-01-01 --metrics-file /var/lib/node_exporter/attachtime.prom`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportBegin, "begin", "", "Window start (RFC3339 or YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportEnd, "end", "", "Window end (RFC3339 or YYYY-MM-DD, default now)")
	reportCmd.Flags().BoolVar(&reportStrict, "strict", false, "Consume each attach on its first matching detach")
	reportCmd.Flags().IntVar(&reportWorkers, "workers", 1, "Goroutines per scan pass")
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "table", "Output format: table, json, csv")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Save report to file")
	reportCmd.Flags().StringVar(&reportMetricsFile, "metrics-file", "", "Write run metrics in Prometheus text format")
	reportCmd.Flags().StringSliceVar(&reportExcludeType, "exclude-type", nil, "Resource types to leave out (volume, network-interface)")
	reportCmd.Flags().StringSliceVar(&reportResources, "resource", nil, "Only report pairs involving these resource ids")
	reportCmd.Flags().StringSliceVar(&reportExcludeRes, "exclude-resource", nil, "Leave out pairs involving these resource ids")
	_ = reportCmd.MarkFlagRequired("begin")
}

func runReport(cmd *cobra.Command, args []string) error {
	window, err := parseWindow(reportBegin, reportEnd, time.Now())
	if err != nil {
		return err
	}

	strict := appConfig.Report.Strict
	if cmd.Flags().Changed("strict") {
		strict = reportStrict
	}
	workers := appConfig.Report.Workers
	if cmd.Flags().Changed("workers") {
		workers = reportWorkers
	}
	format := appConfig.Report.Format
	if cmd.Flags().Changed("format") {
		format = reportFormat
	}
	excludeTypes := appConfig.Report.ExcludeTypes
	if cmd.Flags().Changed("exclude-type") {
		excludeTypes = reportExcludeType
	}

	ctx := cmd.Context()
	shutdown := initTelemetry(ctx)
	defer shutdown()

	eventLog, err := openEventLog()
	if err != nil {
		return err
	}
	defer func() { _ = eventLog.Close() }()

	metrics, err := scanner.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	s := scanner.New(eventLog,
		scanner.WithStrict(strict),
		scanner.WithWorkers(workers),
		scanner.WithLogger(appLogger),
		scanner.WithMetrics(metrics),
		scanner.WithFilter(filter.New(excludeTypes, reportResources, reportExcludeRes)),
	)
	r, err := s.Run(ctx, window)
	if err != nil {
		return fmt.Errorf("report failed: %w", err)
	}

	if err := writeReport(cmd.OutOrStdout(), r, format); err != nil {
		return err
	}

	if reportMetricsFile != "" {
		if err := telemetry.WriteMetricsFile(reportMetricsFile); err != nil {
			return err
		}
	}
	return nil
}

func writeReport(stdout io.Writer, r *report.Report, format string) error {
	if reportOutput == "" {
		return report.Render(stdout, r, format)
	}

	f, err := os.Create(reportOutput) // #nosec G304 -- path is intentional user input
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := report.Render(f, r, format); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Fprintf(stdout, "Report saved to %s\n", reportOutput)
	return nil
}

// parseWindow parses --begin and --end; an empty end means now
func parseWindow(begin, end string, now time.Time) (attachment.Window, error) {
	beginTime, err := parseTimeFlag(begin)
	if err != nil {
		return attachment.Window{}, fmt.Errorf("invalid --begin: %w", err)
	}

	endTime := now
	if end != "" {
		endTime, err = parseTimeFlag(end)
		if err != nil {
			return attachment.Window{}, fmt.Errorf("invalid --end: %w", err)
		}
	}

	window := attachment.Window{BeginMs: beginTime.UnixMilli(), EndMs: endTime.UnixMilli()}
	if err := window.Validate(); err != nil {
		return attachment.Window{}, err
	}
	return window, nil
}

// parseTimeFlag accepts RFC3339 or a bare UTC date
func parseTimeFlag(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", value)
	}
	return t, nil
}
