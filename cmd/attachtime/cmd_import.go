package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/attachtime/providers"
	_ "github.com/yairfalse/attachtime/providers/aws"
	"github.com/yairfalse/attachtime/scanner"
	"github.com/yairfalse/attachtime/storage"
)

var (
	importProvider string
	importSince    string
	importUntil    string
	importRegion   string
	importProfile  string
	importSeedEC2  bool
)

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import attach and detach events from CloudTrail",
	Long: `Import AttachVolume, DetachVolume, AttachNetworkInterface and
DetachNetworkInterface calls from CloudTrail into the event log.

Without --since each source resumes from its last checkpoint, or reaches back
over CloudTrail's 90 day history on the first run. Re-importing a range is
safe; events are stored once per CloudTrail event id.

--seed-ec2 also records the volume attachments EC2 reports right now, so
attachments older than CloudTrail's history still pair with their detach.`,
	Example: `  attachtime import                                   # Resume from checkpoints
  attachtime import --since 2026-01-01 --until 2026-02-01
  attachtime import --region eu-west-1 --seed-ec2`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importProvider, "provider", "aws", "Event source provider")
	importCmd.Flags().StringVar(&importSince, "since", "", "Range start (RFC3339 or YYYY-MM-DD, default checkpoint)")
	importCmd.Flags().StringVar(&importUntil, "until", "", "Range end (RFC3339 or YYYY-MM-DD, default now)")
	importCmd.Flags().StringVarP(&importRegion, "region", "r", "", "AWS region (overrides aws.region)")
	importCmd.Flags().StringVar(&importProfile, "profile", "", "AWS shared config profile (overrides aws.profile)")
	importCmd.Flags().BoolVar(&importSeedEC2, "seed-ec2", false, "Also record current EBS volume attachments")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	shutdown := initTelemetry(ctx)
	defer shutdown()

	importer, eventLog, err := newImporter(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eventLog.Close() }()

	var results []scanner.SourceResult
	if importSince == "" {
		results, err = importer.Sync(ctx)
	} else {
		var since, until time.Time
		since, err = parseTimeFlag(importSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		until = time.Now()
		if importUntil != "" {
			if until, err = parseTimeFlag(importUntil); err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}
		}
		results, err = importer.Import(ctx, since, until)
	}

	printImportResults(cmd.OutOrStdout(), results)
	return err
}

// newImporter wires the configured sources to the event log. The caller
// closes the returned log.
func newImporter(ctx context.Context, cmd *cobra.Command) (*scanner.Importer, *storage.EventLog, error) {
	eventLog, err := openEventLog()
	if err != nil {
		return nil, nil, err
	}

	sourceCfg := sourceConfig(cmd)
	sourceCfg.Attachments = eventLog
	sources, err := providers.NewSources(ctx, importProvider, sourceCfg)
	if err != nil {
		_ = eventLog.Close()
		return nil, nil, err
	}

	metrics, err := scanner.NewMetrics(nil)
	if err != nil {
		_ = eventLog.Close()
		return nil, nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	importer := scanner.NewImporter(eventLog, sources,
		scanner.WithImportLogger(appLogger),
		scanner.WithImportMetrics(metrics),
	)
	return importer, eventLog, nil
}

// sourceConfig merges config file values with command flags
func sourceConfig(cmd *cobra.Command) providers.SourceConfig {
	cfg := providers.SourceConfig{
		Region:  appConfig.AWS.Region,
		Profile: appConfig.AWS.Profile,
		SeedEC2: appConfig.AWS.SeedEC2,
		Logger:  appLogger,
	}
	if importRegion != "" {
		cfg.Region = importRegion
	}
	if importProfile != "" {
		cfg.Profile = importProfile
	}
	if cmd.Flags().Changed("seed-ec2") {
		cfg.SeedEC2 = importSeedEC2
	}
	return cfg
}

func printImportResults(w io.Writer, results []scanner.SourceResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSINCE\tUNTIL\tIMPORTED\tSKIPPED\tSTATUS")
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "error"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.Source, formatInstant(r.Since), formatInstant(r.Until), r.Imported, r.Skipped, status)
	}
	_ = tw.Flush()
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
