package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/attachtime/config"
	"github.com/yairfalse/attachtime/storage"
	"github.com/yairfalse/attachtime/telemetry"
)

var (
	version = "0.1.0"

	cfgFile     string
	debug       bool
	storagePath string

	appConfig *config.Config
	appLogger *telemetry.Logger

	rootCmd = &cobra.Command{
		Use:   "attachtime",
		Short: "Attachment duration reports",
		Long: `attachtime - how long were your volumes and network interfaces attached?

attachtime imports attach and detach calls from CloudTrail into a local
event log, then pairs them to report the attached time of every resource
pair inside a reporting window.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// init sets up the root command
func init() {
	rootCmd.SetVersionTemplate(`attachtime {{.Version}}
`)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage", "", "Event log directory (overrides storage.path)")
}

// setup loads config and configures logging before any subcommand runs
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if storagePath != "" {
		cfg.Storage.Path = storagePath
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	appConfig = cfg
	appLogger = telemetry.NewLoggerWithWriter("attachtime", os.Stderr)
	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(cfgFile)
}

func openEventLog() (*storage.EventLog, error) {
	eventLog, err := storage.OpenEventLog(appConfig.Storage.Path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", eventLog.Path()).Msg("opened event log")
	return eventLog, nil
}

// initTelemetry initializes OTEL. Failure only disables telemetry.
// ATTACHTIME_TELEMETRY_DISABLED=true skips it entirely.
func initTelemetry(ctx context.Context) func() {
	if os.Getenv("ATTACHTIME_TELEMETRY_DISABLED") == "true" {
		log.Debug().Msg("telemetry disabled")
		return func() {}
	}

	cfg := telemetry.Config{
		ServiceName:    appConfig.OTEL.ServiceName,
		ServiceVersion: version,
		Environment:    os.Getenv("ATTACHTIME_ENVIRONMENT"),
		OTELEndpoint:   appConfig.OTEL.Endpoint,
		Insecure:       appConfig.OTEL.Insecure,
		ExportOTLP:     appConfig.OTEL.Enabled,
	}

	shutdown, err := telemetry.InitOTEL(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry initialization failed, running without telemetry")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}
}
