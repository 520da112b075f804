package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return writeConfigFile(t, "attachtime.yaml", content)
}

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: /var/lib/attachtime
aws:
  region: eu-west-1
  profile: billing
  seed_ec2: true
report:
  strict: true
  workers: 4
  format: csv
  exclude_types: [network-interface]
daemon:
  interval: 30m
  metrics_port: 9090
otel:
  enabled: true
  endpoint: collector:4317
  insecure: true
log:
  level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/attachtime", cfg.Storage.Path)
	assert.Equal(t, AWSConfig{Region: "eu-west-1", Profile: "billing", SeedEC2: true}, cfg.AWS)
	assert.Equal(t, ReportConfig{Strict: true, Workers: 4, Format: "csv", ExcludeTypes: []string{"network-interface"}}, cfg.Report)
	assert.Equal(t, 30*time.Minute, cfg.Daemon.Interval)
	assert.Equal(t, 9090, cfg.Daemon.MetricsPort)
	assert.True(t, cfg.OTEL.Enabled)
	assert.Equal(t, "collector:4317", cfg.OTEL.Endpoint)
	assert.Equal(t, "attachtime", cfg.OTEL.ServiceName)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeConfigFile(t, "attachtime.toml", `
[aws]
region = "ap-southeast-2"

[report]
strict = true
workers = 2
exclude_types = ["volume"]

[daemon]
interval = "1h"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ap-southeast-2", cfg.AWS.Region)
	assert.True(t, cfg.Report.Strict)
	assert.Equal(t, 2, cfg.Report.Workers)
	assert.Equal(t, []string{"volume"}, cfg.Report.ExcludeTypes)
	assert.Equal(t, "table", cfg.Report.Format)
	assert.Equal(t, time.Hour, cfg.Daemon.Interval)

	_, err = LoadConfig(writeConfigFile(t, "broken.toml", "[aws\n"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "aws:\n  region: us-west-2\n"))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Storage.Path)
	assert.Equal(t, "us-west-2", cfg.AWS.Region)
	assert.False(t, cfg.Report.Strict, "strict mode is opt-in")
	assert.Equal(t, 1, cfg.Report.Workers)
	assert.Equal(t, "table", cfg.Report.Format)
	assert.Equal(t, 15*time.Minute, cfg.Daemon.Interval)
	assert.Equal(t, 2112, cfg.Daemon.MetricsPort)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	assert.Equal(t, 15*time.Minute, cfg.Daemon.Interval)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad yaml", content: "report: [", wantErr: "failed to parse config"},
		{name: "bad interval", content: "daemon:\n  interval: often\n", wantErr: `parse interval "often"`},
		{name: "short interval", content: "daemon:\n  interval: 10s\n", wantErr: "interval must be at least 1m"},
		{name: "negative workers", content: "report:\n  workers: -2\n", wantErr: "workers must be at least 1"},
		{name: "unknown format", content: "report:\n  format: xml\n", wantErr: "format must be one of"},
		{name: "port out of range", content: "daemon:\n  metrics_port: 70000\n", wantErr: "metrics_port out of range"},
		{name: "unknown log level", content: "log:\n  level: loud\n", wantErr: "level must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
