package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	t.Setenv("GENEFLOW_ENGINE_WORK_DIR", filepath.Join(dir, "work"))
	t.Setenv("GENEFLOW_ENGINE_OUTPUT_DIR", filepath.Join(dir, "output"))

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:8081", cfg.Address())
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 8, cfg.Engine.PoolSize)
	assert.Equal(t, 1, cfg.Engine.MaxAttempts)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.DirExists(t, filepath.Join(dir, "work"))
	assert.DirExists(t, filepath.Join(dir, "output"))
}

func TestLoadConfigFile(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
store:
  backend: postgres
postgres:
  dsn: postgres://geneflow@db/geneflow
engine:
  work_dir: `+filepath.Join(dir, "w")+`
  output_dir: `+filepath.Join(dir, "o")+`
  poll_interval: 250ms
  max_attempts: 3
grid:
  scheduler: slurm
  queue: long
  extra_args: ["--account=lab"]
cloud:
  base_url: https://batch.example.org
  rate_limit: 2
triggers:
  - name: nightly
    schedule: "0 2 * * *"
    job: /etc/geneflow/nightly.yaml
`)
	t.Setenv("GENEFLOW_SERVER_PORT", "9100")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9100", cfg.Address(), "environment wins over file")
	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://geneflow@db/geneflow", cfg.Postgres.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, "slurm", cfg.Grid.Scheduler)
	assert.Equal(t, "long", cfg.Grid.Queue)
	assert.Equal(t, []string{"--account=lab"}, cfg.Grid.ExtraArgs)
	assert.Equal(t, "https://batch.example.org", cfg.Cloud.BaseURL)
	assert.Equal(t, float64(2), cfg.Cloud.RateLimit)
	assert.Equal(t, 10, cfg.Cloud.Burst)
	require.Len(t, cfg.Triggers, 1)
	assert.Equal(t, "nightly", cfg.Triggers[0].Name)
	assert.Equal(t, "0 2 * * *", cfg.Triggers[0].Schedule)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown store", "store:\n  backend: etcd\n"},
		{"postgres without dsn", "store:\n  backend: postgres\n"},
		{"unknown scheduler", "grid:\n  scheduler: pbs\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			dir := t.TempDir()
			t.Setenv("GENEFLOW_ENGINE_WORK_DIR", filepath.Join(dir, "work"))
			t.Setenv("GENEFLOW_ENGINE_OUTPUT_DIR", filepath.Join(dir, "output"))

			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	viper.Reset()
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
