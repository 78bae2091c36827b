package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"warehousecore/internal/blob"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFileWithEnvOverrides(t *testing.T) {
	path := writeFile(t, `
executors:
  - name: primary
    driver: Postgres
    dsn_env: TEST_PRIMARY_DSN
    default: true
  - driver: memory
routing:
  mode: shard
logging:
  level: debug
blob:
  driver: memory
`)
	t.Setenv("TEST_PRIMARY_DSN", "postgres://u:p@localhost/wh")
	t.Setenv("WAREHOUSE_LOG_FORMAT", "console")
	t.Setenv("WAREHOUSE_METRICS_NAMESPACE", "wh_test")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Executors, 2)
	assert.Equal(t, ExecutorConfig{Name: "primary", Driver: DriverPostgres, DSN: "postgres://u:p@localhost/wh", DSNEnv: "TEST_PRIMARY_DSN", Default: true}, cfg.Executors[0])
	assert.Equal(t, "memory", cfg.Executors[1].Name)
	assert.Equal(t, RoutingShard, cfg.Routing.Mode)
	assert.Equal(t, LoggingConfig{Level: "debug", Format: "console"}, cfg.Logging)
	assert.Equal(t, "wh_test", cfg.Metrics.Namespace)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, blob.DriverMemory, cfg.Blob.Driver)
}

func TestLoadFromEnvBuildsImplicitExecutor(t *testing.T) {
	t.Setenv("WAREHOUSE_DRIVER", "sqlite")
	t.Setenv("WAREHOUSE_DSN", "file:test.db")
	t.Setenv("WAREHOUSE_BLOB_S3_BUCKET", "docs")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []ExecutorConfig{{Name: "default", Driver: DriverSQLite, DSN: "file:test.db", Default: true}}, cfg.Executors)
	assert.Equal(t, RoutingDefault, cfg.Routing.Mode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "docs", cfg.Blob.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.Blob.S3.Region)
}

func TestNormalizeReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Executors: []ExecutorConfig{
			{Name: "a", Driver: DriverSQLServer, Default: true},
			{Name: "a", Driver: "oracle", Default: true},
		},
		Routing: RoutingConfig{Mode: "random"},
	}
	err := cfg.Normalize(func(string) (string, bool) { return "", false })
	require.Error(t, err)
	for _, want := range []string{"requires a dsn", "listed twice", "unknown driver", "more than one default", "unknown routing mode"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSampleRoundTripsThroughLoad(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Sample().WriteYAML(&buf))
	assert.Contains(t, buf.String(), "dsn_env: WAREHOUSE_PRIMARY_DSN")
	assert.NotContains(t, buf.String(), "dsn: \"\"")

	t.Setenv("WAREHOUSE_PRIMARY_DSN", "postgres://localhost/wh")
	t.Setenv("WAREHOUSE_ARCHIVE_DSN", "sqlserver://localhost")
	cfg, err := Load(writeFile(t, buf.String()))
	require.NoError(t, err)
	assert.Len(t, cfg.Executors, 5)
	assert.Equal(t, "read committed", cfg.Execution.Isolation)
}

func TestEnvHelpListsVariables(t *testing.T) {
	help, err := EnvHelp()
	require.NoError(t, err)
	assert.Contains(t, help, "WAREHOUSE_DRIVER")
	assert.Contains(t, help, "WAREHOUSE_BLOB_S3_BUCKET")
}
