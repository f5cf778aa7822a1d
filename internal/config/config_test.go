package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwetl/internal/etlerr"
)

func load(t *testing.T, env map[string]string, args ...string) *Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := LoadFromArgs(fs, func(k string) string { return env[k] }, args)
	require.NoError(t, err)
	return cfg
}

func withContainer(t *testing.T, v bool) {
	t.Helper()
	prev := inContainer
	inContainer = func() bool { return v }
	t.Cleanup(func() { inContainer = prev })
}

func TestLoadFromArgs_Defaults(t *testing.T) {
	withContainer(t, false)
	cfg := load(t, nil)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 1433, cfg.Port)
	assert.Equal(t, "sa", cfg.User)
	assert.Equal(t, "PTXYZ_DataWarehouse", cfg.Database)
	assert.Equal(t, "mssql", cfg.StorageKind)
	assert.Equal(t, 5, cfg.ConnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.ConnectDelay)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, PolicyBestEffort, cfg.FailurePolicy)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, "ETL", cfg.Actor)
	assert.Empty(t, cfg.Password)
}

func TestLoadFromArgs_ContainerHost(t *testing.T) {
	withContainer(t, true)
	cfg := load(t, nil)
	assert.Equal(t, "sqlserver", cfg.Host)
}

func TestLoadFromArgs_EnvAndFlags(t *testing.T) {
	withContainer(t, false)
	env := map[string]string{
		"DB_SERVER":                 "legacy-host",
		"MSSQL_PORT":                "14330",
		"SA_PASSWORD":               "fallback",
		"MSSQL_DB":                  "DW",
		"ETL_CONNECT_ATTEMPTS":      "3",
		"ETL_CONNECT_DELAY_SECONDS": "0",
		"ETL_FAILURE_POLICY":        "all_or_nothing",
	}
	cfg := load(t, env, "-batch-size=10", "-port=1500")

	assert.Equal(t, "legacy-host", cfg.Host)
	assert.Equal(t, 1500, cfg.Port, "flag wins over env")
	assert.Equal(t, "fallback", cfg.Password)
	assert.Equal(t, "DW", cfg.Database)
	assert.Equal(t, 3, cfg.ConnectAttempts)
	assert.Equal(t, time.Duration(0), cfg.ConnectDelay)
	assert.Equal(t, PolicyAllOrNothing, cfg.FailurePolicy)
	assert.Equal(t, 10, cfg.BatchSize)

	env["MSSQL_HOST"] = "primary"
	env["MSSQL_SA_PASSWORD"] = "primary-pw"
	cfg = load(t, env)
	assert.Equal(t, "primary", cfg.Host)
	assert.Equal(t, "primary-pw", cfg.Password)
}

func TestLoadFromArgs_UnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err := LoadFromArgs(fs, func(string) string { return "" }, []string{"-nope"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	withContainer(t, false)

	t.Run("missing password", func(t *testing.T) {
		err := load(t, nil).Validate()
		var cfgErr *etlerr.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Len(t, cfgErr.Problems, 1)
		assert.Contains(t, cfgErr.Problems[0], "MSSQL_SA_PASSWORD")
	})

	t.Run("sqlite needs no password", func(t *testing.T) {
		cfg := load(t, map[string]string{"ETL_STORAGE_KIND": "sqlite"})
		assert.NoError(t, cfg.Validate())
	})

	t.Run("collects every problem", func(t *testing.T) {
		env := map[string]string{
			"MSSQL_SA_PASSWORD":    "pw",
			"ETL_CONNECT_ATTEMPTS": "many",
			"ETL_FAILURE_POLICY":   "yolo",
		}
		cfg := load(t, env, "-batch-size=0")
		err := cfg.Validate()
		var cfgErr *etlerr.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Len(t, cfgErr.Problems, 3)
		assert.Equal(t, "configuration", etlerr.Kind(err))
	})

	t.Run("unknown storage", func(t *testing.T) {
		cfg := load(t, map[string]string{"ETL_STORAGE_KIND": "oracle"})
		assert.Error(t, cfg.Validate())
	})
}

func TestConnParamsAndRetryPolicy(t *testing.T) {
	withContainer(t, false)
	cfg := load(t, map[string]string{"MSSQL_SA_PASSWORD": "pw", "ETL_CONNECT_ATTEMPTS": "2"})

	p := cfg.ConnParams("master")
	assert.Equal(t, "master", p.Database)
	assert.Equal(t, "pw", p.Password)
	assert.Equal(t, 30*time.Second, p.ConnectTimeout)

	pol := cfg.RetryPolicy()
	assert.Equal(t, 2, pol.MaxAttempts)
	assert.Equal(t, 5*time.Second, pol.Backoff(1))
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DWETL_TEST_FROM_FILE=file\nDWETL_TEST_PRESET=file\n"), 0o600))
	t.Setenv("DWETL_TEST_PRESET", "process")
	t.Setenv("DWETL_TEST_FROM_FILE", "")
	os.Unsetenv("DWETL_TEST_FROM_FILE")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "file", os.Getenv("DWETL_TEST_FROM_FILE"))
	assert.Equal(t, "process", os.Getenv("DWETL_TEST_PRESET"))
}
