// Package config centralizes loader configuration. Every tunable is a
// command-line flag whose default is seeded from the environment, so
// `-help` shows all knobs and containers can run with env only.
//
// Typical usage:
//
//	_ = config.LoadDotEnv(".env")
//	cfg, err := config.Load()
//
// For tests, prefer LoadFromArgs to keep them hermetic:
//
//	fs := flag.NewFlagSet("test", flag.ContinueOnError)
//	getenv := func(k string) string { return testEnv[k] }
//	cfg, err := config.LoadFromArgs(fs, getenv, []string{"-batch-size=10"})
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dwetl/internal/etlerr"
	"dwetl/internal/retry"
	"dwetl/internal/storage"
)

// Failure policies for row-level errors.
const (
	PolicyBestEffort   = "best_effort"
	PolicyAllOrNothing = "all_or_nothing"
)

// Defaults.
const (
	DefaultPort           = 1433
	DefaultUser           = "sa"
	DefaultDatabase       = "PTXYZ_DataWarehouse"
	DefaultAttempts       = 5
	DefaultRetryDelay     = 5 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultBatchSize      = 500
	DefaultStorageKind    = "mssql"
	DefaultActor          = "ETL"
	DefaultJob            = "ptxyz_dw"
	DefaultPushgatewayURL = "http://localhost:9091"
	containerHost         = "sqlserver"
	localHost             = "localhost"
	dockerEnvMarker       = "/.dockerenv"
)

// Config holds all process configuration derived from flags and
// environment variables. All fields are plain values so the struct can be
// copied freely after construction.
type Config struct {
	// Connection.
	Host           string
	Port           int
	User           string
	Password       string // env only; never a flag
	Database       string
	SQLiteDir      string
	StorageKind    string
	ConnectTimeout time.Duration

	// Retry policy for connection establishment.
	ConnectAttempts int
	ConnectDelay    time.Duration

	// Load behavior.
	FailurePolicy string
	BatchSize     int
	Actor         string
	Job           string

	// Observability.
	LogLevel       string
	LogFormat      string
	MetricsBackend string
	PushgatewayURL string
	MetricsTags    string

	// problems collects env values that failed to parse; Validate reports them.
	problems []string
}

// inContainer reports whether the process runs inside a container, where
// the database is reachable under its compose service name.
var inContainer = func() bool {
	_, err := os.Stat(dockerEnvMarker)
	return err == nil
}

// LoadFromArgs builds a Config by defining flags on fs, seeding each
// default from getenv, and then parsing args.
//
// Precedence:
//  1. Environment values seed each flag's default.
//  2. Explicit CLI flags (in args) override the seeded defaults.
//
// Errors:
//   - Returns the flag parse error (including flag.ErrHelp) unchanged so the
//     CLI can map it to a usage exit code. Semantic problems are reported
//     by Validate, not here.
func LoadFromArgs(fset *flag.FlagSet, getenv func(string) string, args []string) (*Config, error) {
	cfg := &Config{}

	envOr := func(d string, keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				return v
			}
		}
		return d
	}
	intEnvOr := func(k string, d int) int {
		v := strings.TrimSpace(getenv(k))
		if v == "" {
			return d
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			cfg.problems = append(cfg.problems, fmt.Sprintf("%s=%q is not an integer", k, v))
			return d
		}
		return i
	}
	secondsEnvOr := func(k string, d time.Duration) time.Duration {
		return time.Duration(intEnvOr(k, int(d/time.Second))) * time.Second
	}

	defaultHost := localHost
	if inContainer() {
		defaultHost = containerHost
	}

	fset.StringVar(&cfg.Host, "host", envOr(defaultHost, "MSSQL_HOST", "DB_SERVER"), "database host")
	fset.IntVar(&cfg.Port, "port", intEnvOr("MSSQL_PORT", DefaultPort), "database port")
	fset.StringVar(&cfg.User, "user", envOr(DefaultUser, "MSSQL_USER"), "database user")
	fset.StringVar(&cfg.Database, "database", envOr(DefaultDatabase, "MSSQL_DB"), "target warehouse database")
	fset.StringVar(&cfg.StorageKind, "storage", envOr(DefaultStorageKind, "ETL_STORAGE_KIND"), "storage backend: mssql, postgres or sqlite")
	fset.StringVar(&cfg.SQLiteDir, "sqlite-dir", envOr(".", "ETL_SQLITE_DIR"), "directory holding sqlite database files")
	fset.DurationVar(&cfg.ConnectTimeout, "connect-timeout", secondsEnvOr("ETL_CONNECT_TIMEOUT_SECONDS", DefaultConnectTimeout), "login and command timeout")

	fset.IntVar(&cfg.ConnectAttempts, "connect-attempts", intEnvOr("ETL_CONNECT_ATTEMPTS", DefaultAttempts), "connection attempts before giving up")
	fset.DurationVar(&cfg.ConnectDelay, "connect-delay", secondsEnvOr("ETL_CONNECT_DELAY_SECONDS", DefaultRetryDelay), "delay between connection attempts")

	fset.StringVar(&cfg.FailurePolicy, "policy", envOr(PolicyBestEffort, "ETL_FAILURE_POLICY"), "row failure policy: best_effort or all_or_nothing")
	fset.IntVar(&cfg.BatchSize, "batch-size", intEnvOr("ETL_BATCH_SIZE", DefaultBatchSize), "staging rows read per page")
	fset.StringVar(&cfg.Actor, "actor", envOr(DefaultActor, "ETL_ACTOR"), "value written to created_by audit columns")
	fset.StringVar(&cfg.Job, "job", envOr(DefaultJob, "ETL_JOB"), "job name for logs and metrics")

	fset.StringVar(&cfg.LogLevel, "log-level", envOr("info", "LOG_LEVEL"), "log level: debug, info, warn, error")
	fset.StringVar(&cfg.LogFormat, "log-format", envOr("json", "LOG_FORMAT"), "log format: json or console")
	fset.StringVar(&cfg.MetricsBackend, "metrics-backend", envOr("none", "METRICS_BACKEND"), "metrics backend: none, pushgateway or datadog")
	fset.StringVar(&cfg.PushgatewayURL, "pushgateway-url", envOr(DefaultPushgatewayURL, "PUSHGATEWAY_URL"), "Pushgateway base URL")
	fset.StringVar(&cfg.MetricsTags, "metrics-tags", envOr("", "METRICS_TAGS"), "extra metric tags, comma separated")

	cfg.Password = envOr("", "MSSQL_SA_PASSWORD", "SA_PASSWORD")

	if args == nil {
		args = []string{}
	}
	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is the production entry point: flag.CommandLine, os.Getenv and
// os.Args[1:].
func Load() (*Config, error) {
	return LoadFromArgs(flag.CommandLine, os.Getenv, os.Args[1:])
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win; a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate returns an *etlerr.ConfigurationError listing every problem, or
// nil when the configuration is usable.
func (c *Config) Validate() error {
	problems := append([]string(nil), c.problems...)

	switch c.StorageKind {
	case "mssql", "postgres":
		if c.Password == "" {
			problems = append(problems, "MSSQL_SA_PASSWORD/SA_PASSWORD is not set")
		}
		if strings.TrimSpace(c.Host) == "" {
			problems = append(problems, "host is empty")
		}
		if c.Port <= 0 || c.Port > 65535 {
			problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
		}
	case "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("unknown storage kind %q (want mssql, postgres or sqlite)", c.StorageKind))
	}

	if strings.TrimSpace(c.Database) == "" {
		problems = append(problems, "database name is empty")
	}
	if c.ConnectAttempts < 1 {
		problems = append(problems, fmt.Sprintf("connect attempts must be >= 1 (got %d)", c.ConnectAttempts))
	}
	if c.ConnectDelay < 0 {
		problems = append(problems, "connect delay must not be negative")
	}
	if c.ConnectTimeout <= 0 {
		problems = append(problems, "connect timeout must be positive")
	}
	if c.FailurePolicy != PolicyBestEffort && c.FailurePolicy != PolicyAllOrNothing {
		problems = append(problems, fmt.Sprintf("unknown failure policy %q (want %s or %s)", c.FailurePolicy, PolicyBestEffort, PolicyAllOrNothing))
	}
	if c.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("batch size must be >= 1 (got %d)", c.BatchSize))
	}

	if len(problems) == 0 {
		return nil
	}
	return &etlerr.ConfigurationError{Problems: problems}
}

// ConnParams returns the connection parameters for database.
func (c *Config) ConnParams(database string) storage.ConnParams {
	return storage.ConnParams{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		Database:       database,
		Dir:            c.SQLiteDir,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// RetryPolicy returns the connection retry policy: ConnectAttempts tries
// with a fixed ConnectDelay between them.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.ConnectAttempts,
		Backoff:     retry.Constant(c.ConnectDelay),
	}
}
