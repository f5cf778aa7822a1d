// Command etl provisions the PTXYZ warehouse and loads every subject area
// from staging into the star schema.
//
// All settings come from flags seeded by the environment (and a .env file
// when present); see internal/config. Exit codes:
//
//	0  success or partial success (some rows failed under best_effort)
//	1  failure: configuration, connection, provisioning or an aborted area
//	2  usage error
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dwetl/internal/config"
	"dwetl/internal/dbconn"
	"dwetl/internal/logging"
	"dwetl/internal/metrics"
	"dwetl/internal/metrics/datadog"
	"dwetl/internal/metrics/prompush"
	"dwetl/internal/pipeline"
	"dwetl/internal/storage"

	// register all backends with the storage factory.
	_ "dwetl/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runner is the part of *pipeline.Pipeline the CLI drives.
type runner interface {
	Run(ctx context.Context) (*pipeline.Report, error)
}

// metricsBackend is a metrics backend that owns a background flusher.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	getenv      func(string) string
	loadDotEnv  func(path string) error
	newRunner   func(cfg *config.Config, log *zap.Logger) (runner, error)
	initMetrics func(ctx context.Context, cfg *config.Config, log *zap.Logger) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		getenv:      os.Getenv,
		loadDotEnv:  config.LoadDotEnv,
		newRunner:   newPipeline,
		initMetrics: initMetrics,
	}
}

// Package-level seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = metrics.SetBackend
)

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	if err := deps.loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "etl: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("etl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, err := config.LoadFromArgs(fs, deps.getenv, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		// The flag set already printed the problem and usage.
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "etl: unexpected arguments %q\nusage: etl [flags]\n", fs.Args())
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "etl: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "etl: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cleanup, err := deps.initMetrics(ctx, cfg, logger.With(zap.String("component", "metrics")))
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		logger.Error("metrics init failed", zap.String("backend", cfg.MetricsBackend), zap.Error(err))
		return 1
	}

	r, err := deps.newRunner(cfg, logger)
	if err != nil {
		logger.Error("build pipeline", zap.Error(err))
		return 1
	}

	rep, err := r.Run(ctx)
	if rep != nil {
		writeReport(stdout, rep)
	}
	if err != nil || rep == nil || rep.Status == pipeline.StatusFailed {
		return 1
	}
	return 0
}

func newPipeline(cfg *config.Config, log *zap.Logger) (runner, error) {
	wh, err := storage.New(cfg.StorageKind)
	if err != nil {
		return nil, err
	}
	provider := &dbconn.Provider{
		Warehouse: wh,
		Params:    cfg.ConnParams(cfg.Database),
		Policy:    cfg.RetryPolicy(),
		Log:       log.With(zap.String("component", "dbconn")),
	}
	return pipeline.New(provider, pipeline.Options{
		Database:      cfg.Database,
		FailurePolicy: cfg.FailurePolicy,
		BatchSize:     cfg.BatchSize,
		Actor:         cfg.Actor,
		Job:           cfg.Job,
	}, log)
}

// initMetrics installs the configured backend. The returned cleanup is
// never nil and flushes whatever the backend buffered.
func initMetrics(ctx context.Context, cfg *config.Config, log *zap.Logger) (func(), error) {
	noop := func() {}

	switch cfg.MetricsBackend {
	case "", "none":
		return noop, nil

	case "pushgateway":
		b, err := newPushBackend(cfg.Job, cfg.PushgatewayURL)
		if err != nil {
			return noop, fmt.Errorf("pushgateway backend: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics flush failed", zap.String("backend", "pushgateway"), zap.Error(err))
			}
			setMetricsBackend(nil)
		}, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       datadog.ParseTagsCSV(cfg.MetricsTags),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog backend: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics flush failed", zap.String("backend", "datadog"), zap.Error(err))
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none, pushgateway or datadog)", cfg.MetricsBackend)
	}
}

func writeReport(w io.Writer, rep *pipeline.Report) {
	fmt.Fprintf(w, "run %s: %s (state %s, %s)\n",
		rep.RunID, rep.Status, rep.State, rep.Finished.Sub(rep.Started).Truncate(time.Millisecond))
	for _, a := range rep.Areas {
		fmt.Fprintf(w, "  %-22s %-8s read=%d inserted=%d duplicate=%d failed=%d\n",
			a.Area, a.Status, a.Read, a.Inserted, a.Duplicate, a.Failed)
	}
	if rep.Err != nil {
		fmt.Fprintf(w, "error: %v\n", rep.Err)
	}
}
