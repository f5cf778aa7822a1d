package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dwetl/internal/config"
	"dwetl/internal/metrics"
	"dwetl/internal/metrics/datadog"
	"dwetl/internal/pipeline"
)

// fakeRunner returns a canned report and counts calls.
type fakeRunner struct {
	rep   *pipeline.Report
	err   error
	calls atomic.Int64
}

func (r *fakeRunner) Run(ctx context.Context) (*pipeline.Report, error) {
	r.calls.Add(1)
	return r.rep, r.err
}

// fakeMetricsBackend is a deterministic metrics backend used by initMetrics tests.
type fakeMetricsBackend struct {
	closeErr error
	flushErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeMetricsBackend) Flush() error                                     { return b.flushErr }
func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func sqliteEnv(k string) string {
	return map[string]string{
		"ETL_STORAGE_KIND": "sqlite",
		"LOG_LEVEL":        "error",
	}[k]
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "unknown_flag", args: []string{"-nope"}, wantStderrSub: "flag provided but not defined"},
		{name: "bad_int", args: []string{"-batch-size", "many"}, wantStderrSub: "invalid value"},
		{name: "positional_args", args: []string{"extra"}, wantStderrSub: "unexpected arguments"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, appDeps{
				getenv:     sqliteEnv,
				loadDotEnv: func(string) error { return nil },
				newRunner: func(*config.Config, *zap.Logger) (runner, error) {
					t.Fatalf("newRunner must not be called on usage errors")
					return nil, nil
				},
				initMetrics: func(context.Context, *config.Config, *zap.Logger) (func(), error) {
					t.Fatalf("initMetrics must not be called on usage errors")
					return nil, nil
				},
			})

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_InvalidConfigExitsOne(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), nil, &stdout, &stderr, appDeps{
		// mssql is the default backend and needs a password.
		getenv:     func(string) string { return "" },
		loadDotEnv: func(string) error { return nil },
		newRunner: func(*config.Config, *zap.Logger) (runner, error) {
			t.Fatalf("newRunner must not be called for invalid config")
			return nil, nil
		},
		initMetrics: func(context.Context, *config.Config) (func(), error) {
			t.Fatalf("initMetrics must not be called for invalid config")
			return nil, nil
		},
	})
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "SA_PASSWORD") {
		t.Fatalf("stderr=%q, want the missing password reported", stderr.String())
	}
}

func TestRunMain_DotEnvErrorExitsOne(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), nil, &stdout, &stderr, appDeps{
		getenv:     sqliteEnv,
		loadDotEnv: func(string) error { return errors.New("load .env: bad line 3") },
	})
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "bad line 3") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRunMain_RunOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		rep            *pipeline.Report
		runErr         error
		initErr        error
		wantCode       int
		wantRunCalls   int64
		wantStdoutSub  string
		wantCleanupRun int64
	}{
		{
			name:           "success",
			rep:            &pipeline.Report{RunID: "r1", Status: pipeline.StatusSuccess, State: pipeline.StateDone},
			wantCode:       0,
			wantRunCalls:   1,
			wantStdoutSub:  "run r1: success",
			wantCleanupRun: 1,
		},
		{
			name: "partial_success",
			rep: &pipeline.Report{RunID: "r2", Status: pipeline.StatusPartialSuccess, State: pipeline.StateDone,
				Areas: []pipeline.AreaReport{{Area: "EquipmentUsage", Status: pipeline.AreaPartial, Read: 10, Inserted: 9, Failed: 1}}},
			wantCode:       0,
			wantRunCalls:   1,
			wantStdoutSub:  "inserted=9 duplicate=0 failed=1",
			wantCleanupRun: 1,
		},
		{
			name:           "failed",
			rep:            &pipeline.Report{RunID: "r3", Status: pipeline.StatusFailed, State: pipeline.StateFailed, Err: errors.New("boom")},
			runErr:         errors.New("boom"),
			wantCode:       1,
			wantRunCalls:   1,
			wantStdoutSub:  "error: boom",
			wantCleanupRun: 1,
		},
		{
			name:           "metrics_init_error",
			initErr:        errors.New("metrics unavailable"),
			wantCode:       1,
			wantRunCalls:   0,
			wantCleanupRun: 1,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := &fakeRunner{rep: tc.rep, err: tc.runErr}
			var cleanups atomic.Int64
			var gotCfg *config.Config

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), []string{"-policy", "all_or_nothing"}, &stdout, &stderr, appDeps{
				getenv:     sqliteEnv,
				loadDotEnv: func(string) error { return nil },
				newRunner: func(cfg *config.Config, _ *zap.Logger) (runner, error) {
					gotCfg = cfg
					return r, nil
				},
				initMetrics: func(context.Context, *config.Config, *zap.Logger) (func(), error) {
					return func() { cleanups.Add(1) }, tc.initErr
				},
			})

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if r.calls.Load() != tc.wantRunCalls {
				t.Fatalf("runner calls=%d, want %d", r.calls.Load(), tc.wantRunCalls)
			}
			if cleanups.Load() != tc.wantCleanupRun {
				t.Fatalf("cleanup calls=%d, want %d", cleanups.Load(), tc.wantCleanupRun)
			}
			if tc.wantStdoutSub != "" && !strings.Contains(stdout.String(), tc.wantStdoutSub) {
				t.Fatalf("stdout=%q, want contains %q", stdout.String(), tc.wantStdoutSub)
			}
			if gotCfg != nil && gotCfg.FailurePolicy != config.PolicyAllOrNothing {
				t.Fatalf("runner config policy=%q, want %q", gotCfg.FailurePolicy, config.PolicyAllOrNothing)
			}
		})
	}
}

func TestNewPipeline_UnknownStorage(t *testing.T) {
	t.Parallel()

	_, err := newPipeline(&config.Config{StorageKind: "oracle", BatchSize: 1}, zap.NewNop())
	if err == nil {
		t.Fatalf("newPipeline err=nil, want error for unknown storage")
	}
}

// The initMetrics tests swap package-level seams and so do not run in parallel.

func TestInitMetrics_NoneIsNoop(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none"} {
		cleanup, err := initMetrics(context.Background(), &config.Config{MetricsBackend: name}, zap.NewNop())
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v, want nil", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}

	var (
		gotOpts  datadog.Options
		setCalls []metrics.Backend
	)

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(mb metrics.Backend) { setCalls = append(setCalls, mb) }

	core, logs := observer.New(zapcore.DebugLevel)
	cleanup, err := initMetrics(context.Background(), &config.Config{
		MetricsBackend: "datadog",
		Job:            "ptxyz_dw",
		MetricsTags:    "service:dwetl, team:data",
	}, zap.New(core))
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if gotOpts.JobName != "ptxyz_dw" {
		t.Fatalf("JobName=%q, want %q", gotOpts.JobName, "ptxyz_dw")
	}
	if len(gotOpts.Tags) != 2 || gotOpts.Tags[1] != "team:data" {
		t.Fatalf("Tags=%v, want [service:dwetl team:data]", gotOpts.Tags)
	}
	if len(setCalls) != 1 || setCalls[0] != metrics.Backend(b) {
		t.Fatalf("setMetricsBackend calls=%v, want the datadog backend once", setCalls)
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if len(setCalls) != 2 || setCalls[1] != nil {
		t.Fatalf("cleanup must restore the nop backend; calls=%v", setCalls)
	}
	if logs.Len() != 0 {
		t.Fatalf("unexpected log entries: %v", logs.All())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}

	core, logs := observer.New(zapcore.WarnLevel)
	cleanup, err := initMetrics(context.Background(), &config.Config{MetricsBackend: "dd"}, zap.New(core))
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()

	entries := logs.FilterMessage("metrics flush failed").All()
	if len(entries) != 1 {
		t.Fatalf("log entries=%v, want one flush failure", logs.All())
	}
	fields := entries[0].ContextMap()
	if fields["backend"] != "datadog" || fields["error"] != "flush failed" {
		t.Fatalf("fields=%v, want backend=datadog error=flush failed", fields)
	}
}

func TestInitMetrics_Pushgateway_FlushErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{flushErr: errors.New("gateway down")}

	oldNew := newPushBackend
	defer func() { newPushBackend = oldNew }()
	newPushBackend = func(string, string) (metrics.Backend, error) { return b, nil }
	t.Cleanup(func() { metrics.SetBackend(nil) })

	core, logs := observer.New(zapcore.WarnLevel)
	cleanup, err := initMetrics(context.Background(), &config.Config{
		MetricsBackend: "pushgateway",
		PushgatewayURL: "http://gw:9091",
	}, zap.New(core))
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()

	entries := logs.FilterMessage("metrics flush failed").All()
	if len(entries) != 1 || entries[0].ContextMap()["backend"] != "pushgateway" {
		t.Fatalf("log entries=%v, want one pushgateway flush failure", logs.All())
	}
}

func TestInitMetrics_Pushgateway(t *testing.T) {
	b := &fakeMetricsBackend{}

	oldNew, oldSet := newPushBackend, setMetricsBackend
	defer func() { newPushBackend, setMetricsBackend = oldNew, oldSet }()

	var gotJob, gotURL string
	newPushBackend = func(job, url string) (metrics.Backend, error) {
		gotJob, gotURL = job, url
		return b, nil
	}
	var set int
	setMetricsBackend = func(metrics.Backend) { set++ }

	cleanup, err := initMetrics(context.Background(), &config.Config{
		MetricsBackend: "pushgateway",
		Job:            "ptxyz_dw",
		PushgatewayURL: "http://gw:9091",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if gotJob != "ptxyz_dw" || gotURL != "http://gw:9091" {
		t.Fatalf("push backend got (%q, %q)", gotJob, gotURL)
	}
	cleanup()
	if set != 2 {
		t.Fatalf("setMetricsBackend calls=%d, want 2 (install, restore)", set)
	}
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), &config.Config{MetricsBackend: "statsd"}, zap.NewNop())
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
}
