// Command probe checks that the warehouse database is reachable.
//
// It makes a single connection attempt bounded by a 10 second timeout, runs
// the backend's version query and prints either
//
//	CONNECTION OK <first 30 characters of the server version>
//
// or
//
//	CONNECTION FAILED <error>
//
// Connection settings are the same flags and environment variables cmd/etl
// reads. The exit code is 0 on success and 1 otherwise (2 for usage errors).
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

	"dwetl/internal/config"
	"dwetl/internal/dbconn"
	"dwetl/internal/retry"
	"dwetl/internal/storage"

	_ "dwetl/internal/storage/all"
)

const (
	probeTimeout = 10 * time.Second
	versionWidth = 30
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, appDeps{
		getenv:     os.Getenv,
		loadDotEnv: config.LoadDotEnv,
		version:    serverVersion,
	})
	stop()
	os.Exit(code)
}

type appDeps struct {
	getenv     func(string) string
	loadDotEnv func(path string) error
	version    func(ctx context.Context, cfg *config.Config) (string, error)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	if err := deps.loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, err := config.LoadFromArgs(fs, deps.getenv, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stdout, "CONNECTION FAILED %v\n", err)
		return 1
	}

	v, err := deps.version(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stdout, "CONNECTION FAILED %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "CONNECTION OK %s\n", truncate(v, versionWidth))
	return 0
}

// serverVersion opens one session on the target database and asks for the
// server version.
func serverVersion(ctx context.Context, cfg *config.Config) (string, error) {
	wh, err := storage.New(cfg.StorageKind)
	if err != nil {
		return "", err
	}
	params := cfg.ConnParams(cfg.Database)
	params.ConnectTimeout = probeTimeout

	p := &dbconn.Provider{
		Warehouse: wh,
		Params:    params,
		Policy:    retry.Policy{MaxAttempts: 1},
	}

	var v string
	err = dbconn.With(ctx, p, cfg.Database, dbconn.Autocommit, func(s *dbconn.Session) error {
		qctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		var err error
		v, err = wh.ServerVersion(qctx, s.Querier())
		return err
	})
	return v, err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
