// Package etlerr defines the error taxonomy shared by the loader stages.
//
// Each kind wraps its underlying cause, so errors.Is / errors.As see through
// it to driver errors, and callers classify a failure with errors.As on the
// kind they care about.
package etlerr

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports invalid or missing settings. It is fatal and
// never retried.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + strings.Join(e.Problems, "; ")
}

// ConnectionError reports that a session could not be opened after the
// retry policy ran out of attempts.
type ConnectionError struct {
	Database string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %q failed after %d attempt(s): %v", e.Database, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SchemaProvisioningError reports a DDL failure. It aborts the run.
type SchemaProvisioningError struct {
	Stage  string // "database" | "schemas" | "tables"
	Object string
	Err    error
}

func (e *SchemaProvisioningError) Error() string {
	return fmt.Sprintf("provision %s %s: %v", e.Stage, e.Object, e.Err)
}

func (e *SchemaProvisioningError) Unwrap() error { return e.Err }

// RowLoadError reports a single staging row that could not be resolved or
// inserted. Whether it aborts the subject area depends on the failure policy.
type RowLoadError struct {
	Area  string
	RowID int64
	Stage string // dimension name, "measures" or "fact"
	Err   error
}

func (e *RowLoadError) Error() string {
	return fmt.Sprintf("%s row %d: %s: %v", e.Area, e.RowID, e.Stage, e.Err)
}

func (e *RowLoadError) Unwrap() error { return e.Err }

// Fatal reports whether err must end the run: everything except a row-level
// failure, which the failure policy decides about.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	var rowErr *RowLoadError
	return !errors.As(err, &rowErr)
}

// Kind names the taxonomy bucket of err for logs and metrics labels.
func Kind(err error) string {
	var (
		cfgErr  *ConfigurationError
		connErr *ConnectionError
		provErr *SchemaProvisioningError
		rowErr  *RowLoadError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &provErr):
		return "schema_provisioning"
	case errors.As(err, &rowErr):
		return "row_load"
	default:
		return "internal"
	}
}
