package domain

import (
	"fmt"
	"strings"
)

// ConfigError reports a malformed or missing declaration in a dataset's config bundle.
type ConfigError struct {
	File   string
	Field  string
	Reason string
}

func (e ConfigError) Error() string {
	switch {
	case e.File != "" && e.Field != "":
		return fmt.Sprintf("config %s: %s: %s", e.File, e.Field, e.Reason)
	case e.File != "":
		return fmt.Sprintf("config %s: %s", e.File, e.Reason)
	default:
		return "config: " + e.Reason
	}
}

// ImmutabilityViolationError is returned when a finalized version is requested
// with a configuration that hashes differently from the sealed one.
type ImmutabilityViolationError struct {
	Dataset     string
	Version     string
	StoredHash  string
	CurrentHash string
}

func (e ImmutabilityViolationError) Error() string {
	return fmt.Sprintf("version %s of %s is finalized with config hash %s; current config hashes to %s",
		e.Version, e.Dataset, e.StoredHash, e.CurrentHash)
}

// SchemaViolationError carries the failing validation report.
type SchemaViolationError struct {
	Report ValidationReport
}

func (e SchemaViolationError) Error() string {
	v := e.Report.Violations()
	const maxShown = 5
	if len(v) > maxShown {
		return fmt.Sprintf("schema violation: %s (and %d more)", strings.Join(v[:maxShown], "; "), len(v)-maxShown)
	}
	return "schema violation: " + strings.Join(v, "; ")
}

// ReproducibilityError means a replay regenerated bytes that differ from the sealed data.
type ReproducibilityError struct {
	Version      string
	SealedHash   string
	ReplayedHash string
}

func (e ReproducibilityError) Error() string {
	return fmt.Sprintf("replay of %s produced content hash %s, sealed hash is %s", e.Version, e.ReplayedHash, e.SealedHash)
}

type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e IOError) Error() string { return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err) }
func (e IOError) Unwrap() error { return e.Err }

// StageError names the pipeline stage that failed.
type StageError struct {
	Stage   string
	Dataset string
	Version string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for %s@%s: %v", e.Stage, e.Dataset, e.Version, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ProfilingDegradedWarning is not an error: profiling continues with an empty baseline.
type ProfilingDegradedWarning struct {
	PriorVersion string
	Reason       string
}

func (w ProfilingDegradedWarning) String() string {
	if w.PriorVersion == "" {
		return w.Reason
	}
	return fmt.Sprintf("prior %s: %s", w.PriorVersion, w.Reason)
}
