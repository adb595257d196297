// Package profile computes the baseline statistics of the previous finalized
// version of a dataset. Profiling is advisory: every failure degrades to "no
// prior version" with a warning instead of failing the run.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"synthgen/internal/artifact"
	"synthgen/internal/config"
	"synthgen/internal/domain"
	"synthgen/internal/registry"
	"synthgen/internal/schema"
	"synthgen/internal/table"
)

// Catalog is the registry read the profiler needs.
type Catalog interface {
	Get(dataset string) (domain.RegistryEntry, error)
}

type Profiler struct {
	Catalog        Catalog
	RunsRoot       string
	CardinalityCap int
}

// Result carries the prior profile, or nil with an optional warning when no
// usable prior exists.
type Result struct {
	Prior   *domain.PriorProfile
	Warning *domain.ProfilingDegradedWarning
}

// Profile finds the finalized version preceding current and profiles its
// data file. fallback is used to decode the prior data when its own frozen
// schema cannot be read.
func (p Profiler) Profile(dataset, current string, fallback schema.Schema) Result {
	entry, err := p.Catalog.Get(dataset)
	if errors.Is(err, registry.ErrNotFound) {
		return Result{}
	}
	if err != nil {
		return degraded("", fmt.Sprintf("read registry: %v", err))
	}
	prior, ok := registry.PriorFinalized(entry, current)
	if !ok {
		return Result{}
	}

	runDir := artifact.RunDir(p.RunsRoot, dataset, prior.Version)
	sch := fallback
	var frozen map[string]any
	if err := artifact.ReadJSON(runDir, artifact.ConfigsSnapshotFile, &frozen); err == nil {
		if b, err := config.FromSnapshot(dataset, frozen); err == nil {
			sch = b.Schema
		}
	}

	raw, err := os.ReadFile(filepath.Join(runDir, artifact.DataCSV))
	if err != nil {
		return degraded(prior.Version, fmt.Sprintf("read prior data: %v", err))
	}
	if got := table.HashBytes(raw); got != prior.ContentHash {
		return degraded(prior.Version, fmt.Sprintf("prior data hash %s does not match registry %s", got, prior.ContentHash))
	}
	t, err := table.DecodeCSV(bytes.NewReader(raw), sch)
	if err != nil {
		return degraded(prior.Version, fmt.Sprintf("decode prior data: %v", err))
	}
	return Result{Prior: &domain.PriorProfile{
		SourceVersion: prior.Version,
		ContentHash:   prior.ContentHash,
		RowCount:      t.Len(),
		ColumnCount:   len(t.Columns),
		Columns:       Describe(t, sch, p.CardinalityCap),
	}}
}

func degraded(version, reason string) Result {
	return Result{Warning: &domain.ProfilingDegradedWarning{PriorVersion: version, Reason: reason}}
}
