package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"synthgen/internal/artifact"
	"synthgen/internal/domain"
	"synthgen/internal/events"
	"synthgen/internal/generate"
	"synthgen/internal/table"
	"synthgen/internal/validate"
	"synthgen/internal/version"
)

// executionOrder is recorded in run_metadata.json.
var executionOrder = []string{
	domain.StageResolve,
	domain.StageProfile,
	domain.StageGenerate,
	domain.StageValidate,
	domain.StageEvaluate,
	domain.StageFinalize,
	domain.StageRegister,
}

// errInterrupted marks a run stopped by the interrupt hook.
var errInterrupted = errors.New("run interrupted")

// run is the state of one pipeline execution. Stages run strictly in order.
type run struct {
	e       Engine
	ctx     context.Context
	plan    *plan
	runID   string
	state   domain.RunState
	started time.Time
	log     *slog.Logger
}

func (r *run) entry(typ, stage string) events.Entry {
	return events.Entry{Type: typ, Dataset: r.plan.res.Dataset, Version: r.plan.res.Version, Stage: stage, RunID: r.runID}
}

// advance moves the state machine forward and records the transition.
func (r *run) advance(to domain.RunState, evt, stage string, payload events.EventPayload) error {
	if err := domain.Transition(r.state, to); err != nil {
		return err
	}
	r.state = to
	r.e.record(r.ctx, r.entry(evt, stage), payload)
	return nil
}

// stage runs fn with start/done logging. A failure moves the run to FAILED
// and comes back wrapped in a StageError naming the stage.
func (r *run) stage(name string, fn func() error) error {
	if err := r.ctx.Err(); err != nil {
		return r.fail(name, err)
	}
	start := time.Now()
	r.log.Info("stage_start", "stage", name)
	if err := fn(); err != nil {
		return r.fail(name, err)
	}
	r.log.Info("stage_done", "stage", name, "duration_ms", time.Since(start).Milliseconds())
	if r.e.interrupt != nil {
		if err := r.e.interrupt(name); err != nil {
			return fmt.Errorf("%w after %s: %v", errInterrupted, name, err)
		}
	}
	return nil
}

func (r *run) fail(stage string, err error) error {
	r.log.Error("stage_error", "stage", stage, "error", err.Error())
	if terr := domain.Transition(r.state, domain.StateFailed); terr == nil {
		r.state = domain.StateFailed
		r.e.record(r.ctx, r.entry(events.RunFailed, stage), events.EventPayload{"error": err.Error()})
	}
	return stageErr(stage, r.plan.res.Dataset, r.plan.res.Version, err)
}

func (r *run) result() Result {
	return Result{
		Dataset:  r.plan.res.Dataset,
		Version:  r.plan.res.Version,
		RunID:    r.runID,
		RunDir:   r.plan.runDir,
		Origin:   r.plan.origin,
		Mode:     r.plan.res.Mode,
		State:    r.state,
		Warnings: r.plan.warnings,
	}
}

// produce builds the row collection: generated from the seed, or decoded
// from the ingest input.
func (r *run) produce() (*table.Table, error) {
	if r.plan.input == nil {
		return generate.New(r.plan.bundle).Generate(r.plan.res.Seed)
	}
	t, err := table.DecodeCSV(bytes.NewReader(r.plan.input.data), r.plan.bundle.Schema)
	if err != nil {
		return nil, domain.ConfigError{Field: "input", Reason: err.Error()}
	}
	if t.Len() == 0 {
		return nil, domain.ConfigError{Field: "input", Reason: "input has a header but no rows"}
	}
	return t, nil
}

func (r *run) pipeline() (Result, error) {
	p := r.plan
	res := p.res
	produceStage := domain.StageGenerate
	produceEvent := events.RunGenerated
	order := executionOrder
	if p.input != nil {
		produceStage = domain.StageIngest
		produceEvent = events.RunIngested
		order = append([]string(nil), executionOrder...)
		order[2] = domain.StageIngest
	}

	err := r.stage(domain.StageResolve, func() error {
		if res.Mode == version.ModeRestart {
			r.log.Warn("discarding_unsealed_run")
			r.e.record(r.ctx, r.entry(events.RunRestarted, domain.StageResolve), nil)
		}
		if err := artifact.Prepare(p.runDir); err != nil {
			return err
		}
		if _, err := artifact.WriteJSON(p.runDir, artifact.ConfigsSnapshotFile, p.frozen); err != nil {
			return err
		}
		meta := domain.RunMetadata{
			Dataset:        res.Dataset,
			Version:        res.Version,
			RunID:          r.runID,
			Origin:         p.origin,
			Mode:           string(res.Mode),
			StartedAt:      r.started.UTC().Format(time.RFC3339),
			Seed:           res.SeedHex(),
			ConfigHash:     res.ConfigHash,
			RowCount:       p.bundle.Dataset.RowCount,
			ExecutionOrder: order,
		}
		if p.input != nil {
			meta.RowCount = 0
			meta.InputFile = p.input.path
		}
		if _, err := artifact.WriteJSON(p.runDir, artifact.RunMetadataFile, meta); err != nil {
			return err
		}
		return r.advance(domain.StateResolved, events.RunResolved, domain.StageResolve, events.EventPayload{
			"mode":        string(res.Mode),
			"config_hash": res.ConfigHash,
			"seed":        res.SeedHex(),
		})
	})
	if err != nil {
		return r.result(), err
	}

	var prior *domain.PriorProfile
	err = r.stage(domain.StageProfile, func() error {
		pr := r.e.profiler().Profile(res.Dataset, res.Version, p.bundle.Schema)
		prior = pr.Prior
		payload := events.EventPayload{"prior": nil}
		if pr.Warning != nil {
			p.warnings = append(p.warnings, pr.Warning.String())
			r.log.Warn("profiling_degraded", "prior_version", pr.Warning.PriorVersion, "reason", pr.Warning.Reason)
			payload["degraded"] = pr.Warning.String()
		}
		if prior != nil {
			payload["prior"] = prior.SourceVersion
		}
		return r.advance(domain.StateProfiled, events.RunProfiled, domain.StageProfile, payload)
	})
	if err != nil {
		return r.result(), err
	}

	var data *table.Table
	err = r.stage(produceStage, func() error {
		t, err := r.produce()
		if err != nil {
			return err
		}
		data = t
		return r.advance(domain.StateGenerated, produceEvent, produceStage, events.EventPayload{"row_count": t.Len()})
	})
	if err != nil {
		return r.result(), err
	}

	var vr domain.ValidationReport
	err = r.stage(domain.StageValidate, func() error {
		vr = validate.Validate(data, p.bundle.Schema)
		if !vr.Passed {
			// Kept in the unsealed directory for diagnosis; a rerun discards it.
			_, _ = artifact.WriteJSON(p.runDir, artifact.ValidationReportFile, vr)
			return domain.SchemaViolationError{Report: vr}
		}
		return r.advance(domain.StateValidated, events.RunValidated, domain.StageValidate, events.EventPayload{
			"row_count":    vr.RowCount,
			"column_count": vr.ColumnCount,
		})
	})
	if err != nil {
		out := r.result()
		out.Validation = &vr
		return out, err
	}

	var er domain.EvaluationReport
	err = r.stage(domain.StageEvaluate, func() error {
		rep, err := r.e.evaluator().Evaluate(data, p.bundle.Schema, vr, prior)
		if err != nil {
			return err
		}
		rep.ProfilingDegradedReasons = append(rep.ProfilingDegradedReasons, p.warnings...)
		er = rep
		payload := events.EventPayload{"mean_completeness": rep.MeanCompleteness}
		if rep.Drift != nil {
			payload["drifted_columns"] = rep.Drift.DriftedColumns
			if len(rep.Drift.DriftedColumns) > 0 {
				r.log.Warn("drift_detected", "prior_version", rep.Drift.PriorVersion, "columns", rep.Drift.DriftedColumns)
			}
		}
		return r.advance(domain.StateEvaluated, events.RunEvaluated, domain.StageEvaluate, payload)
	})
	if err != nil {
		return r.result(), err
	}

	var fm domain.FinalMetadata
	err = r.stage(domain.StageFinalize, func() error {
		f := artifact.Finalizer{Now: r.e.now}
		sealed, err := f.Finalize(p.runDir, artifact.Output{
			Dataset:    res.Dataset,
			Version:    res.Version,
			Origin:     p.origin,
			ConfigHash: res.ConfigHash,
			Format:     p.bundle.Dataset.Format,
			Schema:     p.bundle.Schema,
			Data:       data,
			Validation: vr,
			Evaluation: er,
			Prior:      prior,
		})
		if err != nil {
			return err
		}
		fm = sealed
		return r.advance(domain.StateFinalized, events.RunFinalized, domain.StageFinalize, sealedPayload(fm))
	})
	if err != nil {
		return r.result(), err
	}

	err = r.stage(domain.StageRegister, func() error {
		if err := r.register(fm); err != nil {
			return err
		}
		return r.advance(domain.StateRegistered, events.RunRegistered, domain.StageRegister, sealedPayload(fm))
	})
	out := r.result()
	out.Final = fm
	out.Validation = &vr
	out.Evaluation = &er
	return out, err
}

func (r *run) register(fm domain.FinalMetadata) error {
	return r.e.Registry.Append(fm.Dataset, domain.RegistryVersion{
		Version:     fm.Version,
		ContentHash: fm.ContentHash,
		ConfigHash:  fm.ConfigHash,
		Status:      domain.StatusFinalized,
		FinalizedAt: fm.FinalizedAt,
		RunDir:      r.plan.relDir,
	})
}

// replay reproduces a sealed version in memory and checks it hashes to the
// sealed content hash. Nothing in the run directory is written. A sealed but
// unregistered version is registered.
func (r *run) replay() (Result, error) {
	p := r.plan
	sealed := p.res.Sealed
	err := r.stage(domain.StageResolve, func() error {
		return r.advance(domain.StateResolved, events.RunResolved, domain.StageResolve, events.EventPayload{
			"mode":        string(p.res.Mode),
			"config_hash": p.res.ConfigHash,
		})
	})
	if err != nil {
		return r.result(), err
	}

	stage := domain.StageGenerate
	if p.input != nil {
		stage = domain.StageIngest
	}
	err = r.stage(stage, func() error {
		t, err := r.produce()
		if err != nil {
			return err
		}
		got, _, err := t.ContentHash(p.bundle.Schema)
		if err != nil {
			return err
		}
		if got != sealed.ContentHash {
			return domain.ReproducibilityError{Version: p.res.Version, SealedHash: sealed.ContentHash, ReplayedHash: got}
		}
		return nil
	})
	if err != nil {
		return r.result(), err
	}

	// The sealed version is immutable; the run reports its terminal state.
	r.state = domain.StateFinalized
	if p.res.Unregistered {
		err = r.stage(domain.StageRegister, func() error {
			if err := r.register(*sealed); err != nil {
				return err
			}
			return r.advance(domain.StateRegistered, events.RunRegistered, domain.StageRegister, sealedPayload(*sealed))
		})
		if err != nil {
			return r.result(), err
		}
	} else {
		r.state = domain.StateRegistered
	}
	r.log.Info("replay_verified", "content_hash", sealed.ContentHash)
	r.e.record(r.ctx, r.entry(events.RunReplayed, ""), sealedPayload(*sealed))

	out := r.result()
	out.Final = *sealed
	return out, nil
}
