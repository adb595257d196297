package engine

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"synthgen/internal/app"
	"synthgen/internal/artifact"
	"synthgen/internal/config"
	"synthgen/internal/domain"
	"synthgen/internal/evaluate"
	"synthgen/internal/events"
	"synthgen/internal/profile"
	"synthgen/internal/registry"
	"synthgen/internal/repo"
	"synthgen/internal/table"
	"synthgen/internal/version"
)

const (
	OriginGenerated = "generated"
	OriginIngested  = "ingested"
)

// Engine runs the dataset pipeline against one workspace. DB is the audit
// ledger and may be nil.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Layout   app.Layout
	Settings config.Settings
	Registry *registry.Registry
	Logger   *slog.Logger
	Now      func() time.Time

	// interrupt, when set, is called after each stage completes; a non-nil
	// return aborts the run without marking it failed, like a killed process.
	interrupt func(stage string) error
}

func New(db *sql.DB, settings config.Settings, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	layout := app.NewLayout(settings.Workspace)
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Layout:   layout,
		Settings: settings,
		Registry: registry.New(layout.Registry()),
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Init scaffolds an example configuration bundle for dataset.
func (e Engine) Init(dataset string) ([]string, error) {
	dir, err := e.Layout.DatasetDir(dataset)
	if err != nil {
		return nil, err
	}
	return config.Scaffold(dir, dataset)
}

// Result summarizes one pipeline invocation.
type Result struct {
	Dataset    string                   `json:"dataset"`
	Version    string                   `json:"version"`
	RunID      string                   `json:"run_id"`
	RunDir     string                   `json:"run_dir"`
	Origin     string                   `json:"origin"`
	Mode       version.Mode             `json:"mode"`
	State      domain.RunState          `json:"state"`
	Final      domain.FinalMetadata     `json:"final_metadata"`
	Validation *domain.ValidationReport `json:"validation,omitempty"`
	Evaluation *domain.EvaluationReport `json:"evaluation,omitempty"`
	Warnings   []string                 `json:"warnings,omitempty"`
}

type RunOptions struct {
	Dataset string
	Version string
}

// Run generates, validates, evaluates, seals and registers one version.
// A sealed version with an unchanged config is replayed instead: its data is
// regenerated in memory and must hash to the sealed content hash.
func (e Engine) Run(ctx context.Context, opts RunOptions) (Result, error) {
	p, err := e.plan(opts.Dataset, opts.Version, OriginGenerated, nil)
	if err != nil {
		return Result{}, e.planFailed(ctx, opts.Dataset, opts.Version, err)
	}
	return e.execute(ctx, p)
}

type IngestOptions struct {
	Dataset string
	Version string
	Input   string
}

// Ingest runs the pipeline on an external CSV in place of generation.
func (e Engine) Ingest(ctx context.Context, opts IngestOptions) (Result, error) {
	raw, err := os.ReadFile(opts.Input)
	switch {
	case errors.Is(err, os.ErrNotExist):
		err = domain.ConfigError{Field: "input", Reason: fmt.Sprintf("input file %s not found", opts.Input)}
	case err != nil:
		err = domain.IOError{Op: "read", Path: opts.Input, Err: err}
	case len(bytes.TrimSpace(raw)) == 0:
		err = domain.ConfigError{Field: "input", Reason: "input file is empty"}
	}
	if err != nil {
		return Result{}, e.planFailed(ctx, opts.Dataset, opts.Version, stageErr(domain.StageIngest, opts.Dataset, opts.Version, err))
	}
	p, err := e.plan(opts.Dataset, opts.Version, OriginIngested, &ingestInput{path: opts.Input, data: raw})
	if err != nil {
		return Result{}, e.planFailed(ctx, opts.Dataset, opts.Version, err)
	}
	return e.execute(ctx, p)
}

type ingestInput struct {
	path string
	data []byte
}

// plan holds everything decided before the run directory is touched.
type plan struct {
	bundle   *config.Bundle
	frozen   map[string]any
	res      version.Resolution
	origin   string
	input    *ingestInput
	runDir   string
	relDir   string
	warnings []string
}

const inputDigestKey = "input_sha256"

func (e Engine) plan(dataset, requested, origin string, input *ingestInput) (*plan, error) {
	dir, err := e.Layout.DatasetDir(dataset)
	if err != nil {
		return nil, stageErr(domain.StageResolve, dataset, requested, domain.ConfigError{Field: "dataset", Reason: err.Error()})
	}
	bundle, err := config.LoadBundle(dir)
	if err != nil {
		return nil, stageErr(domain.StageResolve, dataset, requested, err)
	}
	frozen := make(map[string]any, 4)
	for k, v := range bundle.Snapshot() {
		frozen[k] = v
	}
	if input != nil {
		frozen[inputDigestKey] = table.HashBytes(input.data)
	}
	configHash, err := version.ConfigHash(frozen)
	if err != nil {
		return nil, stageErr(domain.StageResolve, dataset, requested, err)
	}
	resolver := version.Resolver{Catalog: e.Registry, Now: e.now}
	res, err := resolver.Resolve(dataset, requested, configHash, e.Layout.Runs())
	if err != nil {
		return nil, stageErr(domain.StageResolve, dataset, requested, err)
	}
	return &plan{
		bundle: bundle,
		frozen: frozen,
		res:    res,
		origin: origin,
		input:  input,
		runDir: artifact.RunDir(e.Layout.Runs(), dataset, res.Version),
		relDir: e.Layout.RelRunDir(dataset, res.Version),
	}, nil
}

// planFailed logs and records a run that never got past version resolution.
func (e Engine) planFailed(ctx context.Context, dataset, requested string, err error) error {
	stage := domain.StageResolve
	var se *domain.StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	e.logger().Error("stage_error", "stage", stage, "dataset", dataset, "version", requested, "error", err.Error())
	e.record(ctx, events.Entry{Type: events.RunFailed, Dataset: dataset, Version: requested, Stage: stage}, events.EventPayload{"error": err.Error()})
	return err
}

func (e Engine) execute(ctx context.Context, p *plan) (Result, error) {
	r := &run{
		e:       e,
		ctx:     ctx,
		plan:    p,
		runID:   uuid.NewString(),
		state:   domain.StatePending,
		started: e.now(),
	}
	r.log = e.logger().With("dataset", p.res.Dataset, "version", p.res.Version, "run_id", r.runID, "run_dir", p.runDir)
	r.log.Info("pipeline_start", "mode", string(p.res.Mode), "origin", p.origin, "config_hash", p.res.ConfigHash)
	e.record(ctx, r.entry(events.RunStarted, ""), events.EventPayload{
		"mode":        string(p.res.Mode),
		"origin":      p.origin,
		"config_hash": p.res.ConfigHash,
	})

	var (
		res Result
		err error
	)
	if p.res.Mode == version.ModeReplay {
		res, err = r.replay()
	} else {
		res, err = r.pipeline()
	}
	if err != nil {
		r.log.Error("pipeline_end", "state", string(r.state), "error", err.Error())
		return res, err
	}
	r.log.Info("pipeline_end", "state", string(r.state), "content_hash", res.Final.ContentHash,
		"duration_ms", e.now().Sub(r.started).Milliseconds())
	return res, nil
}

// Verify re-hashes a sealed version and compares it with its seal and the
// registry record.
func (e Engine) Verify(ctx context.Context, dataset, ver string) (artifact.Verification, error) {
	if err := config.ValidateName(dataset); err != nil {
		return artifact.Verification{}, domain.ConfigError{Field: "dataset", Reason: err.Error()}
	}
	if err := config.ValidateName(ver); err != nil {
		return artifact.Verification{}, domain.ConfigError{Field: "version", Reason: err.Error()}
	}
	rv, registered, err := e.Registry.Lookup(dataset, ver)
	if err != nil {
		return artifact.Verification{}, err
	}
	var rec *domain.RegistryVersion
	if registered {
		rec = &rv
	}
	runDir := artifact.RunDir(e.Layout.Runs(), dataset, ver)
	v, err := artifact.Verify(runDir, rec)
	if errors.Is(err, os.ErrNotExist) {
		return artifact.Verification{}, fmt.Errorf("%s/%s is not finalized: %w", dataset, ver, registry.ErrNotFound)
	}
	if err != nil {
		return artifact.Verification{}, err
	}
	if !registered {
		v.Mismatches = append(v.Mismatches, "sealed version has no registry entry")
		v.OK = false
	}
	e.record(ctx, events.Entry{Type: events.RunVerified, Dataset: dataset, Version: ver}, events.EventPayload{
		"ok":         v.OK,
		"mismatches": v.Mismatches,
	})
	return v, nil
}

// record appends a ledger event. The ledger is audit only; failures are logged.
func (e Engine) record(ctx context.Context, entry events.Entry, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(ctx, nil, entry, payload); err != nil {
		e.logger().Warn("ledger_append_failed", "type", entry.Type, "dataset", entry.Dataset, "version", entry.Version, "error", err.Error())
	}
}

func stageErr(stage, dataset, ver string, err error) error {
	var se *domain.StageError
	if errors.As(err, &se) {
		return err
	}
	return &domain.StageError{Stage: stage, Dataset: dataset, Version: ver, Err: err}
}

// sealedPayload summarizes a seal for ledger events.
func sealedPayload(fm domain.FinalMetadata) events.EventPayload {
	return events.EventPayload{
		"content_hash": fm.ContentHash,
		"config_hash":  fm.ConfigHash,
		"row_count":    fm.RowCount,
	}
}

func (e Engine) profiler() profile.Profiler {
	return profile.Profiler{Catalog: e.Registry, RunsRoot: e.Layout.Runs(), CardinalityCap: e.Settings.CardinalityCap}
}

func (e Engine) evaluator() evaluate.Evaluator {
	th := e.Settings.Drift
	if th == (config.Thresholds{}) {
		th = config.DefaultThresholds()
	}
	return evaluate.Evaluator{Thresholds: th, CardinalityCap: e.Settings.CardinalityCap}
}
