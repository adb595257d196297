// Package artifact owns the run directory: its layout, the atomic writes that
// fill it and the sealing marker that freezes it.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"synthgen/internal/config"
	"synthgen/internal/domain"
	"synthgen/internal/fsutil"
	"synthgen/internal/schema"
	"synthgen/internal/table"
)

const (
	DataCSV              = "data.csv"
	DataParquet          = "data.parquet"
	ConfigsSnapshotFile  = "configs_snapshot.json"
	RunMetadataFile      = "run_metadata.json"
	ValidationReportFile = "validation_report.json"
	EvaluationReportFile = "evaluation_report.json"
	PriorProfileFile     = "prior_profile.json"
	FinalMetadataFile    = "final_metadata.json"
)

// ErrSealed is returned when a write targets a finalized run directory.
var ErrSealed = errors.New("run directory is sealed")

func RunDir(runsRoot, dataset, version string) string {
	return filepath.Join(runsRoot, dataset, version)
}

func FinalMetadataPath(runDir string) string {
	return filepath.Join(runDir, FinalMetadataFile)
}

// ReadFinalMetadata loads the sealing marker. A missing marker yields an
// error matching os.ErrNotExist.
func ReadFinalMetadata(runDir string) (*domain.FinalMetadata, error) {
	path := FinalMetadataPath(runDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, domain.IOError{Op: "read", Path: path, Err: err}
	}
	var fm domain.FinalMetadata
	if err := json.Unmarshal(raw, &fm); err != nil {
		return nil, domain.IOError{Op: "decode", Path: path, Err: err}
	}
	return &fm, nil
}

func Sealed(runDir string) (bool, error) {
	_, err := os.Stat(FinalMetadataPath(runDir))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, domain.IOError{Op: "stat", Path: FinalMetadataPath(runDir), Err: err}
}

// Prepare leaves an empty run directory behind. Partial output from an
// abandoned run is discarded; a sealed directory is never touched.
func Prepare(runDir string) error {
	sealed, err := Sealed(runDir)
	if err != nil {
		return err
	}
	if sealed {
		return fmt.Errorf("%s: %w", runDir, ErrSealed)
	}
	if err := os.RemoveAll(runDir); err != nil {
		return domain.IOError{Op: "remove", Path: runDir, Err: err}
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return domain.IOError{Op: "mkdir", Path: runDir, Err: err}
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON and returns the SHA-256 of
// the bytes written.
func WriteJSON(runDir, name string, v any) (string, error) {
	raw, err := encodeJSON(v)
	if err != nil {
		return "", err
	}
	return writeFile(runDir, name, raw)
}

func ReadJSON(runDir, name string, v any) error {
	path := filepath.Join(runDir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return domain.IOError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.IOError{Op: "decode", Path: path, Err: err}
	}
	return nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFile(runDir, name string, data []byte) (string, error) {
	path := filepath.Join(runDir, name)
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return "", domain.IOError{Op: "write", Path: path, Err: err}
	}
	return table.HashBytes(data), nil
}

// Output is everything a finished pipeline hands to the Finalizer.
type Output struct {
	Dataset    string
	Version    string
	Origin     string
	ConfigHash string
	Format     string
	Schema     schema.Schema
	Data       *table.Table
	Validation domain.ValidationReport
	Evaluation domain.EvaluationReport
	Prior      *domain.PriorProfile
}

type Finalizer struct {
	Now func() time.Time
}

// Finalize writes the data file and reports, hashes the canonical data bytes
// and writes final_metadata.json last. The snapshot and run metadata are
// expected in runDir already; their digests are included in the seal.
func (f Finalizer) Finalize(runDir string, out Output) (domain.FinalMetadata, error) {
	sealed, err := Sealed(runDir)
	if err != nil {
		return domain.FinalMetadata{}, err
	}
	if sealed {
		return domain.FinalMetadata{}, fmt.Errorf("%s: %w", runDir, ErrSealed)
	}

	contentHash, data, err := out.Data.ContentHash(out.Schema)
	if err != nil {
		return domain.FinalMetadata{}, fmt.Errorf("encode data: %w", err)
	}
	written, err := writeFile(runDir, DataCSV, data)
	if err != nil {
		return domain.FinalMetadata{}, err
	}
	if written != contentHash {
		return domain.FinalMetadata{}, domain.IOError{Op: "write", Path: filepath.Join(runDir, DataCSV), Err: errors.New("written bytes differ from canonical encoding")}
	}

	var exports map[string]string
	if out.Format == config.FormatParquet {
		pq, err := out.Data.EncodeParquet(out.Schema)
		if err != nil {
			return domain.FinalMetadata{}, fmt.Errorf("encode parquet: %w", err)
		}
		digest, err := writeFile(runDir, DataParquet, pq)
		if err != nil {
			return domain.FinalMetadata{}, err
		}
		exports = map[string]string{DataParquet: digest}
	}

	if _, err := WriteJSON(runDir, ValidationReportFile, out.Validation); err != nil {
		return domain.FinalMetadata{}, err
	}
	if _, err := WriteJSON(runDir, EvaluationReportFile, out.Evaluation); err != nil {
		return domain.FinalMetadata{}, err
	}
	if out.Prior != nil {
		if _, err := WriteJSON(runDir, PriorProfileFile, out.Prior); err != nil {
			return domain.FinalMetadata{}, err
		}
	}

	digests, err := reportDigests(runDir)
	if err != nil {
		return domain.FinalMetadata{}, err
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	fm := domain.FinalMetadata{
		Dataset:       out.Dataset,
		Version:       out.Version,
		Origin:        out.Origin,
		ContentHash:   contentHash,
		ConfigHash:    out.ConfigHash,
		FinalizedAt:   now().UTC().Format(time.RFC3339),
		DataFile:      DataCSV,
		RowCount:      out.Data.Len(),
		ColumnCount:   len(out.Data.Columns),
		ReportDigests: digests,
		Exports:       exports,
	}
	if _, err := WriteJSON(runDir, FinalMetadataFile, fm); err != nil {
		return domain.FinalMetadata{}, err
	}
	return fm, nil
}

// reportFiles are digested into the seal when present.
var reportFiles = []string{
	ConfigsSnapshotFile,
	RunMetadataFile,
	ValidationReportFile,
	EvaluationReportFile,
	PriorProfileFile,
}

func reportDigests(runDir string) (map[string]string, error) {
	out := map[string]string{}
	for _, name := range reportFiles {
		raw, err := os.ReadFile(filepath.Join(runDir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, domain.IOError{Op: "read", Path: filepath.Join(runDir, name), Err: err}
		}
		out[name] = table.HashBytes(raw)
	}
	return out, nil
}

// Verification is the outcome of re-hashing a sealed run directory.
type Verification struct {
	Dataset     string   `json:"dataset"`
	Version     string   `json:"version"`
	ContentHash string   `json:"content_hash"`
	OK          bool     `json:"ok"`
	Mismatches  []string `json:"mismatches,omitempty"`
}

// Verify recomputes the data hash, every report digest and every export
// digest of a sealed run and compares them with the seal and, when given,
// the registry record.
func Verify(runDir string, registered *domain.RegistryVersion) (Verification, error) {
	fm, err := ReadFinalMetadata(runDir)
	if err != nil {
		return Verification{}, err
	}
	res := Verification{Dataset: fm.Dataset, Version: fm.Version, ContentHash: fm.ContentHash}

	check := func(name, want string) {
		raw, err := os.ReadFile(filepath.Join(runDir, name))
		if err != nil {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf("%s: %v", name, err))
			return
		}
		if got := table.HashBytes(raw); got != want {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf("%s: digest %s, sealed %s", name, got, want))
		}
	}
	dataFile := fm.DataFile
	if dataFile == "" {
		dataFile = DataCSV
	}
	check(dataFile, fm.ContentHash)
	for _, group := range []map[string]string{fm.ReportDigests, fm.Exports} {
		names := make([]string, 0, len(group))
		for name := range group {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			check(name, group[name])
		}
	}
	if registered != nil {
		if registered.ContentHash != fm.ContentHash {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf("registry content hash %s, sealed %s", registered.ContentHash, fm.ContentHash))
		}
		if registered.ConfigHash != fm.ConfigHash {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf("registry config hash %s, sealed %s", registered.ConfigHash, fm.ConfigHash))
		}
	}
	res.OK = len(res.Mismatches) == 0
	return res, nil
}
