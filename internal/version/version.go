// Package version turns a dataset name and requested version into a canonical
// identifier, a deterministic seed, and a decision about how the run proceeds.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gowebpki/jcs"

	"synthgen/internal/artifact"
	"synthgen/internal/config"
	"synthgen/internal/domain"
)

// TimestampLayout is the fixed-width UTC layout of derived versions.
const TimestampLayout = "2006-01-02T15-04-05Z"

type Mode string

const (
	// ModeFresh: nothing exists for this version yet.
	ModeFresh Mode = "fresh"
	// ModeRestart: a crashed, unsealed run directory exists and must be discarded.
	ModeRestart Mode = "restart"
	// ModeReplay: the version is sealed with the same config hash.
	ModeReplay Mode = "replay"
)

// Catalog is the registry query the resolver needs.
type Catalog interface {
	Lookup(dataset, version string) (domain.RegistryVersion, bool, error)
}

type Resolution struct {
	Dataset    string
	Version    string
	Seed       [32]byte
	ConfigHash string
	Mode       Mode
	// Sealed is the existing final metadata on replay.
	Sealed *domain.FinalMetadata
	// Unregistered is set when a sealed run directory has no registry entry yet.
	Unregistered bool
}

func (r Resolution) SeedHex() string { return hex.EncodeToString(r.Seed[:]) }

type Resolver struct {
	Catalog Catalog
	Now     func() time.Time
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve picks the version identifier and decides fresh, restart or replay.
// A sealed version whose stored config hash differs from configHash fails with
// ImmutabilityViolationError.
func (r Resolver) Resolve(dataset, requested, configHash, runsRoot string) (Resolution, error) {
	if err := config.ValidateName(dataset); err != nil {
		return Resolution{}, domain.ConfigError{Field: "dataset", Reason: err.Error()}
	}
	v := requested
	if v == "" {
		v = TimestampVersion(r.now())
	} else if err := config.ValidateName(v); err != nil {
		return Resolution{}, domain.ConfigError{Field: "version", Reason: err.Error()}
	}
	res := Resolution{
		Dataset:    dataset,
		Version:    v,
		Seed:       Seed(dataset, v),
		ConfigHash: configHash,
		Mode:       ModeFresh,
	}
	runDir := artifact.RunDir(runsRoot, dataset, v)

	entry, registered, err := r.Catalog.Lookup(dataset, v)
	if err != nil {
		return Resolution{}, err
	}
	sealed, err := artifact.ReadFinalMetadata(runDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Resolution{}, err
	}

	switch {
	case registered:
		if entry.ConfigHash != configHash {
			return Resolution{}, domain.ImmutabilityViolationError{Dataset: dataset, Version: v, StoredHash: entry.ConfigHash, CurrentHash: configHash}
		}
		if sealed == nil {
			return Resolution{}, domain.IOError{Op: "read", Path: artifact.FinalMetadataPath(runDir), Err: fmt.Errorf("registered version has no sealing marker: %w", os.ErrNotExist)}
		}
		res.Mode = ModeReplay
		res.Sealed = sealed
	case sealed != nil:
		if sealed.ConfigHash != configHash {
			return Resolution{}, domain.ImmutabilityViolationError{Dataset: dataset, Version: v, StoredHash: sealed.ConfigHash, CurrentHash: configHash}
		}
		res.Mode = ModeReplay
		res.Sealed = sealed
		res.Unregistered = true
	default:
		if _, err := os.Stat(runDir); err == nil {
			res.Mode = ModeRestart
		} else if !errors.Is(err, os.ErrNotExist) {
			return Resolution{}, domain.IOError{Op: "stat", Path: runDir, Err: err}
		}
	}
	return res, nil
}

// Seed is SHA-256(dataset + ":" + version).
func Seed(dataset, version string) [32]byte {
	return sha256.Sum256([]byte(dataset + ":" + version))
}

func TimestampVersion(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ConfigHash is the hex SHA-256 of the RFC 8785 canonical JSON of v.
func ConfigHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal config snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize config snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
