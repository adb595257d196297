// Package registry is the append-only catalog of finalized dataset versions,
// persisted as a single JSON document.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"synthgen/internal/domain"
	"synthgen/internal/fsutil"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("version already registered")
)

// FileName is the catalog document under the registry directory.
const FileName = "datasets.json"

type document struct {
	Datasets map[string]*datasetDoc `json:"datasets"`
}

type datasetDoc struct {
	LatestVersion string                   `json:"latest_version"`
	Versions      []domain.RegistryVersion `json:"versions"`
}

// Registry reads and appends to <dir>/datasets.json. Writers serialize on a
// lock file next to the document.
type Registry struct {
	Dir string
	// LockTimeout bounds how long Append waits for the lock. A lock file older
	// than StaleAfter is treated as abandoned.
	LockTimeout time.Duration
	StaleAfter  time.Duration
}

func New(dir string) *Registry {
	return &Registry{Dir: dir, LockTimeout: 10 * time.Second, StaleAfter: 2 * time.Minute}
}

func (r *Registry) Path() string { return filepath.Join(r.Dir, FileName) }

func (r *Registry) load() (*document, error) {
	doc := &document{Datasets: map[string]*datasetDoc{}}
	raw, err := os.ReadFile(r.Path())
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, domain.IOError{Op: "read", Path: r.Path(), Err: err}
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, domain.IOError{Op: "decode", Path: r.Path(), Err: err}
	}
	if doc.Datasets == nil {
		doc.Datasets = map[string]*datasetDoc{}
	}
	return doc, nil
}

// List returns every dataset entry sorted by name.
func (r *Registry) List() ([]domain.RegistryEntry, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doc.Datasets))
	for name := range doc.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]domain.RegistryEntry, 0, len(names))
	for _, name := range names {
		out = append(out, entryOf(name, doc.Datasets[name]))
	}
	return out, nil
}

// Get returns the entry for one dataset, or ErrNotFound.
func (r *Registry) Get(dataset string) (domain.RegistryEntry, error) {
	doc, err := r.load()
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	d, ok := doc.Datasets[dataset]
	if !ok {
		return domain.RegistryEntry{}, ErrNotFound
	}
	return entryOf(dataset, d), nil
}

// Lookup reports whether dataset/version is registered.
func (r *Registry) Lookup(dataset, version string) (domain.RegistryVersion, bool, error) {
	entry, err := r.Get(dataset)
	if errors.Is(err, ErrNotFound) {
		return domain.RegistryVersion{}, false, nil
	}
	if err != nil {
		return domain.RegistryVersion{}, false, err
	}
	for _, v := range entry.Versions {
		if v.Version == version {
			return v, true, nil
		}
	}
	return domain.RegistryVersion{}, false, nil
}

// Append records a finalized version. Existing entries are never modified; a
// second append of the same version fails with ErrDuplicate.
func (r *Registry) Append(dataset string, v domain.RegistryVersion) error {
	if v.Status == "" {
		v.Status = domain.StatusFinalized
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return domain.IOError{Op: "mkdir", Path: r.Dir, Err: err}
	}
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	d, ok := doc.Datasets[dataset]
	if !ok {
		d = &datasetDoc{}
		doc.Datasets[dataset] = d
	}
	for _, existing := range d.Versions {
		if existing.Version == v.Version {
			return fmt.Errorf("%s/%s: %w", dataset, v.Version, ErrDuplicate)
		}
	}
	d.Versions = append(d.Versions, v)
	d.LatestVersion = v.Version

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(r.Path(), append(raw, '\n')); err != nil {
		return domain.IOError{Op: "write", Path: r.Path(), Err: err}
	}
	return nil
}

// PriorFinalized returns the finalized version appended immediately before
// current, or the latest one when current is not registered. ok is false when
// none exists.
func PriorFinalized(entry domain.RegistryEntry, current string) (domain.RegistryVersion, bool) {
	end := len(entry.Versions)
	for i, v := range entry.Versions {
		if v.Version == current {
			end = i
			break
		}
	}
	for i := end - 1; i >= 0; i-- {
		if v := entry.Versions[i]; v.Status == domain.StatusFinalized {
			return v, true
		}
	}
	return domain.RegistryVersion{}, false
}

func entryOf(name string, d *datasetDoc) domain.RegistryEntry {
	versions := append([]domain.RegistryVersion(nil), d.Versions...)
	if versions == nil {
		versions = []domain.RegistryVersion{}
	}
	return domain.RegistryEntry{Dataset: name, LatestVersion: d.LatestVersion, Versions: versions}
}

func (r *Registry) lock() (func(), error) {
	path := r.Path() + ".lock"
	deadline := time.Now().Add(r.LockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, domain.IOError{Op: "lock", Path: path, Err: err}
		}
		if st, statErr := os.Stat(path); statErr == nil && r.StaleAfter > 0 && time.Since(st.ModTime()) > r.StaleAfter {
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, domain.IOError{Op: "lock", Path: path, Err: errors.New("timed out waiting for registry lock")}
		}
		time.Sleep(20 * time.Millisecond)
	}
}
