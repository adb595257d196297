package registry_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthgen/internal/domain"
	"synthgen/internal/registry"
)

func ver(v string) domain.RegistryVersion {
	return domain.RegistryVersion{Version: v, ContentHash: "c-" + v, ConfigHash: "k-" + v, FinalizedAt: "2025-01-01T00:00:00Z", RunDir: "runs/ds/" + v}
}

func TestAppendCreatesDatasetImplicitly(t *testing.T) {
	r := registry.New(t.TempDir())

	list, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, r.Append("payments", ver("v1")))
	require.NoError(t, r.Append("payments", ver("v2")))

	entry, err := r.Get("payments")
	require.NoError(t, err)
	assert.Equal(t, "v2", entry.LatestVersion)
	require.Len(t, entry.Versions, 2)
	assert.Equal(t, "v1", entry.Versions[0].Version)
	assert.Equal(t, domain.StatusFinalized, entry.Versions[0].Status)

	_, err = r.Get("other")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestAppendRejectsDuplicateAndKeepsOriginal(t *testing.T) {
	r := registry.New(t.TempDir())
	require.NoError(t, r.Append("payments", ver("v1")))

	dup := ver("v1")
	dup.ContentHash = "tampered"
	err := r.Append("payments", dup)
	require.ErrorIs(t, err, registry.ErrDuplicate)

	got, ok, err := r.Lookup("payments", "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c-v1", got.ContentHash)
}

func TestLookupMissing(t *testing.T) {
	r := registry.New(t.TempDir())
	_, ok, err := r.Lookup("payments", "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAppendsKeepEveryEntry(t *testing.T) {
	r := registry.New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- r.Append("payments", ver(fmt.Sprintf("v%02d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	entry, err := r.Get("payments")
	require.NoError(t, err)
	assert.Len(t, entry.Versions, 8)
}

func TestStaleLockIsBroken(t *testing.T) {
	dir := t.TempDir()
	r := registry.New(dir)
	r.StaleAfter = time.Millisecond
	lock := filepath.Join(dir, registry.FileName+".lock")
	require.NoError(t, os.WriteFile(lock, []byte("1\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	require.NoError(t, r.Append("payments", ver("v1")))
	_, err := os.Stat(lock)
	assert.True(t, os.IsNotExist(err))
}

func TestPriorFinalized(t *testing.T) {
	entry := domain.RegistryEntry{Dataset: "payments"}
	_, ok := registry.PriorFinalized(entry, "v1")
	assert.False(t, ok)

	for _, v := range []string{"v1", "v2", "v3"} {
		rv := ver(v)
		rv.Status = domain.StatusFinalized
		entry.Versions = append(entry.Versions, rv)
	}
	prior, ok := registry.PriorFinalized(entry, "v4")
	require.True(t, ok)
	assert.Equal(t, "v3", prior.Version)

	prior, ok = registry.PriorFinalized(entry, "v2")
	require.True(t, ok)
	assert.Equal(t, "v1", prior.Version)

	_, ok = registry.PriorFinalized(entry, "v1")
	assert.False(t, ok)
}
