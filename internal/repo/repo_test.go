package repo_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthgen/internal/db"
	"synthgen/internal/events"
	"synthgen/internal/migrate"
	"synthgen/internal/repo"
)

func newLedger(t *testing.T) (repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	// A second migrate is a no-op.
	require.NoError(t, migrate.Migrate(conn))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return repo.Repo{DB: conn}, events.Writer{DB: conn, Now: func() time.Time { return now }}
}

func TestAppendAndFilterEvents(t *testing.T) {
	r, w := newLedger(t)
	ctx := context.Background()
	for _, e := range []events.Entry{
		{Type: events.RunStarted, Dataset: "payments", Version: "v1", RunID: "r1"},
		{Type: events.RunResolved, Dataset: "payments", Version: "v1", Stage: "version_resolution", RunID: "r1"},
		{Type: events.RunFailed, Dataset: "payments", Version: "v2", Stage: "validation", RunID: "r2"},
		{Type: events.RunVerified, Dataset: "orders", Version: "v1"},
	} {
		require.NoError(t, w.Append(ctx, nil, e, events.EventPayload{"run": e.RunID}))
	}

	all, err := r.LatestEvents(ctx, 10, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, events.RunVerified, all[0].Type, "newest first")
	assert.Equal(t, "", all[0].RunID)

	failed, err := r.LatestEvents(ctx, 10, repo.EventFilter{Dataset: "payments", Type: events.RunFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "validation", failed[0].Stage)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(failed[0].Payload), &payload))
	assert.Equal(t, "r2", payload["run"])

	run, err := r.RunEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, run, 2)
	assert.Equal(t, events.RunStarted, run[0].Type, "oldest first")
	assert.Equal(t, "2025-01-01T00:00:00Z", run[0].TS)

	_, err = r.RunEvents(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEventPaging(t *testing.T) {
	r, w := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(ctx, nil, events.Entry{Type: events.RunStarted, Dataset: "payments"}, nil))
	}
	page, err := r.LatestEventsFrom(ctx, 2, 0, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	next, err := r.LatestEventsFrom(ctx, 10, page[1].ID, repo.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, next, 3)
	assert.Less(t, next[0].ID, page[1].ID)

	after, err := r.EventsAfter(ctx, 10, page[1].ID, repo.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, after, 1)
}

func TestAppendInsideTransaction(t *testing.T) {
	r, w := newLedger(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, events.Entry{Type: events.RunStarted, Dataset: "payments"}, nil))
	require.NoError(t, tx.Rollback())

	all, err := r.LatestEvents(ctx, 10, repo.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
