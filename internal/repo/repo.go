// Package repo reads the run ledger.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"synthgen/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// EventFilter narrows ledger queries. Empty fields match everything.
type EventFilter struct {
	Dataset string
	Version string
	Type    string
	RunID   string
}

func (f EventFilter) where(cursorClause string, cursor int64) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	for _, c := range []struct {
		col string
		val string
	}{{"dataset", f.Dataset}, {"version", f.Version}, {"type", f.Type}, {"run_id", f.RunID}} {
		if c.val != "" {
			clauses = append(clauses, c.col+"=?")
			args = append(args, c.val)
		}
	}
	if cursor > 0 {
		clauses = append(clauses, cursorClause)
		args = append(args, cursor)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

const eventColumns = `id,ts,type,dataset,COALESCE(version,''),COALESCE(stage,''),COALESCE(run_id,''),payload_json`

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom pages backwards from cursor (exclusive).
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := f.where("id<?", cursor)
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := f.where("id>?", cursor)
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id ASC LIMIT ?`, eventColumns, where)
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// RunEvents returns every event of one run in order.
func (r Repo) RunEvents(ctx context.Context, runID string) ([]domain.Event, error) {
	if runID == "" {
		return nil, ErrNotFound
	}
	events, err := r.EventsAfter(ctx, 1000, 0, EventFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Dataset, &e.Version, &e.Stage, &e.RunID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
