// Package events appends run ledger entries.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types, one per state transition plus replay and restart markers.
const (
	RunStarted    = "run.started"
	RunRestarted  = "run.restarted"
	RunResolved   = "run.resolved"
	RunProfiled   = "run.profiled"
	RunGenerated  = "run.generated"
	RunIngested   = "run.ingested"
	RunValidated  = "run.validated"
	RunEvaluated  = "run.evaluated"
	RunFinalized  = "run.finalized"
	RunRegistered = "run.registered"
	RunReplayed   = "run.replayed"
	RunFailed     = "run.failed"
	RunVerified   = "run.verified"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry identifies what an event is about.
type Entry struct {
	Type    string
	Dataset string
	Version string
	Stage   string
	RunID   string
}

// Append inserts one event. A nil tx writes outside a transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,dataset,version,stage,run_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, e.Type, e.Dataset, nullable(e.Version), nullable(e.Stage), nullable(e.RunID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
