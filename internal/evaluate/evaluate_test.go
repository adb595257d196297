package evaluate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthgen/internal/config"
	"synthgen/internal/domain"
	"synthgen/internal/evaluate"
	"synthgen/internal/profile"
	"synthgen/internal/schema"
	"synthgen/internal/table"
	"synthgen/internal/validate"
)

var testSchema = schema.MustNew(
	schema.Column{Name: "amount", Type: schema.TypeFloat},
	schema.Column{Name: "note", Type: schema.TypeString, Nullable: true},
)

// rows builds n rows where the first nullNotes notes are null.
func rows(n, nullNotes int) *table.Table {
	t := table.New([]string{"amount", "note"}, n)
	for i := 0; i < n; i++ {
		var note any = "n"
		if i < nullNotes {
			note = nil
		}
		t.Rows = append(t.Rows, []any{float64(10 + i%5), note})
	}
	return t
}

func evaluator() evaluate.Evaluator {
	return evaluate.Evaluator{Thresholds: config.DefaultThresholds()}
}

func TestEvaluateWithoutPrior(t *testing.T) {
	tb := rows(10, 2)
	vr := validate.Validate(tb, testSchema)
	require.True(t, vr.Passed)

	rep, err := evaluator().Evaluate(tb, testSchema, vr, nil)
	require.NoError(t, err)
	assert.Nil(t, rep.Drift)
	assert.Equal(t, 10, rep.RowCount)
	assert.Equal(t, 1.0, rep.ConstraintSatisfaction)
	require.Len(t, rep.Quality, 2)
	assert.Equal(t, 1.0, rep.Quality[0].Completeness)
	assert.Equal(t, 0.8, rep.Quality[1].Completeness)
	assert.Equal(t, 0.9, rep.MeanCompleteness)
}

func TestEvaluateRefusesFailedValidation(t *testing.T) {
	_, err := evaluator().Evaluate(rows(1, 0), testSchema, domain.ValidationReport{Passed: false}, nil)
	assert.ErrorIs(t, err, evaluate.ErrNotValidated)
}

func TestDoubledNullRateIsDriftedButNotBlocking(t *testing.T) {
	prev := rows(100, 10)
	prior := &domain.PriorProfile{
		SourceVersion: "v1",
		RowCount:      prev.Len(),
		ColumnCount:   2,
		Columns:       profile.Describe(prev, testSchema, 0),
	}

	cur := rows(100, 20)
	vr := validate.Validate(cur, testSchema)
	require.True(t, vr.Passed)

	rep, err := evaluator().Evaluate(cur, testSchema, vr, prior)
	require.NoError(t, err)
	require.NotNil(t, rep.Drift)
	assert.Equal(t, "v1", rep.Drift.PriorVersion)
	assert.Equal(t, []string{"note"}, rep.Drift.DriftedColumns)

	byName := map[string]domain.ColumnDrift{}
	for _, c := range rep.Drift.Columns {
		byName[c.Column] = c
	}
	assert.Equal(t, domain.DriftStable, byName["amount"].Status)
	note := byName["note"]
	assert.Equal(t, domain.DriftDrifted, note.Status)
	assert.Equal(t, []string{"null_rate"}, note.Exceeded)
	assert.Equal(t, 0.5, note.Distances["null_rate"])
	assert.Equal(t, 0.1, note.Deltas["null_rate"])
	assert.True(t, vr.Passed)
}

func TestThresholdIsConfigurable(t *testing.T) {
	prev := rows(100, 10)
	prior := &domain.PriorProfile{SourceVersion: "v1", RowCount: 100, Columns: profile.Describe(prev, testSchema, 0)}
	cur := rows(100, 20)
	vr := validate.Validate(cur, testSchema)

	e := evaluator()
	e.Thresholds.NullRate = 0.6
	rep, err := e.Evaluate(cur, testSchema, vr, prior)
	require.NoError(t, err)
	assert.Empty(t, rep.Drift.DriftedColumns)
}

func TestAddedAndRemovedColumns(t *testing.T) {
	prior := &domain.PriorProfile{
		SourceVersion: "v1",
		Columns:       []domain.ColumnProfile{{Column: "amount"}, {Column: "legacy"}},
	}
	tb := rows(5, 0)
	vr := validate.Validate(tb, testSchema)
	rep, err := evaluator().Evaluate(tb, testSchema, vr, prior)
	require.NoError(t, err)

	statuses := map[string]string{}
	for _, c := range rep.Drift.Columns {
		statuses[c.Column] = c.Status
	}
	assert.Equal(t, domain.DriftAdded, statuses["note"])
	assert.Equal(t, domain.DriftRemoved, statuses["legacy"])
}

func TestDistance(t *testing.T) {
	assert.Equal(t, 0.0, evaluate.Distance(0, 0))
	assert.Equal(t, 0.5, evaluate.Distance(0.2, 0.1))
	assert.Equal(t, 1.0, evaluate.Distance(-1, 1))
	assert.Equal(t, 1.0, evaluate.Distance(5, 0))
}

func TestDatetimeMeanShiftIsDrift(t *testing.T) {
	s := schema.MustNew(schema.Column{Name: "ts", Type: schema.TypeDatetime})
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	window := func(offset time.Duration) *table.Table {
		tb := table.New([]string{"ts"}, 30)
		for i := 0; i < 30; i++ {
			tb.Rows = append(tb.Rows, []any{start.Add(offset + time.Duration(i)*24*time.Hour)})
		}
		return tb
	}
	prior := &domain.PriorProfile{SourceVersion: "v1", RowCount: 30, Columns: profile.Describe(window(0), s, 0)}

	same := window(0)
	rep, err := evaluator().Evaluate(same, s, validate.Validate(same, s), prior)
	require.NoError(t, err)
	assert.Empty(t, rep.Drift.DriftedColumns)

	moved := window(30 * 24 * time.Hour)
	rep, err = evaluator().Evaluate(moved, s, validate.Validate(moved, s), prior)
	require.NoError(t, err)
	assert.Equal(t, []string{"ts"}, rep.Drift.DriftedColumns)
	require.Len(t, rep.Drift.Columns, 1)
	assert.Equal(t, []string{"mean"}, rep.Drift.Columns[0].Exceeded)
	assert.Equal(t, 1.0, rep.Drift.Columns[0].Distances["mean"])
}

func TestShift(t *testing.T) {
	prior := &domain.NumericStats{Mean: 15, Min: 10, Max: 20}
	assert.Equal(t, 0.0, evaluate.Shift(prior, prior))
	assert.Equal(t, 0.2, evaluate.Shift(&domain.NumericStats{Mean: 17, Min: 12, Max: 22}, prior))
	assert.Equal(t, 1.0, evaluate.Shift(&domain.NumericStats{Mean: 1e9, Min: 1e9, Max: 1e9}, prior))
}
