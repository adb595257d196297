package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthgen/internal/schema"
	"synthgen/internal/table"
	"synthgen/internal/validate"
)

func amountSchema() schema.Schema {
	lo := 0.01
	return schema.MustNew(schema.Column{Name: "amount", Type: schema.TypeFloat, Constraints: schema.Constraints{Min: &lo}})
}

func single(v any) *table.Table {
	t := table.New([]string{"amount"}, 1)
	t.Rows = append(t.Rows, []any{v})
	return t
}

func TestAmountRules(t *testing.T) {
	cases := []struct {
		name   string
		value  any
		passed bool
	}{
		{"null in non-nullable", nil, false},
		{"below min", -5.0, false},
		{"at min", 0.01, true},
		{"wrong type", "12.5", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := validate.Validate(single(tc.value), amountSchema())
			assert.Equal(t, tc.passed, rep.Passed, rep.Violations())
			require.Len(t, rep.Columns, 1)
			assert.Equal(t, 1, rep.Columns[0].TotalChecked)
		})
	}
}

func TestCountsPerColumn(t *testing.T) {
	s := schema.MustNew(
		schema.Column{Name: "amount", Type: schema.TypeFloat, Constraints: schema.Constraints{Min: ptr(0.01)}},
		schema.Column{Name: "note", Type: schema.TypeString, Nullable: true},
	)
	tb := table.New([]string{"amount", "note"}, 4)
	tb.Rows = append(tb.Rows,
		[]any{1.0, nil},
		[]any{nil, "x"},
		[]any{-5.0, nil},
		[]any{"abc", "y"},
	)
	rep := validate.Validate(tb, s)
	assert.False(t, rep.Passed)
	amount := rep.Columns[0]
	assert.Equal(t, 4, amount.TotalChecked)
	assert.Equal(t, 1, amount.NullCount)
	assert.Equal(t, 1, amount.TypeMismatchCount)
	assert.Equal(t, 1, amount.ConstraintViolations)
	assert.Len(t, amount.Issues, 3)

	note := rep.Columns[1]
	assert.Equal(t, 2, note.NullCount)
	assert.Empty(t, note.Issues)
}

func TestColumnSetMismatch(t *testing.T) {
	s := schema.MustNew(
		schema.Column{Name: "a", Type: schema.TypeInteger},
		schema.Column{Name: "b", Type: schema.TypeInteger},
	)
	tb := table.New([]string{"a", "z"}, 1)
	tb.Rows = append(tb.Rows, []any{int64(1), "q"})
	rep := validate.Validate(tb, s)
	assert.False(t, rep.Passed)
	assert.Equal(t, []string{"b"}, rep.MissingColumns)
	assert.Equal(t, []string{"z"}, rep.ExtraColumns)
	assert.Contains(t, rep.Violations(), "missing column b")
}

func TestEnumeration(t *testing.T) {
	s := schema.MustNew(
		schema.Column{Name: "cat", Type: schema.TypeString, Constraints: schema.Constraints{Values: []string{"A", "B"}}},
	)
	tb := table.New([]string{"cat"}, 2)
	tb.Rows = append(tb.Rows, []any{"A"}, []any{"C"})
	rep := validate.Validate(tb, s)
	assert.False(t, rep.Passed)
	assert.Equal(t, 1, rep.Columns[0].ConstraintViolations)
}

func ptr[T any](v T) *T { return &v }

func TestEmptyStringIsNotAValue(t *testing.T) {
	s := schema.MustNew(schema.Column{Name: "note", Type: schema.TypeString})
	tb := table.New([]string{"note"}, 2)
	tb.Rows = append(tb.Rows, []any{"x"}, []any{""})
	rep := validate.Validate(tb, s)
	assert.False(t, rep.Passed)
	require.Len(t, rep.Columns, 1)
	assert.Equal(t, 1, rep.Columns[0].TypeMismatchCount)
}
