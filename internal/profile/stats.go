package profile

import (
	"math"
	"time"

	"synthgen/internal/domain"
	"synthgen/internal/schema"
	"synthgen/internal/table"
)

// DefaultCardinalityCap bounds distinct-value counting per column.
const DefaultCardinalityCap = 10000

// Describe computes per-column statistics for every column of t, in table
// order. Numeric and datetime columns also get mean, std, min and max;
// datetimes are measured in Unix seconds.
func Describe(t *table.Table, s schema.Schema, cardinalityCap int) []domain.ColumnProfile {
	if cardinalityCap <= 0 {
		cardinalityCap = DefaultCardinalityCap
	}
	out := make([]domain.ColumnProfile, 0, len(t.Columns))
	for i, name := range t.Columns {
		col, declared := s.Column(name)
		out = append(out, describeColumn(t, i, col, declared, cardinalityCap))
	}
	return out
}

func describeColumn(t *table.Table, idx int, col schema.Column, declared bool, cardinalityCap int) domain.ColumnProfile {
	p := domain.ColumnProfile{Column: t.Columns[idx]}
	if declared {
		p.Type = string(col.Type)
	}
	distinct := map[string]struct{}{}
	var nulls int
	var nums []float64
	for _, row := range t.Rows {
		var v any
		if idx < len(row) {
			v = row[idx]
		}
		if v == nil {
			nulls++
			continue
		}
		if len(distinct) < cardinalityCap {
			distinct[schema.FormatAny(v)] = struct{}{}
		} else if _, seen := distinct[schema.FormatAny(v)]; !seen {
			p.CardinalityCapped = true
		}
		if f, ok := numericValue(v); ok {
			nums = append(nums, f)
		}
	}
	p.Cardinality = len(distinct)
	if n := t.Len(); n > 0 {
		p.NullRate = Round6(float64(nulls) / float64(n))
	}
	if len(nums) > 0 {
		p.Stats = summarize(nums)
	}
	return p
}

func numericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case time.Time:
		return float64(x.Unix()), true
	}
	return 0, false
}

// summarize uses the sample standard deviation; a single value has std 0.
func summarize(xs []float64) *domain.NumericStats {
	lo, hi := xs[0], xs[0]
	var sum float64
	for _, x := range xs {
		sum += x
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += float64(d * d)
	}
	std := 0.0
	if len(xs) > 1 {
		std = math.Sqrt(sq / float64(len(xs)-1))
	}
	return &domain.NumericStats{Mean: Round6(mean), Std: Round6(std), Min: Round6(lo), Max: Round6(hi)}
}

// Round6 rounds to six decimal places, the precision of every report.
func Round6(x float64) float64 {
	return math.Round(float64(x*1e6)) / 1e6
}
