// Package evaluate computes quality metrics for a validated row collection
// and compares it against the prior profile.
package evaluate

import (
	"errors"
	"math"
	"sort"

	"synthgen/internal/config"
	"synthgen/internal/domain"
	"synthgen/internal/profile"
	"synthgen/internal/schema"
	"synthgen/internal/table"
)

// ErrNotValidated guards against evaluating data that failed validation.
var ErrNotValidated = errors.New("validation report did not pass")

type Evaluator struct {
	Thresholds     config.Thresholds
	CardinalityCap int
}

// Evaluate returns quality metrics and, when prior is not nil, a drift
// section. Drift never fails evaluation.
func (e Evaluator) Evaluate(t *table.Table, s schema.Schema, vr domain.ValidationReport, prior *domain.PriorProfile) (domain.EvaluationReport, error) {
	if !vr.Passed {
		return domain.EvaluationReport{}, ErrNotValidated
	}
	cols := profile.Describe(t, s, e.CardinalityCap)
	rep := domain.EvaluationReport{
		RowCount:    t.Len(),
		ColumnCount: len(t.Columns),
		Quality:     make([]domain.ColumnQuality, 0, len(cols)),
	}

	var completeness float64
	for _, c := range cols {
		q := domain.ColumnQuality{
			Column:       c.Column,
			Completeness: profile.Round6(1 - c.NullRate),
			NullRate:     c.NullRate,
			Cardinality:  c.Cardinality,
			Stats:        c.Stats,
		}
		completeness += q.Completeness
		rep.Quality = append(rep.Quality, q)
	}
	if len(cols) > 0 {
		rep.MeanCompleteness = profile.Round6(completeness / float64(len(cols)))
	}
	rep.ConstraintSatisfaction = constraintSatisfaction(vr)

	if prior != nil {
		rep.Drift = e.drift(t.Len(), cols, prior)
	}
	return rep, nil
}

// constraintSatisfaction is the share of checked non-null cells that conform
// to their type and declared bounds.
func constraintSatisfaction(vr domain.ValidationReport) float64 {
	var checked, bad int
	for _, c := range vr.Columns {
		checked += c.TotalChecked - c.NullCount
		bad += c.TypeMismatchCount + c.ConstraintViolations
	}
	if checked == 0 {
		return 1
	}
	return profile.Round6(1 - float64(bad)/float64(checked))
}

func (e Evaluator) drift(rows int, cur []domain.ColumnProfile, prior *domain.PriorProfile) *domain.DriftSection {
	sec := &domain.DriftSection{
		PriorVersion:   prior.SourceVersion,
		RowCountDelta:  rows - prior.RowCount,
		Thresholds:     e.Thresholds.AsMap(),
		DriftedColumns: []string{},
	}
	seen := map[string]bool{}
	for _, c := range cur {
		seen[c.Column] = true
		p, ok := prior.Column(c.Column)
		if !ok {
			sec.Columns = append(sec.Columns, domain.ColumnDrift{Column: c.Column, Status: domain.DriftAdded})
			continue
		}
		d := e.compare(c, p)
		if d.Status == domain.DriftDrifted {
			sec.DriftedColumns = append(sec.DriftedColumns, c.Column)
		}
		sec.Columns = append(sec.Columns, d)
	}
	for _, p := range prior.Columns {
		if !seen[p.Column] {
			sec.Columns = append(sec.Columns, domain.ColumnDrift{Column: p.Column, Status: domain.DriftRemoved})
		}
	}
	sort.Slice(sec.Columns, func(i, j int) bool { return sec.Columns[i].Column < sec.Columns[j].Column })
	return sec
}

func (e Evaluator) compare(cur, prior domain.ColumnProfile) domain.ColumnDrift {
	d := domain.ColumnDrift{
		Column:    cur.Column,
		Status:    domain.DriftStable,
		Distances: map[string]float64{},
		Deltas:    map[string]float64{},
	}
	metric := func(name string, c, p, dist, threshold float64) {
		d.Deltas[name] = profile.Round6(math.Abs(c - p))
		dist = profile.Round6(dist)
		d.Distances[name] = dist
		if dist > threshold {
			d.Exceeded = append(d.Exceeded, name)
		}
	}
	metric("null_rate", cur.NullRate, prior.NullRate, Distance(cur.NullRate, prior.NullRate), e.Thresholds.NullRate)
	if c, p := cur.Stats, prior.Stats; c != nil && p != nil {
		meanDist := Distance(c.Mean, p.Mean)
		if cur.Type == string(schema.TypeDatetime) || prior.Type == string(schema.TypeDatetime) {
			meanDist = Shift(c, p)
		}
		metric("mean", c.Mean, p.Mean, meanDist, e.Thresholds.Mean)
		metric("std", c.Std, p.Std, Distance(c.Std, p.Std), e.Thresholds.Std)
	}
	card, pcard := float64(cur.Cardinality), float64(prior.Cardinality)
	metric("cardinality", card, pcard, Distance(card, pcard), e.Thresholds.Cardinality)
	if len(d.Exceeded) > 0 {
		d.Status = domain.DriftDrifted
	}
	return d
}

// Distance is the relative change |c-p| / max(|c|, |p|), in [0,1]. Two zero
// values have distance 0.
func Distance(c, p float64) float64 {
	den := math.Max(math.Max(math.Abs(c), math.Abs(p)), 1e-12)
	return math.Min(math.Abs(c-p)/den, 1)
}

// Shift measures a mean move against the wider of the two value ranges, in
// [0,1]. Datetime means sit far from zero, where Distance cannot register a
// move of days.
func Shift(cur, prior *domain.NumericStats) float64 {
	span := math.Max(math.Max(cur.Max-cur.Min, prior.Max-prior.Min), 1e-12)
	return math.Min(math.Abs(cur.Mean-prior.Mean)/span, 1)
}
