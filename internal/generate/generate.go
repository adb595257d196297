// Package generate produces synthetic rows from a schema, evolution rules and
// a seed.
//
// One ChaCha8 stream drives a run. Every row consumes a fixed number of draws
// in a fixed order: one per column (sorted by name), then one for the fraud
// flag when a fraud column exists, then one per missingness column (sorted by
// name). The seed-to-output mapping therefore does not depend on which
// strategy a column uses or on how tight its constraints are.
package generate

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"synthgen/internal/config"
	"synthgen/internal/schema"
	"synthgen/internal/table"
)

type Generator struct {
	Schema        schema.Schema
	Evolution     config.Evolution
	RowCount      int
	ReferenceTime time.Time
}

// New builds a Generator from a loaded bundle.
func New(b *config.Bundle) *Generator {
	return &Generator{
		Schema:        b.Schema,
		Evolution:     b.Evolution,
		RowCount:      b.Dataset.RowCount,
		ReferenceTime: b.Dataset.ReferenceTime,
	}
}

type missing struct {
	col  int
	rate float64
}

// Generate returns RowCount rows with columns in lexicographic order.
func (g *Generator) Generate(seed [32]byte) (*table.Table, error) {
	if g.RowCount <= 0 {
		return nil, errors.New("row count must be > 0")
	}
	if g.Schema.Len() == 0 {
		return nil, errors.New("schema has no columns")
	}
	ref := g.ReferenceTime
	if ref.IsZero() {
		ref = config.DefaultReferenceTime
	}
	ref = ref.UTC()
	e := env{rows: g.RowCount, windowStart: ref.Add(-datetimeWindow), windowEnd: ref}

	cols := g.Schema.Columns()
	names := g.Schema.Names()
	samplers := make([]sampler, len(cols))
	for i, c := range cols {
		samplers[i] = samplerFor(c, e)
	}

	fraudIdx := -1
	var fraudRate float64
	if g.Evolution.FraudColumn != "" {
		fraudIdx = indexOf(names, g.Evolution.FraudColumn)
		if fraudIdx < 0 {
			return nil, fmt.Errorf("fraud column %s not in schema", g.Evolution.FraudColumn)
		}
		if g.Evolution.FraudRate != nil {
			fraudRate = *g.Evolution.FraudRate
		}
	}

	var miss []missing
	missNames := make([]string, 0, len(g.Evolution.Missingness))
	for name := range g.Evolution.Missingness {
		missNames = append(missNames, name)
	}
	sort.Strings(missNames)
	for _, name := range missNames {
		i := indexOf(names, name)
		if i < 0 {
			return nil, fmt.Errorf("missingness column %s not in schema", name)
		}
		miss = append(miss, missing{col: i, rate: g.Evolution.Missingness[name]})
	}

	rng := rand.New(rand.NewChaCha8(seed))
	t := table.New(names, g.RowCount)
	for r := 0; r < g.RowCount; r++ {
		row := make([]any, len(cols))
		for i, s := range samplers {
			row[i] = s(draw(rng), r)
		}
		if fraudIdx >= 0 && draw(rng) < fraudRate {
			row[fraudIdx] = flag(cols[fraudIdx], true)
		}
		for i, c := range cols {
			row[i] = clamp(c, row[i])
		}
		for _, m := range miss {
			if draw(rng) < m.rate {
				row[m.col] = nil
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// draw returns a uniform float in [0,1) from exactly one 64-bit output.
func draw(r *rand.Rand) float64 {
	return float64(r.Uint64()>>11) * 0x1p-53
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// clamp pulls a value that falls outside the column's declared bounds back
// onto the nearest bound.
func clamp(c schema.Column, v any) any {
	k := c.Constraints
	switch x := v.(type) {
	case int64:
		if k.Min != nil && float64(x) < *k.Min {
			x = int64(math.Ceil(*k.Min))
		}
		if k.Max != nil && float64(x) > *k.Max {
			x = int64(math.Floor(*k.Max))
		}
		return x
	case float64:
		if k.Min != nil && x < *k.Min {
			x = *k.Min
		}
		if k.Max != nil && x > *k.Max {
			x = *k.Max
		}
		return x
	case time.Time:
		if k.MinTime != nil && x.Before(*k.MinTime) {
			x = *k.MinTime
		}
		if k.MaxTime != nil && x.After(*k.MaxTime) {
			x = *k.MaxTime
		}
		return x
	}
	return v
}
