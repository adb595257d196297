package generate

import (
	"math"
	"strconv"
	"strings"
	"time"

	"synthgen/internal/schema"
)

// sampler turns one uniform draw u in [0,1) and the row index into a cell.
type sampler func(u float64, row int) any

type env struct {
	rows        int
	windowStart time.Time
	windowEnd   time.Time
}

// Strategy is one entry of the name heuristic table.
type Strategy struct {
	Name  string
	match func(name string, col schema.Column) bool
	build func(col schema.Column, e env) sampler
}

var merchantCategories = []string{
	"Retail", "Travel", "Food", "Grocery", "Utilities",
	"Health", "Entertainment", "Online", "Automotive", "Education",
}

const (
	accountBase     = 100000
	accountPoolCap  = 5000
	datetimeWindow  = 90 * 24 * time.Hour
	defaultAmountLo = 1.0
	defaultAmountHi = 500.0
)

func typeIn(col schema.Column, types ...schema.ColumnType) bool {
	for _, t := range types {
		if col.Type == t {
			return true
		}
	}
	return false
}

func nameIn(name string, names ...string) bool {
	for _, n := range names {
		if name == n {
			return true
		}
	}
	return false
}

// strategies is matched top to bottom; the first hit wins. Unmatched columns
// fall back to the per-type strategy.
var strategies = []Strategy{
	{
		Name: "account_pool",
		match: func(name string, col schema.Column) bool {
			return name == "account_id" && typeIn(col, schema.TypeInteger, schema.TypeString)
		},
		build: func(col schema.Column, e env) sampler {
			pool := max(1, min(accountPoolCap, e.rows/10))
			return func(u float64, _ int) any {
				return asIDType(col, int64(accountBase)+pick(u, pool))
			}
		},
	},
	{
		Name: "category",
		match: func(name string, col schema.Column) bool {
			return col.Type == schema.TypeString && (name == "merchant_category" || strings.HasSuffix(name, "category"))
		},
		build: func(col schema.Column, _ env) sampler {
			values := merchantCategories
			if len(col.Constraints.Values) > 0 {
				values = col.Constraints.Values
			}
			return func(u float64, _ int) any { return values[pick(u, len(values))] }
		},
	},
	{
		Name: "sequence",
		match: func(name string, col schema.Column) bool {
			return (name == "id" || strings.HasSuffix(name, "_id")) && typeIn(col, schema.TypeInteger, schema.TypeString)
		},
		build: func(col schema.Column, _ env) sampler {
			start := int64(1)
			if m := col.Constraints.Min; m != nil && *m > 1 {
				start = int64(math.Ceil(*m))
			}
			return func(_ float64, row int) any { return asIDType(col, start+int64(row)) }
		},
	},
	{
		Name: "amount",
		match: func(name string, col schema.Column) bool {
			return col.Type.Numeric() && (nameIn(name, "amount", "price", "txn_amount") ||
				strings.HasSuffix(name, "_amount") || strings.HasSuffix(name, "_price"))
		},
		build: func(col schema.Column, _ env) sampler {
			lo, hi := bounds(col, defaultAmountLo, defaultAmountHi)
			return numeric(col, lo, hi, 2)
		},
	},
	{
		Name: "fraud_flag",
		match: func(name string, col schema.Column) bool {
			return nameIn(name, "is_fraud", "fraud") && typeIn(col, schema.TypeBoolean, schema.TypeInteger)
		},
		build: func(col schema.Column, _ env) sampler {
			return func(float64, int) any { return flag(col, false) }
		},
	},
	{
		Name: "event_time",
		match: func(name string, col schema.Column) bool {
			return (nameIn(name, "timestamp", "datetime", "event_time", "date") || strings.HasSuffix(name, "_at")) &&
				typeIn(col, schema.TypeDatetime, schema.TypeString)
		},
		build: func(col schema.Column, e env) sampler {
			window := timeSampler(col, e)
			if col.Type == schema.TypeString {
				return func(u float64, row int) any { return window(u, row).(time.Time).Format(schema.TimeLayout) }
			}
			return window
		},
	},
}

var fallbacks = map[schema.ColumnType]func(col schema.Column, e env) sampler{
	schema.TypeString: func(col schema.Column, _ env) sampler {
		if values := col.Constraints.Values; len(values) > 0 {
			return func(u float64, _ int) any { return values[pick(u, len(values))] }
		}
		return func(_ float64, row int) any { return "val_" + strconv.Itoa(row) }
	},
	schema.TypeInteger: func(col schema.Column, _ env) sampler {
		lo, hi := bounds(col, 0, 1000)
		return numeric(col, lo, hi, 0)
	},
	schema.TypeFloat: func(col schema.Column, _ env) sampler {
		lo, hi := bounds(col, 0, 1)
		return numeric(col, lo, hi, 6)
	},
	schema.TypeBoolean: func(col schema.Column, _ env) sampler {
		p := 0.5
		if col.Constraints.TrueProbability != nil {
			p = *col.Constraints.TrueProbability
		}
		return func(u float64, _ int) any { return u < p }
	},
	schema.TypeDatetime: timeSampler,
}

// StrategyFor returns the name of the strategy that generates col.
func StrategyFor(col schema.Column) string {
	s, ok := lookup(col)
	if !ok {
		return "fallback_" + string(col.Type)
	}
	return s.Name
}

func lookup(col schema.Column) (Strategy, bool) {
	name := strings.ToLower(col.Name)
	for _, s := range strategies {
		if s.match(name, col) {
			return s, true
		}
	}
	return Strategy{}, false
}

func samplerFor(col schema.Column, e env) sampler {
	if s, ok := lookup(col); ok {
		return s.build(col, e)
	}
	return fallbacks[col.Type](col, e)
}

// pick maps u onto [0, n).
func pick(u float64, n int) int64 {
	i := int64(u * float64(n))
	if i >= int64(n) {
		i = int64(n) - 1
	}
	return i
}

func bounds(col schema.Column, lo, hi float64) (float64, float64) {
	k := col.Constraints
	switch {
	case k.Min != nil && k.Max != nil:
		return *k.Min, *k.Max
	case k.Min != nil:
		return *k.Min, math.Max(*k.Min, hi)
	case k.Max != nil:
		return math.Min(lo, *k.Max), *k.Max
	}
	return lo, hi
}

func numeric(col schema.Column, lo, hi float64, places int) sampler {
	if col.Type == schema.TypeInteger {
		ilo, ihi := int64(math.Ceil(lo)), int64(math.Floor(hi))
		if ihi < ilo {
			ihi = ilo
		}
		// Offsets are unsigned so spans wider than MaxInt64 do not overflow.
		maxOff := uint64(ihi - ilo)
		width := float64(maxOff) + 1
		return func(u float64, _ int) any {
			f := u * width
			if f >= float64(maxOff) {
				return ihi
			}
			return ilo + int64(uint64(f))
		}
	}
	span := hi - lo
	return func(u float64, _ int) any {
		// The explicit conversion forbids fusing into an FMA, which would
		// change the last bit on some architectures.
		return round(lo+float64(u*span), places)
	}
}

func round(x float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(float64(x*p)) / p
}

func timeSampler(col schema.Column, e env) sampler {
	start, end := e.windowStart, e.windowEnd
	if k := col.Constraints.MinTime; k != nil {
		start = *k
	}
	if k := col.Constraints.MaxTime; k != nil {
		end = *k
	}
	if start.Nanosecond() != 0 {
		start = start.Truncate(time.Second).Add(time.Second)
	}
	if end.Before(start) {
		end = start.Add(datetimeWindow)
	}
	seconds := int64(end.Sub(start) / time.Second)
	return func(u float64, _ int) any {
		if seconds <= 0 {
			return start
		}
		return start.Add(time.Duration(pick(u, int(seconds))) * time.Second)
	}
}

func asIDType(col schema.Column, v int64) any {
	if col.Type == schema.TypeString {
		return strconv.FormatInt(v, 10)
	}
	return v
}

func flag(col schema.Column, set bool) any {
	if col.Type == schema.TypeBoolean {
		return set
	}
	if set {
		return int64(1)
	}
	return int64(0)
}
