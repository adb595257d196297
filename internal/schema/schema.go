// Package schema holds the typed column model of a dataset.
//
// Column types form a closed set. Each type carries its own cell codec and
// conformance check, so callers never switch on raw type strings.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeInteger  ColumnType = "integer"
	TypeFloat    ColumnType = "float"
	TypeBoolean  ColumnType = "boolean"
	TypeDatetime ColumnType = "datetime"
)

// TimeLayout is the canonical cell encoding of datetime values.
const TimeLayout = time.RFC3339

type behavior struct {
	conforms func(v any) bool
	parse    func(s string) (any, error)
	format   func(v any) string
}

var behaviors = map[ColumnType]behavior{
	TypeString: {
		// The empty field is the null encoding, so "" is not a string value.
		conforms: func(v any) bool { x, ok := v.(string); return ok && x != "" },
		parse:    func(s string) (any, error) { return s, nil },
		format:   func(v any) string { return v.(string) },
	},
	TypeInteger: {
		conforms: func(v any) bool { _, ok := v.(int64); return ok },
		parse: func(s string) (any, error) {
			return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		},
		format: func(v any) string { return strconv.FormatInt(v.(int64), 10) },
	},
	TypeFloat: {
		conforms: func(v any) bool {
			f, ok := v.(float64)
			return ok && !math.IsNaN(f) && !math.IsInf(f, 0)
		},
		parse: func(s string) (any, error) {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, err
			}
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("non-finite float %q", s)
			}
			return f, nil
		},
		format: func(v any) string { return strconv.FormatFloat(v.(float64), 'f', -1, 64) },
	},
	TypeBoolean: {
		conforms: func(v any) bool { _, ok := v.(bool); return ok },
		parse: func(s string) (any, error) {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "1":
				return true, nil
			case "false", "0":
				return false, nil
			}
			return nil, fmt.Errorf("invalid boolean %q", s)
		},
		format: func(v any) string { return strconv.FormatBool(v.(bool)) },
	},
	TypeDatetime: {
		conforms: func(v any) bool { _, ok := v.(time.Time); return ok },
		parse: func(s string) (any, error) {
			t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		},
		format: func(v any) string { return v.(time.Time).UTC().Format(TimeLayout) },
	},
}

// ParseType rejects unknown type tags.
func ParseType(s string) (ColumnType, error) {
	t := ColumnType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := behaviors[t]; !ok {
		return "", fmt.Errorf("unsupported column type %q (want string, integer, float, boolean or datetime)", s)
	}
	return t, nil
}

func (t ColumnType) Numeric() bool { return t == TypeInteger || t == TypeFloat }

// Conforms reports whether the runtime representation of v matches t. Nil never conforms.
func (t ColumnType) Conforms(v any) bool {
	b, ok := behaviors[t]
	return ok && v != nil && b.conforms(v)
}

// Parse decodes a non-empty cell.
func (t ColumnType) Parse(s string) (any, error) {
	b, ok := behaviors[t]
	if !ok {
		return nil, fmt.Errorf("unsupported column type %q", string(t))
	}
	return b.parse(s)
}

// Format encodes a cell. Nil encodes as the empty string; values that do not
// conform to t are rendered with their generic representation.
func (t ColumnType) Format(v any) string {
	if v == nil {
		return ""
	}
	if b, ok := behaviors[t]; ok && b.conforms(v) {
		return b.format(v)
	}
	return FormatAny(v)
}

// FormatAny renders a cell without schema knowledge.
func FormatAny(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(TimeLayout)
	default:
		return fmt.Sprint(x)
	}
}

// Constraints bound a column's values. Numeric bounds apply to integer and
// float columns, time bounds to datetime columns.
type Constraints struct {
	Min             *float64
	Max             *float64
	MinTime         *time.Time
	MaxTime         *time.Time
	Values          []string
	TrueProbability *float64
}

type Column struct {
	Name        string
	Type        ColumnType
	Nullable    bool
	Constraints Constraints
}

// Check validates constraints against the column's type.
func (c Column) Check() error {
	k := c.Constraints
	if (k.Min != nil || k.Max != nil) && !c.Type.Numeric() {
		return fmt.Errorf("column %s: numeric min/max on %s column", c.Name, c.Type)
	}
	for _, b := range []*float64{k.Min, k.Max} {
		if b != nil && (math.IsNaN(*b) || math.IsInf(*b, 0)) {
			return fmt.Errorf("column %s: non-finite bound %v", c.Name, *b)
		}
	}
	if k.Min != nil && k.Max != nil && *k.Min > *k.Max {
		return fmt.Errorf("column %s: min %v greater than max %v", c.Name, *k.Min, *k.Max)
	}
	if c.Type == TypeInteger {
		if err := c.checkIntegerBounds(); err != nil {
			return err
		}
	}
	if (k.MinTime != nil || k.MaxTime != nil) && c.Type != TypeDatetime {
		return fmt.Errorf("column %s: time bounds on %s column", c.Name, c.Type)
	}
	if k.MinTime != nil && k.MaxTime != nil && k.MinTime.After(*k.MaxTime) {
		return fmt.Errorf("column %s: min time after max time", c.Name)
	}
	if len(k.Values) > 0 && c.Type != TypeString {
		return fmt.Errorf("column %s: values enumeration on %s column", c.Name, c.Type)
	}
	for _, v := range k.Values {
		if v == "" {
			return fmt.Errorf("column %s: empty string in values (an empty cell is null)", c.Name)
		}
	}
	if k.TrueProbability != nil {
		if c.Type != TypeBoolean {
			return fmt.Errorf("column %s: true_probability on %s column", c.Name, c.Type)
		}
		if p := *k.TrueProbability; p < 0 || p > 1 {
			return fmt.Errorf("column %s: true_probability %v outside [0,1]", c.Name, p)
		}
	}
	return nil
}

// int64 bounds as float64: [-2^63, 2^63).
const (
	minInt64Bound = -9223372036854775808.0
	maxInt64Bound = 9223372036854775808.0
)

func (c Column) checkIntegerBounds() error {
	k := c.Constraints
	if k.Min != nil && (*k.Min < minInt64Bound || *k.Min >= maxInt64Bound) {
		return fmt.Errorf("column %s: min %v outside the integer range", c.Name, *k.Min)
	}
	if k.Max != nil && (*k.Max < minInt64Bound || *k.Max >= maxInt64Bound) {
		return fmt.Errorf("column %s: max %v outside the integer range", c.Name, *k.Max)
	}
	if k.Min != nil && k.Max != nil && math.Ceil(*k.Min) > math.Floor(*k.Max) {
		return fmt.Errorf("column %s: no integer lies in [%v, %v]", c.Name, *k.Min, *k.Max)
	}
	return nil
}

// InRange reports whether a conforming value satisfies min/max and enumeration constraints.
func (c Column) InRange(v any) bool {
	k := c.Constraints
	switch x := v.(type) {
	case int64:
		return inBounds(float64(x), k.Min, k.Max)
	case float64:
		return inBounds(x, k.Min, k.Max)
	case time.Time:
		if k.MinTime != nil && x.Before(*k.MinTime) {
			return false
		}
		if k.MaxTime != nil && x.After(*k.MaxTime) {
			return false
		}
	case string:
		if len(k.Values) > 0 {
			for _, allowed := range k.Values {
				if allowed == x {
					return true
				}
			}
			return false
		}
	}
	return true
}

func inBounds(f float64, min, max *float64) bool {
	if min != nil && f < *min {
		return false
	}
	if max != nil && f > *max {
		return false
	}
	return true
}

// Schema is an immutable, name-sorted column set.
type Schema struct {
	columns []Column
	index   map[string]int
}

// New validates the columns and fixes their order to the lexicographic sort of names.
func New(cols []Column) (Schema, error) {
	if len(cols) == 0 {
		return Schema{}, fmt.Errorf("schema has no columns")
	}
	sorted := make([]Column, len(cols))
	copy(sorted, cols)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	index := make(map[string]int, len(sorted))
	for i, c := range sorted {
		if strings.TrimSpace(c.Name) == "" {
			return Schema{}, fmt.Errorf("column with empty name")
		}
		if _, dup := index[c.Name]; dup {
			return Schema{}, fmt.Errorf("duplicate column %s", c.Name)
		}
		if _, ok := behaviors[c.Type]; !ok {
			return Schema{}, fmt.Errorf("column %s: unsupported type %q", c.Name, string(c.Type))
		}
		if err := c.Check(); err != nil {
			return Schema{}, err
		}
		index[c.Name] = i
	}
	return Schema{columns: sorted, index: index}, nil
}

// MustNew is New for tests and static schemas.
func MustNew(cols ...Column) Schema {
	s, err := New(cols)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

func (s Schema) Names() []string {
	out := make([]string, len(s.columns))
	for i, c := range s.columns {
		out[i] = c.Name
	}
	return out
}

func (s Schema) Len() int { return len(s.columns) }

func (s Schema) Column(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}
