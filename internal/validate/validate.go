// Package validate checks a row collection against a schema.
package validate

import (
	"fmt"
	"sort"

	"synthgen/internal/domain"
	"synthgen/internal/schema"
	"synthgen/internal/table"
)

// maxIssueRows bounds how many offending row numbers an issue line lists.
const maxIssueRows = 5

// Validate checks column presence, nullability, type conformance and declared
// bounds. The report is complete; Passed is false iff any fatal issue exists.
func Validate(t *table.Table, s schema.Schema) domain.ValidationReport {
	rep := domain.ValidationReport{
		RowCount:    t.Len(),
		ColumnCount: len(t.Columns),
		Columns:     []domain.ColumnValidation{},
	}
	declared := map[string]bool{}
	for _, name := range s.Names() {
		declared[name] = true
		if t.ColumnIndex(name) < 0 {
			rep.MissingColumns = append(rep.MissingColumns, name)
		}
	}
	for _, name := range t.Columns {
		if !declared[name] {
			rep.ExtraColumns = append(rep.ExtraColumns, name)
		}
	}
	sort.Strings(rep.ExtraColumns)

	for _, col := range s.Columns() {
		idx := t.ColumnIndex(col.Name)
		if idx < 0 {
			continue
		}
		rep.Columns = append(rep.Columns, checkColumn(t, idx, col))
	}
	rep.Passed = len(rep.Violations()) == 0
	return rep
}

func checkColumn(t *table.Table, idx int, col schema.Column) domain.ColumnValidation {
	cv := domain.ColumnValidation{
		Column:   col.Name,
		Type:     string(col.Type),
		Nullable: col.Nullable,
	}
	var nullRows, typeRows, rangeRows []int
	for r, row := range t.Rows {
		cv.TotalChecked++
		var v any
		if idx < len(row) {
			v = row[idx]
		}
		switch {
		case v == nil:
			cv.NullCount++
			nullRows = append(nullRows, r)
		case !col.Type.Conforms(v):
			cv.TypeMismatchCount++
			typeRows = append(typeRows, r)
		case !col.InRange(v):
			cv.ConstraintViolations++
			rangeRows = append(rangeRows, r)
		}
	}
	if !col.Nullable && cv.NullCount > 0 {
		cv.Issues = append(cv.Issues, fmt.Sprintf("column %s: %d null value(s) in non-nullable column (rows %s)",
			col.Name, cv.NullCount, rowList(nullRows)))
	}
	if cv.TypeMismatchCount > 0 {
		cv.Issues = append(cv.Issues, fmt.Sprintf("column %s: %d value(s) are not %s (rows %s)",
			col.Name, cv.TypeMismatchCount, col.Type, rowList(typeRows)))
	}
	if cv.ConstraintViolations > 0 {
		cv.Issues = append(cv.Issues, fmt.Sprintf("column %s: %d value(s) violate %s (rows %s)",
			col.Name, cv.ConstraintViolations, describe(col), rowList(rangeRows)))
	}
	return cv
}

func rowList(rows []int) string {
	out := ""
	for i, r := range rows {
		if i == maxIssueRows {
			return out + ", ..."
		}
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprint(r)
	}
	return out
}

func describe(col schema.Column) string {
	k := col.Constraints
	switch {
	case k.Min != nil && k.Max != nil:
		return fmt.Sprintf("range [%v, %v]", *k.Min, *k.Max)
	case k.Min != nil:
		return fmt.Sprintf("min %v", *k.Min)
	case k.Max != nil:
		return fmt.Sprintf("max %v", *k.Max)
	case k.MinTime != nil || k.MaxTime != nil:
		return "time bounds"
	case len(k.Values) > 0:
		return fmt.Sprintf("allowed values %v", k.Values)
	}
	return "constraints"
}
