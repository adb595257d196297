// Package table is the in-memory row collection and its canonical encodings.
package table

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"synthgen/internal/schema"
)

// Table holds rows in generation order. Cells are nil (null), string, int64,
// float64, bool or time.Time.
type Table struct {
	Columns []string
	Rows    [][]any
}

func New(columns []string, capacity int) *Table {
	return &Table{Columns: append([]string(nil), columns...), Rows: make([][]any, 0, capacity)}
}

func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of one column's cells.
func (t *Table) Column(name string) []any {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil
	}
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		if i < len(row) {
			out[r] = row[i]
		}
	}
	return out
}

// EncodeCSV writes the canonical CSV form: header, "\n" line endings,
// null as an empty field, cells formatted by their declared column type.
// A row of a single null cell is written as `""` so it never becomes a blank
// line. Non-null cells that format as "" cannot be told apart from null and
// are rejected.
func (t *Table) EncodeCSV(w io.Writer, s schema.Schema) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	types := make([]schema.ColumnType, len(t.Columns))
	for i, name := range t.Columns {
		if col, ok := s.Column(name); ok {
			types[i] = col.Type
		}
	}
	record := make([]string, len(t.Columns))
	for r, row := range t.Rows {
		for i := range t.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			if types[i] == "" {
				record[i] = schema.FormatAny(v)
			} else {
				record[i] = types[i].Format(v)
			}
			if v != nil && record[i] == "" {
				return fmt.Errorf("row %d column %s: empty value is indistinguishable from null", r+1, t.Columns[i])
			}
		}
		if len(record) == 1 && record[0] == "" {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return err
			}
			if _, err := io.WriteString(w, nullRow); err != nil {
				return err
			}
			continue
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// nullRow is the encoding of a single-column row holding null.
const nullRow = "\"\"\n"

// CanonicalBytes returns the canonical CSV encoding.
func (t *Table) CanonicalBytes(s schema.Schema) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.EncodeCSV(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ContentHash is the hex SHA-256 of the canonical CSV encoding.
func (t *Table) ContentHash(s schema.Schema) (string, []byte, error) {
	b, err := t.CanonicalBytes(s)
	if err != nil {
		return "", nil, err
	}
	return HashBytes(b), b, nil
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DecodeCSV reads a CSV with a header row. Columns are reordered
// lexicographically and row order is preserved. Cells of declared columns are
// parsed with their type; a cell that does not parse stays a raw string so
// validation reports the mismatch. Empty cells are null. In a single-column
// file a blank line is a null row; blank lines after the last record are
// ignored.
func DecodeCSV(r io.Reader, s schema.Schema) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) == 1 {
		// The csv reader skips blank lines, so make them explicit first.
		off := cr.InputOffset()
		body := markNullRows(data[off:])
		cr = csv.NewReader(bytes.NewReader(body))
		cr.FieldsPerRecord = -1
	}
	seen := map[string]bool{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			return nil, fmt.Errorf("csv header has an empty column name at position %d", i+1)
		}
		if seen[h] {
			return nil, fmt.Errorf("csv header repeats column %s", h)
		}
		seen[h] = true
		header[i] = h
	}
	order := make([]int, len(header))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return header[order[a]] < header[order[b]] })
	cols := make([]string, len(header))
	types := make([]schema.ColumnType, len(header))
	for i, src := range order {
		cols[i] = header[src]
		if col, ok := s.Column(header[src]); ok {
			types[i] = col.Type
		}
	}
	t := New(cols, 0)
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("csv line %d has %d fields, header has %d", line, len(rec), len(header))
		}
		row := make([]any, len(cols))
		for i, src := range order {
			row[i] = decodeCell(rec[src], types[i])
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// markNullRows rewrites every blank line of body that is followed by more
// content as `""`. Newlines inside quoted fields are left alone.
func markNullRows(body []byte) []byte {
	out := make([]byte, 0, len(body))
	inQuote := false
	lineStart := true
	for i := 0; i < len(body); i++ {
		c := body[i]
		if lineStart && !inQuote {
			blank := c == '\n' || (c == '\r' && i+1 < len(body) && body[i+1] == '\n')
			if blank {
				if len(bytes.Trim(body[i:], "\r\n")) == 0 {
					return append(out, body[i:]...)
				}
				out = append(out, '"', '"')
			}
			lineStart = false
		}
		out = append(out, c)
		switch c {
		case '"':
			inQuote = !inQuote
		case '\n':
			lineStart = !inQuote
		}
	}
	return out
}

func decodeCell(raw string, typ schema.ColumnType) any {
	if raw == "" {
		return nil
	}
	if typ == "" {
		return raw
	}
	v, err := typ.Parse(raw)
	if err != nil {
		return raw
	}
	return v
}
