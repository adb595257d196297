package table

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"synthgen/internal/schema"
)

// EncodeParquet renders the table as a snappy-compressed Parquet file.
// Datetimes are written as RFC 3339 UTF8 strings.
func (t *Table) EncodeParquet(s schema.Schema) ([]byte, error) {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(parquetSchema(t.Columns, s), pfw, 1)
	if err != nil {
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for c, name := range t.Columns {
			var v any
			if c < len(row) {
				v = row[c]
			}
			rec[name] = parquetValue(v)
		}
		line, err := json.Marshal(rec)
		if err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("parquet row %d: %w", i, err)
		}
		if err := pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("parquet row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("parquet flush: %w", err)
	}
	if err := pfw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parquetSchema(columns []string, s schema.Schema) string {
	fields := make([]map[string]string, 0, len(columns))
	for _, name := range columns {
		typ := schema.TypeString
		if col, ok := s.Column(name); ok {
			typ = col.Type
		}
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", name, parquetPhysicalType(typ)),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetPhysicalType(t schema.ColumnType) string {
	switch t {
	case schema.TypeBoolean:
		return "type=BOOLEAN"
	case schema.TypeInteger:
		return "type=INT64"
	case schema.TypeFloat:
		return "type=DOUBLE"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

func parquetValue(v any) any {
	switch v.(type) {
	case nil, string, int64, float64, bool:
		return v
	default:
		return schema.FormatAny(v)
	}
}
