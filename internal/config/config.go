package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"synthgen/internal/domain"
	"synthgen/internal/schema"
)

const (
	DatasetFile   = "dataset.yaml"
	SchemaFile    = "schema.yaml"
	EvolutionFile = "evolution.yaml"

	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// DefaultReferenceTime anchors the datetime sampling window when dataset.yaml omits reference_time.
var DefaultReferenceTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Dataset models dataset.yaml.
type Dataset struct {
	Name          string
	Domain        string
	Description   string
	RowCount      int
	ReferenceTime time.Time
	Format        string
}

// Evolution models evolution.yaml.
type Evolution struct {
	FraudRate   *float64
	FraudColumn string
	Missingness map[string]float64
}

// Bundle is the parsed, validated configuration of one dataset. It is
// read-only for the duration of a run.
type Bundle struct {
	Dataset   Dataset
	Schema    schema.Schema
	Evolution Evolution

	snapshot map[string]any
}

// Snapshot returns the JSON-compatible frozen form of the three documents.
func (b *Bundle) Snapshot() map[string]any {
	return b.snapshot
}

//go:embed schemas/*.json
var schemaFS embed.FS

type datasetDoc struct {
	Name          string `yaml:"name"`
	Domain        string `yaml:"domain"`
	Description   string `yaml:"description"`
	RowCount      *int   `yaml:"row_count"`
	Rows          *int   `yaml:"rows"`
	ReferenceTime string `yaml:"reference_time"`
	Format        string `yaml:"format"`
}

type constraintsDoc struct {
	Min             any      `yaml:"min"`
	Max             any      `yaml:"max"`
	Values          []string `yaml:"values"`
	TrueProbability *float64 `yaml:"true_probability"`
}

type columnDoc struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Nullable    *bool          `yaml:"nullable"`
	Description string         `yaml:"description"`
	Constraints constraintsDoc `yaml:"constraints"`
}

type schemaDoc struct {
	Columns yaml.Node `yaml:"columns"`
}

type fraudDoc struct {
	Rate *float64 `yaml:"rate"`
}

type evolutionDoc struct {
	FraudRate     *float64           `yaml:"fraud_rate"`
	FraudColumn   string             `yaml:"fraud_column"`
	WeeklyChanges []map[string]any   `yaml:"weekly_changes"`
	Fraud         *fraudDoc          `yaml:"fraud"`
	Missingness   map[string]float64 `yaml:"missingness"`
}

// LoadBundle reads dataset.yaml, schema.yaml and evolution.yaml from datasetDir.
// The dataset name defaults to the directory name.
func LoadBundle(datasetDir string) (*Bundle, error) {
	docs := make(map[string][]byte, 3)
	for _, name := range []string{DatasetFile, SchemaFile, EvolutionFile} {
		data, err := os.ReadFile(filepath.Join(datasetDir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, domain.ConfigError{File: name, Reason: fmt.Sprintf("required config missing in %s", datasetDir)}
			}
			return nil, domain.IOError{Op: "read", Path: filepath.Join(datasetDir, name), Err: err}
		}
		docs[name] = data
	}
	return FromYAML(filepath.Base(filepath.Clean(datasetDir)), docs[DatasetFile], docs[SchemaFile], docs[EvolutionFile])
}

// FromYAML parses and validates a bundle from raw YAML documents.
func FromYAML(datasetName string, datasetYAML, schemaYAML, evolutionYAML []byte) (*Bundle, error) {
	snapshot := make(map[string]any, 3)
	for _, d := range []struct {
		file string
		data []byte
	}{{DatasetFile, datasetYAML}, {SchemaFile, schemaYAML}, {EvolutionFile, evolutionYAML}} {
		generic, err := checkStructure(d.file, d.data)
		if err != nil {
			return nil, err
		}
		snapshot[d.file] = generic
	}

	var ds datasetDoc
	if err := yaml.Unmarshal(datasetYAML, &ds); err != nil {
		return nil, domain.ConfigError{File: DatasetFile, Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	dataset, err := ds.build(datasetName)
	if err != nil {
		return nil, err
	}

	var sd schemaDoc
	if err := yaml.Unmarshal(schemaYAML, &sd); err != nil {
		return nil, domain.ConfigError{File: SchemaFile, Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	sch, err := sd.build()
	if err != nil {
		return nil, err
	}

	var ed evolutionDoc
	if err := yaml.Unmarshal(evolutionYAML, &ed); err != nil {
		return nil, domain.ConfigError{File: EvolutionFile, Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	evo, err := ed.build(sch)
	if err != nil {
		return nil, err
	}
	return &Bundle{Dataset: dataset, Schema: sch, Evolution: evo, snapshot: snapshot}, nil
}

// FromSnapshot rebuilds a bundle from the frozen form written to
// configs_snapshot.json. JSON is a subset of YAML, so every document goes
// through the same checks as FromYAML.
func FromSnapshot(datasetName string, snapshot map[string]any) (*Bundle, error) {
	docs := make(map[string][]byte, 3)
	for _, name := range []string{DatasetFile, SchemaFile, EvolutionFile} {
		doc, ok := snapshot[name]
		if !ok {
			return nil, domain.ConfigError{File: name, Reason: "missing from snapshot"}
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, domain.ConfigError{File: name, Reason: err.Error()}
		}
		docs[name] = b
	}
	return FromYAML(datasetName, docs[DatasetFile], docs[SchemaFile], docs[EvolutionFile])
}

// checkStructure validates a document against its embedded JSON Schema and
// returns its JSON-compatible generic form.
func checkStructure(file string, data []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, domain.ConfigError{File: file, Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, domain.ConfigError{File: file, Reason: fmt.Sprintf("not representable as json: %v", err)}
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, domain.ConfigError{File: file, Reason: err.Error()}
	}
	sch, err := compiledSchema(file)
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(generic); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, domain.ConfigError{File: file, Field: leafLocation(ve), Reason: leafMessage(ve)}
		}
		return nil, domain.ConfigError{File: file, Reason: err.Error()}
	}
	return generic, nil
}

func compiledSchema(file string) (*jsonschema.Schema, error) {
	name := strings.TrimSuffix(file, filepath.Ext(file)) + ".schema.json"
	src, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("embedded schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://synthgen.local/schemas/" + name
	if err := c.AddResource(url, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("embedded schema %s: %w", name, err)
	}
	return c.Compile(url)
}

func leafLocation(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	return strings.ReplaceAll(loc, "/", ".")
}

func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve.Message
}

func (d datasetDoc) build(dirName string) (Dataset, error) {
	out := Dataset{
		Name:          strings.TrimSpace(d.Name),
		Domain:        d.Domain,
		Description:   d.Description,
		ReferenceTime: DefaultReferenceTime,
		Format:        FormatCSV,
	}
	if out.Name == "" {
		out.Name = dirName
	} else if dirName != "" && dirName != "." && out.Name != dirName {
		return Dataset{}, domain.ConfigError{File: DatasetFile, Field: "name", Reason: fmt.Sprintf("%q does not match dataset directory %q", out.Name, dirName)}
	}
	if err := ValidateName(out.Name); err != nil {
		return Dataset{}, domain.ConfigError{File: DatasetFile, Field: "name", Reason: err.Error()}
	}
	switch {
	case d.RowCount != nil:
		out.RowCount = *d.RowCount
	case d.Rows != nil:
		out.RowCount = *d.Rows
	default:
		return Dataset{}, domain.ConfigError{File: DatasetFile, Field: "row_count", Reason: "must be defined (or rows)"}
	}
	if out.RowCount <= 0 {
		return Dataset{}, domain.ConfigError{File: DatasetFile, Field: "row_count", Reason: "must be > 0"}
	}
	if d.ReferenceTime != "" {
		t, err := time.Parse(time.RFC3339, d.ReferenceTime)
		if err != nil {
			return Dataset{}, domain.ConfigError{File: DatasetFile, Field: "reference_time", Reason: "must be RFC 3339"}
		}
		out.ReferenceTime = t.UTC()
	}
	if d.Format != "" {
		out.Format = d.Format
	}
	return out, nil
}

func (d schemaDoc) build() (schema.Schema, error) {
	var docs []columnDoc
	switch d.Columns.Kind {
	case yaml.MappingNode:
		var byName map[string]columnDoc
		if err := d.Columns.Decode(&byName); err != nil {
			return schema.Schema{}, domain.ConfigError{File: SchemaFile, Field: "columns", Reason: err.Error()}
		}
		for name, c := range byName {
			c.Name = name
			docs = append(docs, c)
		}
	case yaml.SequenceNode:
		for _, item := range d.Columns.Content {
			var c columnDoc
			if item.Kind == yaml.ScalarNode {
				c.Name = item.Value
			} else if err := item.Decode(&c); err != nil {
				return schema.Schema{}, domain.ConfigError{File: SchemaFile, Field: "columns", Reason: err.Error()}
			}
			docs = append(docs, c)
		}
	default:
		return schema.Schema{}, domain.ConfigError{File: SchemaFile, Field: "columns", Reason: "must be a mapping or a list"}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })

	cols := make([]schema.Column, 0, len(docs))
	for _, c := range docs {
		col, err := c.build()
		if err != nil {
			return schema.Schema{}, err
		}
		cols = append(cols, col)
	}
	s, err := schema.New(cols)
	if err != nil {
		return schema.Schema{}, domain.ConfigError{File: SchemaFile, Field: "columns", Reason: err.Error()}
	}
	return s, nil
}

func (c columnDoc) build() (schema.Column, error) {
	field := "columns." + c.Name
	typ := schema.TypeString
	if c.Type != "" {
		t, err := schema.ParseType(c.Type)
		if err != nil {
			return schema.Column{}, domain.ConfigError{File: SchemaFile, Field: field + ".type", Reason: err.Error()}
		}
		typ = t
	}
	col := schema.Column{Name: c.Name, Type: typ, Nullable: true}
	if c.Nullable != nil {
		col.Nullable = *c.Nullable
	}
	k := &col.Constraints
	k.Values = c.Constraints.Values
	k.TrueProbability = c.Constraints.TrueProbability
	for _, b := range []struct {
		name  string
		raw   any
		num   **float64
		stamp **time.Time
	}{
		{"min", c.Constraints.Min, &k.Min, &k.MinTime},
		{"max", c.Constraints.Max, &k.Max, &k.MaxTime},
	} {
		if b.raw == nil {
			continue
		}
		if err := bound(typ, b.raw, b.num, b.stamp); err != nil {
			return schema.Column{}, domain.ConfigError{File: SchemaFile, Field: field + ".constraints." + b.name, Reason: err.Error()}
		}
	}
	if err := col.Check(); err != nil {
		return schema.Column{}, domain.ConfigError{File: SchemaFile, Field: field + ".constraints", Reason: err.Error()}
	}
	return col, nil
}

func bound(typ schema.ColumnType, raw any, num **float64, stamp **time.Time) error {
	switch typ {
	case schema.TypeInteger, schema.TypeFloat:
		var f float64
		switch v := raw.(type) {
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case uint64:
			f = float64(v)
		case float64:
			f = v
		default:
			return fmt.Errorf("must be a number for %s column", typ)
		}
		*num = &f
	case schema.TypeDatetime:
		if t, ok := raw.(time.Time); ok {
			t = t.UTC()
			*stamp = &t
			return nil
		}
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("must be an RFC 3339 timestamp for datetime column")
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("must be an RFC 3339 timestamp: %v", err)
		}
		t = t.UTC()
		*stamp = &t
	default:
		return fmt.Errorf("not supported on %s column", typ)
	}
	return nil
}

func (d evolutionDoc) build(s schema.Schema) (Evolution, error) {
	var out Evolution
	switch {
	case len(d.WeeklyChanges) > 0:
		if raw, ok := d.WeeklyChanges[0]["fraud_rate"]; ok {
			f, ok := toFloat(raw)
			if !ok {
				return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "weekly_changes.0.fraud_rate", Reason: "must be numeric"}
			}
			out.FraudRate = &f
		}
	case d.FraudRate != nil:
		out.FraudRate = d.FraudRate
	case d.Fraud != nil && d.Fraud.Rate != nil:
		out.FraudRate = d.Fraud.Rate
	}
	if out.FraudRate != nil && (*out.FraudRate < 0 || *out.FraudRate > 1) {
		return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "fraud_rate", Reason: "must be in [0,1]"}
	}

	out.FraudColumn = d.FraudColumn
	if out.FraudColumn == "" {
		out.FraudColumn = detectFraudColumn(s)
	}
	if out.FraudColumn != "" {
		col, ok := s.Column(out.FraudColumn)
		if !ok {
			return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "fraud_column", Reason: fmt.Sprintf("column %s not declared in schema", out.FraudColumn)}
		}
		if col.Type != schema.TypeBoolean && col.Type != schema.TypeInteger {
			return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "fraud_column", Reason: fmt.Sprintf("column %s must be boolean or integer, is %s", col.Name, col.Type)}
		}
		if out.FraudRate == nil {
			return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "fraud_rate", Reason: fmt.Sprintf("must be defined when fraud column %s is present", out.FraudColumn)}
		}
	} else if out.FraudRate != nil {
		return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "fraud_rate", Reason: "declared but the schema has no fraud column"}
	}

	out.Missingness = make(map[string]float64, len(d.Missingness))
	for name, rate := range d.Missingness {
		col, ok := s.Column(name)
		if !ok {
			return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "missingness." + name, Reason: "column not declared in schema"}
		}
		if !col.Nullable && rate > 0 {
			return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "missingness." + name, Reason: "column is not nullable"}
		}
		if rate < 0 || rate > 1 {
			return Evolution{}, domain.ConfigError{File: EvolutionFile, Field: "missingness." + name, Reason: "must be in [0,1]"}
		}
		out.Missingness[name] = rate
	}
	return out, nil
}

var fraudColumnNames = []string{"is_fraud", "fraud"}

func detectFraudColumn(s schema.Schema) string {
	for _, want := range fraudColumnNames {
		for _, c := range s.Columns() {
			if strings.EqualFold(c.Name, want) && (c.Type == schema.TypeBoolean || c.Type == schema.TypeInteger) {
				return c.Name
			}
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// ValidateName checks a dataset or version identifier used as a path segment.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("must be non-empty")
	case name == "." || name == "..":
		return fmt.Errorf("%q is not a valid name", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%q must not contain path separators", name)
	}
	return nil
}
