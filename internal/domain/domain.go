package domain

// RegistryVersion is one finalized version recorded in the catalog.
type RegistryVersion struct {
	Version     string `json:"version"`
	ContentHash string `json:"content_hash"`
	ConfigHash  string `json:"config_hash"`
	Status      string `json:"status" enum:"finalized"`
	FinalizedAt string `json:"finalized_at" format:"date-time"`
	RunDir      string `json:"run_dir"`
}

type RegistryEntry struct {
	Dataset       string            `json:"dataset"`
	LatestVersion string            `json:"latest_version,omitempty"`
	Versions      []RegistryVersion `json:"versions"`
}

const StatusFinalized = "finalized"

type ColumnValidation struct {
	Column               string   `json:"column"`
	Type                 string   `json:"type"`
	Nullable             bool     `json:"nullable"`
	TotalChecked         int      `json:"total_checked"`
	NullCount            int      `json:"null_count"`
	TypeMismatchCount    int      `json:"type_mismatch_count"`
	ConstraintViolations int      `json:"constraint_violation_count"`
	Issues               []string `json:"issues,omitempty"`
}

type ValidationReport struct {
	Passed         bool               `json:"passed"`
	RowCount       int                `json:"row_count"`
	ColumnCount    int                `json:"column_count"`
	MissingColumns []string           `json:"missing_columns,omitempty"`
	ExtraColumns   []string           `json:"extra_columns,omitempty"`
	Columns        []ColumnValidation `json:"columns"`
}

// Violations flattens every fatal issue into human readable lines.
func (r ValidationReport) Violations() []string {
	var out []string
	for _, c := range r.MissingColumns {
		out = append(out, "missing column "+c)
	}
	for _, c := range r.ExtraColumns {
		out = append(out, "unexpected column "+c)
	}
	for _, col := range r.Columns {
		out = append(out, col.Issues...)
	}
	return out
}

type NumericStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

type ColumnProfile struct {
	Column            string        `json:"column"`
	Type              string        `json:"type"`
	NullRate          float64       `json:"null_rate"`
	Cardinality       int           `json:"cardinality"`
	CardinalityCapped bool          `json:"cardinality_capped,omitempty"`
	Stats             *NumericStats `json:"stats,omitempty"`
}

// PriorProfile summarizes the previous finalized version of a dataset.
type PriorProfile struct {
	SourceVersion string          `json:"source_version"`
	ContentHash   string          `json:"content_hash"`
	RowCount      int             `json:"row_count"`
	ColumnCount   int             `json:"column_count"`
	Columns       []ColumnProfile `json:"columns"`
}

// Column returns the named column profile.
func (p *PriorProfile) Column(name string) (ColumnProfile, bool) {
	if p == nil {
		return ColumnProfile{}, false
	}
	for _, c := range p.Columns {
		if c.Column == name {
			return c, true
		}
	}
	return ColumnProfile{}, false
}

type ColumnQuality struct {
	Column       string        `json:"column"`
	Completeness float64       `json:"completeness"`
	NullRate     float64       `json:"null_rate"`
	Cardinality  int           `json:"cardinality"`
	Stats        *NumericStats `json:"stats,omitempty"`
}

const (
	DriftStable  = "stable"
	DriftDrifted = "drifted"
	DriftAdded   = "added"
	DriftRemoved = "removed"
)

type ColumnDrift struct {
	Column    string             `json:"column"`
	Status    string             `json:"status" enum:"stable,drifted,added,removed"`
	Distances map[string]float64 `json:"distances,omitempty"`
	Deltas    map[string]float64 `json:"deltas,omitempty"`
	Exceeded  []string           `json:"exceeded,omitempty"`
}

type DriftSection struct {
	PriorVersion   string             `json:"prior_version"`
	RowCountDelta  int                `json:"row_count_delta"`
	Thresholds     map[string]float64 `json:"thresholds"`
	DriftedColumns []string           `json:"drifted_columns"`
	Columns        []ColumnDrift      `json:"columns"`
}

type EvaluationReport struct {
	RowCount                 int             `json:"row_count"`
	ColumnCount              int             `json:"column_count"`
	ConstraintSatisfaction   float64         `json:"constraint_satisfaction_rate"`
	MeanCompleteness         float64         `json:"mean_completeness"`
	Quality                  []ColumnQuality `json:"quality"`
	Drift                    *DriftSection   `json:"drift,omitempty"`
	ProfilingDegradedReasons []string        `json:"profiling_degraded,omitempty"`
}

// RunMetadata is the execution context written when a run starts.
type RunMetadata struct {
	Dataset        string   `json:"dataset"`
	Version        string   `json:"version"`
	RunID          string   `json:"run_id"`
	Origin         string   `json:"origin" enum:"generated,ingested"`
	Mode           string   `json:"mode" enum:"fresh,restart"`
	StartedAt      string   `json:"started_at" format:"date-time"`
	Seed           string   `json:"seed"`
	ConfigHash     string   `json:"config_hash"`
	RowCount       int      `json:"row_count"`
	InputFile      string   `json:"input_file,omitempty"`
	ExecutionOrder []string `json:"execution_order"`
}

// FinalMetadata is the sealing marker of a run directory.
type FinalMetadata struct {
	Dataset       string            `json:"dataset"`
	Version       string            `json:"version"`
	Origin        string            `json:"origin"`
	ContentHash   string            `json:"content_hash"`
	ConfigHash    string            `json:"config_hash"`
	FinalizedAt   string            `json:"finalized_at" format:"date-time"`
	DataFile      string            `json:"data_file"`
	RowCount      int               `json:"row_count"`
	ColumnCount   int               `json:"column_count"`
	ReportDigests map[string]string `json:"report_digests"`
	Exports       map[string]string `json:"exports,omitempty"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	Dataset string `json:"dataset"`
	Version string `json:"version,omitempty"`
	Stage   string `json:"stage,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Payload string `json:"payload_json"`
}
