package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Scaffold writes an example config bundle into datasetDir. Existing files are never overwritten.
func Scaffold(datasetDir, name string) ([]string, error) {
	if err := ValidateName(name); err != nil {
		return nil, fmt.Errorf("dataset name: %w", err)
	}
	if err := os.MkdirAll(datasetDir, 0o755); err != nil {
		return nil, err
	}
	files := map[string]string{
		DatasetFile:   fmt.Sprintf(defaultDatasetTemplate, name),
		SchemaFile:    defaultSchemaTemplate,
		EvolutionFile: defaultEvolutionTemplate,
	}
	var written []string
	for _, f := range []string{DatasetFile, SchemaFile, EvolutionFile} {
		path := filepath.Join(datasetDir, f)
		fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return written, err
		}
		if _, err := fh.WriteString(files[f]); err != nil {
			fh.Close()
			return written, err
		}
		if err := fh.Close(); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

const defaultDatasetTemplate = `name: %s
domain: finance
description: "Synthetic card transactions with injected fraud and missingness"
row_count: 1000
reference_time: "2025-01-01T00:00:00Z"
format: csv
`

const defaultSchemaTemplate = `columns:
  transaction_id:
    type: integer
    nullable: false
  account_id:
    type: integer
    nullable: false
  amount:
    type: float
    nullable: false
    constraints:
      min: 0.01
      max: 500
  merchant_category:
    type: string
    nullable: true
  is_fraud:
    type: boolean
    nullable: false
  timestamp:
    type: datetime
    nullable: false
`

const defaultEvolutionTemplate = `fraud_rate: 0.02
missingness:
  merchant_category: 0.05
`
