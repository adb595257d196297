// Package app resolves the on-disk workspace layout and builds the process
// logger.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"synthgen/internal/config"
)

// Layout locates the directories of one workspace.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{Root: filepath.Clean(root)}
}

func (l Layout) Datasets() string { return filepath.Join(l.Root, "datasets") }
func (l Layout) Runs() string     { return filepath.Join(l.Root, "runs") }
func (l Layout) Registry() string { return filepath.Join(l.Root, "registry") }

// DatasetDir returns datasets/<name> after checking name is a safe path segment.
func (l Layout) DatasetDir(name string) (string, error) {
	if err := config.ValidateName(name); err != nil {
		return "", fmt.Errorf("dataset name: %w", err)
	}
	return filepath.Join(l.Datasets(), name), nil
}

// RelRunDir is the run directory relative to the workspace root, as recorded
// in the registry.
func (l Layout) RelRunDir(dataset, version string) string {
	return filepath.ToSlash(filepath.Join("runs", dataset, version))
}

// NewLogger builds a slog logger writing to w. format is json or text.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("log-format must be json or text, got %q", format)
}
