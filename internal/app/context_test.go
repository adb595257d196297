package app_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthgen/internal/app"
)

func TestLayout(t *testing.T) {
	l := app.NewLayout("/ws/")
	assert.Equal(t, filepath.Join("/ws", "runs"), l.Runs())
	assert.Equal(t, "runs/payments/v1", l.RelRunDir("payments", "v1"))

	dir, err := l.DatasetDir("payments")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/ws", "datasets", "payments"), dir)

	_, err = l.DatasetDir("../etc")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := app.NewLogger(&buf, "warn", "json")
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "dataset", "payments")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"dataset":"payments"`)

	_, err = app.NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
	_, err = app.NewLogger(&buf, "loud", "json")
	assert.Error(t, err)
}
