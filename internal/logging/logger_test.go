package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntriesCarryComponentAndDetails(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalLogger(NewWithWriter(&buf, logrus.InfoLevel))
	defer SetGlobalLogger(nil)

	Info("scheduler", "Instance submitted", map[string]interface{}{
		"job_id": "j1",
		"error":  errors.New("boom"),
	})
	Debug("scheduler", "hidden", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "Instance submitted", entry["msg"])
	assert.Equal(t, "info", entry["level"])
}

func TestNilGlobalLoggerIsSilent(t *testing.T) {
	SetGlobalLogger(nil)
	assert.NotPanics(t, func() {
		Error("engine", "nobody listens", nil)
	})
}

func TestNewLoggerOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "geneflow.log")
	l, err := NewLogger(Options{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	l.Warn("test", "to file", nil)
	require.NoError(t, l.Close())
	assert.FileExists(t, path)

	_, err = NewLogger(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(Options{Format: "xml"})
	assert.Error(t, err)
}
