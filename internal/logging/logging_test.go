package logging_test

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sneh-joshi/disqube/internal/logging"
)

func TestNew_ConsoleCarriesIdentity(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := logging.New(logging.Options{
		NodeID:  "01HZY3T4B5C6D7E8F9G0H1J2K3",
		Role:    "master",
		Console: zapcore.AddSync(&buf),
	})
	require.NoError(t, err)
	defer closeFn()

	log.Info("hello")
	log.Debug("hidden")
	_ = log.Sync()

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "01HZY3T4B5C6D7E8F9G0H1J2K3")
	assert.Contains(t, out, "master")
	assert.NotContains(t, out, "hidden")
}

func TestNew_VerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := logging.New(logging.Options{Level: "warn", Verbose: true, Console: zapcore.AddSync(&buf)})
	require.NoError(t, err)
	defer closeFn()

	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := logging.New(logging.Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNew_FileCoreWritesJSON(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	log, closeFn, err := logging.New(logging.Options{
		OnFile:     true,
		RootFolder: dir,
		NodeID:     "abc",
		Role:       "worker",
		Console:    zapcore.AddSync(&console),
	})
	require.NoError(t, err)

	log.Warn("to file")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(logging.FileName(dir, "abc"))
	require.NoError(t, err)

	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "to file", entry["msg"])
	assert.Equal(t, "abc", entry["node_id"])
	assert.Equal(t, "worker", entry["role"])
}
