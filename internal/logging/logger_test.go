package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestInitWithWriter_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "warn", "text")

	Info("hidden")
	Warn("shown", "id", "vpc")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown id=vpc")
}

func TestInitWithWriter_EnvFallbackAndJSON(t *testing.T) {
	t.Setenv(LevelEnvVar, "debug")
	var buf bytes.Buffer
	InitWithWriter(&buf, "", "json")

	With("run", "r1").Debug("step started")
	assert.Contains(t, buf.String(), `"msg":"step started"`)
	assert.Contains(t, buf.String(), `"run":"r1"`)
}
