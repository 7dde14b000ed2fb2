package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-agent/internal/config"
)

func TestConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(config.LogConfig{Level: "warn"}, &buf)
	defer closer.Close()

	logger.Info().Msg("quiet")
	logger.Warn().Str("step", "3").Msg("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
	assert.Contains(t, out, "step=")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(config.LogConfig{Level: "chatty"}, &buf)
	defer closer.Close()

	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFileReceivesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	var console bytes.Buffer
	logger, closer := New(config.LogConfig{Level: "debug", File: path, MaxSize: 1, MaxBackups: 1}, &console)

	logger.Debug().Str("comp", "agent").Int("step", 2).Msg("step finished")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, jsoniter.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "step finished", line["message"])
	assert.Equal(t, "agent", line["comp"])
	assert.EqualValues(t, 2, line["step"])
	assert.Equal(t, "debug", line["level"])
	assert.Contains(t, console.String(), "step finished")
}
