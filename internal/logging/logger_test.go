package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"migranthub/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testApp = config.AppConfig{Name: "migranthub-sync", Environment: "test", Version: "0.1.0"}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"trace":    zerolog.TraceLevel,
		"verbose":  zerolog.InfoLevel,
		"disabled": zerolog.Disabled,
	}
	for raw, want := range cases {
		assert.Equal(t, want, parseLevel(raw), "level %q", raw)
	}
}

func TestNew_TerminalOutputs(t *testing.T) {
	for _, out := range []string{"", "stdout", "stderr", "STDERR"} {
		for _, format := range []string{"json", "console"} {
			logger, closer, err := New(config.LoggingConfig{Output: out, Format: format, Level: "warn"}, testApp)
			require.NoError(t, err, "%s/%s", out, format)
			assert.Nil(t, closer)
			assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
		}
	}
}

func TestNew_FileNeedsPath(t *testing.T) {
	for _, out := range []string{"file", "both"} {
		_, _, err := New(config.LoggingConfig{Output: out}, testApp)
		assert.ErrorIs(t, err, ErrNoFilePath)
	}
}

func TestNew_RotatedFileIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "syncd.log")
	// Console format only applies to terminals; the file keeps JSON.
	logger, closer, err := New(config.LoggingConfig{Output: "both", Format: "console", FilePath: path, MaxSizeMB: 1}, testApp)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info().Str("op_id", "op-7").Str("entity_type", "profile").Msg("operation queued")
	logger.Debug().Msg("below level")
	require.NoError(t, closer.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "migranthub-sync", lines[0]["app"])
	assert.Equal(t, "test", lines[0]["env"])
	assert.Equal(t, "op-7", lines[0]["op_id"])
	assert.Equal(t, "operation queued", lines[0]["message"])
	assert.Contains(t, lines[0], "time")
}
