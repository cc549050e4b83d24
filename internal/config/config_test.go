package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[server]
port = 8080
host = "127.0.0.1"

[[sources]]
name = "dump1090"
address = "127.0.0.1:30002"
format = "avr"

[[sources]]
name = "beast-feed"
address = "127.0.0.1:30005"
format = "beast"

[ingest]
dedup_window_ms = 500

[station]
latitude = 52.258
longitude = 3.918

[storage]
sqlite_path = ":memory:"

[logging]
level = "debug"
format = "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "dump1090", cfg.Sources[0].Name)
	assert.Equal(t, "beast", cfg.Sources[1].Format)
	assert.Equal(t, 500, cfg.Ingest.DedupWindowMs)
	assert.True(t, cfg.HasReference())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Ingest.MaxSources)
	assert.Equal(t, 64, cfg.Ingest.QueueSize)
	assert.Equal(t, 10, cfg.CPR.GlobalAirborneSecs)
	assert.Equal(t, 1000, cfg.Tracking.MaxAircraft)
	assert.InDelta(t, 0.7, cfg.Tracking.EvictTargetFraction, 0.001)
	assert.Equal(t, 60, cfg.Tracking.StatsIntervalSecs)
	assert.Equal(t, 100, cfg.Storage.MaxEventsAPI)
}

func TestValidateRejectsBadSource(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
port = 8080

[[sources]]
name = "bad"
address = "127.0.0.1:30002"
format = "sbs"

[storage]
sqlite_path = ":memory:"
`))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "invalid format")
}

func TestValidateRejectsDuplicateSourceNames(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
port = 8080

[[sources]]
name = "one"
address = "127.0.0.1:30002"
format = "avr"

[[sources]]
name = "one"
address = "127.0.0.1:30005"
format = "beast"

[storage]
sqlite_path = ":memory:"
`))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "duplicate source name")
}

func TestValidateRequiresSources(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
port = 8080

[storage]
sqlite_path = ":memory:"
`))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "at least one source")
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{}
	assert.ErrorContains(t, cfg.Validate(), "invalid server port")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.toml")
	assert.Error(t, err)
}
