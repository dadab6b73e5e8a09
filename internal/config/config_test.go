package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
base_url = "https://drive.example.com"

[sync]
poll_interval = "1m"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://drive.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "1m", cfg.Sync.PollInterval)
	// Unset keys keep defaults.
	assert.Equal(t, defaultChunkSize, cfg.Transfers.ChunkSize)
	assert.Equal(t, defaultGlobalParallel, cfg.Transfers.GlobalParallel)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[sync]
pol_interval = "1m"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
	assert.Contains(t, err.Error(), "pol_interval")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[transfers]
global_parallel = 500
chunk_size = "128MiB"

[sync]
debounce = "1ms"

[logging]
log_level = "loud"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	// All problems are reported together.
	assert.Contains(t, err.Error(), "global_parallel")
	assert.Contains(t, err.Error(), "chunk_size")
	assert.Contains(t, err.Error(), "debounce")
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"0", 0},
		{"", 0},
		{"1024", 1024},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"10MiB", 10_485_760},
		{"1GB", 1_000_000_000},
		{"100B", 100},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}

	for _, input := range []string{"abc", "MiB", "-1", "1.5GB"} {
		t.Run("invalid_"+input, func(t *testing.T) {
			_, err := ParseSize(input)
			assert.Error(t, err)
		})
	}
}

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.toml")

	require.NoError(t, WriteAtomic(path, []byte("a = 1\n")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a = 1\n", string(data))

	// Overwrite replaces content completely.
	require.NoError(t, WriteAtomic(path, []byte("b = 2\n")))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b = 2\n", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Positive(t, cfg.DebounceDuration())
	assert.Positive(t, cfg.PollIntervalDuration())
	assert.Positive(t, cfg.RetryBaseDelayDuration())
	assert.Positive(t, cfg.RetryMaxDelayDuration())
	assert.Equal(t, int64(10_485_760), cfg.ChunkSizeBytes())
}
