package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gablilli/drivesync/internal/config"
)

// isolateEnv points the XDG directories at a temp dir so CLI tests never
// touch the real user's configuration or state.
func isolateEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	return dir
}

// runCLI executes the root command with the given args and returns its
// combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()

	return buf.String(), err
}

func TestNewRootCmd_Structure(t *testing.T) {
	cmd := newRootCmd()
	assert.Equal(t, "drivesync", cmd.Name())

	subNames := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		subNames = append(subNames, sub.Name())
	}

	assert.Contains(t, subNames, "drive")
	assert.Contains(t, subNames, "sync")
	assert.Contains(t, subNames, "status")
	assert.Contains(t, subNames, "conflicts")
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	isolateEnv(t)

	flagConfigPath = ""
	require.NoError(t, loadConfig())

	defaults := config.DefaultConfig()
	assert.Equal(t, defaults.Transfers.GlobalParallel, cfg.Transfers.GlobalParallel)
	assert.Equal(t, defaults.Sync.Debounce, cfg.Sync.Debounce)
}

func TestLoadConfig_ReadsExplicitPath(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[transfers]\nglobal_parallel = 4\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	flagConfigPath = path
	defer func() { flagConfigPath = "" }()

	require.NoError(t, loadConfig())
	assert.Equal(t, 4, cfg.Transfers.GlobalParallel)
}

func TestLoadConfig_RejectsBrokenFile(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[transfers]\nglobal_parallel = 999\n"), 0o644))

	flagConfigPath = path
	defer func() { flagConfigPath = "" }()

	err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global_parallel")
}

func TestBuildLogger_FlagsOverrideConfig(t *testing.T) {
	cfg = config.DefaultConfig()

	flagVerbose = true
	flagQuiet = false
	defer func() { flagVerbose = false }()

	logger := buildLogger()
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(t.Context(), -4)) // debug enabled
}

func TestBuildLogger_QuietSuppressesInfo(t *testing.T) {
	cfg = config.DefaultConfig()

	flagQuiet = true
	flagVerbose = false
	defer func() { flagQuiet = false }()

	logger := buildLogger()
	assert.False(t, logger.Enabled(t.Context(), 0)) // info suppressed
}

func TestUnknownCommandFails(t *testing.T) {
	isolateEnv(t)

	_, err := runCLI(t, "frobnicate")
	require.Error(t, err)
}
