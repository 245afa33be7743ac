package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/crowdqc/internal/config"
)

func setupInitDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, origForce := rootDir, initForce
	t.Cleanup(func() {
		rootDir, initForce = origDir, origForce
	})
	rootDir = dir
	initForce = false
	return dir
}

func TestInitCommand(t *testing.T) {
	dir := setupInitDir(t)

	output := captureOutput(func() {
		require.NoError(t, runInit(initCmd, []string{}))
	})
	assert.Contains(t, output, "Initialized crowdqc.yaml")

	t.Run("creates directory structure", func(t *testing.T) {
		assertDirExists(t, filepath.Join(dir, ".crowdqc"))
		assertDirExists(t, filepath.Join(dir, config.DefaultStateDir))
	})

	t.Run("config loads as defaults", func(t *testing.T) {
		cfg, err := config.LoadConfig(filepath.Join(dir, config.DefaultConfigFile))
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig(), *cfg)
	})

	t.Run("creates env placeholder", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, ".crowdqc", ".env"))
		require.NoError(t, err)
		assert.Contains(t, string(data), config.DefaultTokenEnv+"=")
	})

	t.Run("gitignores credentials", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, ".crowdqc", ".gitignore"))
		require.NoError(t, err)
		assert.Contains(t, string(data), ".env")
	})
}

func TestInitCommand_ExistingConfig(t *testing.T) {
	dir := setupInitDir(t)
	configPath := filepath.Join(dir, config.DefaultConfigFile)
	require.NoError(t, os.WriteFile(configPath, []byte("log:\n  level: debug\n"), 0644))

	err := runInit(initCmd, []string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	initForce = true
	captureOutput(func() {
		require.NoError(t, runInit(initCmd, []string{}))
	})
	cfg, err := config.LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestInitCommand_KeepsToken(t *testing.T) {
	dir := setupInitDir(t)
	envPath := filepath.Join(dir, ".crowdqc", ".env")
	require.NoError(t, os.MkdirAll(filepath.Dir(envPath), 0755))
	require.NoError(t, os.WriteFile(envPath, []byte("TOLOKA_TOKEN=secret\n"), 0600))

	captureOutput(func() {
		require.NoError(t, runInit(initCmd, []string{}))
	})

	data, err := os.ReadFile(envPath)
	require.NoError(t, err)
	assert.Equal(t, "TOLOKA_TOKEN=secret\n", string(data))
}

func assertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err, "directory should exist: %s", path)
	assert.True(t, info.IsDir(), "should be a directory: %s", path)
}
