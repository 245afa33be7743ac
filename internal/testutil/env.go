package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDatabaseEnv names the environment variable holding a Postgres DSN for
// store tests.
const TestDatabaseEnv = "CROWDQC_TEST_DATABASE_URL"

// SetupTestDir creates a temporary project directory with a crowdqc.yaml
// pointing at the fixture pools and a .crowdqc/.env holding a test token.
// The directory is automatically cleaned up when the test completes.
func SetupTestDir(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()

	configContent := `pools:
  detection: ` + DetectionPool + `
  verification: ` + VerificationPool + `
pipeline:
  period: 10ms
state:
  dir: .crowdqc/state
log:
  level: error
`
	WriteTestFile(t, tmpDir, "crowdqc.yaml", []byte(configContent))
	WriteTestFile(t, tmpDir, filepath.Join(".crowdqc", ".env"), []byte("TOLOKA_TOKEN=test-token\n"))

	return tmpDir
}

// TestDatabaseURL returns the Postgres DSN for store tests, skipping the
// test when it is not set.
func TestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv(TestDatabaseEnv)
	if dsn == "" {
		t.Skipf("%s not set", TestDatabaseEnv)
	}
	return dsn
}

// MustMarshalJSON marshals a value to JSON, failing the test on error.
// Uses indented format for readability.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	return data
}

// MustUnmarshalJSON unmarshals JSON data into v, failing the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

// WriteTestFile writes content to a file in the test directory.
// Creates parent directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
	require.NoError(t, os.WriteFile(fullPath, content, 0644))
}
