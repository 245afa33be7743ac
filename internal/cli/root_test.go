package cli

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/crowdqc/internal/config"
	"github.com/thruflo/crowdqc/internal/logging"
	"github.com/thruflo/crowdqc/internal/platform"
	"github.com/thruflo/crowdqc/internal/testutil"
)

func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()

	f()

	w.Close()
	os.Stdout = old
	return <-done
}

// setupProject points the commands at a fresh project directory backed by a
// mock platform client.
func setupProject(t *testing.T) (string, *platform.MockClient) {
	t.Helper()

	dir := testutil.SetupTestDir(t)
	client := platform.NewMockClient()

	origDir, origConfig, origLevel := rootDir, rootConfig, rootLogLevel
	origFactory, origLookup := clientFactory, tokenLookup
	t.Cleanup(func() {
		rootDir, rootConfig, rootLogLevel = origDir, origConfig, origLevel
		clientFactory, tokenLookup = origFactory, origLookup
	})

	rootDir = dir
	rootConfig = config.DefaultConfigFile
	rootLogLevel = ""
	clientFactory = func(cfg *config.Config, token string) platform.Client {
		return client
	}
	tokenLookup = func(string) (string, bool) { return "", false }

	return dir, client
}

func TestLoadProject(t *testing.T) {
	dir, _ := setupProject(t)

	p, err := loadProject()
	require.NoError(t, err)

	assert.Equal(t, dir, p.basePath)
	assert.Equal(t, testutil.DetectionPool, p.cfg.Pools.Detection)
	assert.Equal(t, testutil.VerificationPool, p.cfg.Pools.Verification)
	assert.False(t, p.log.Enabled(logging.LevelWarn))
	assert.True(t, p.log.Enabled(logging.LevelError))
}

func TestLoadProject_LogLevelOverride(t *testing.T) {
	setupProject(t)

	rootLogLevel = "debug"
	p, err := loadProject()
	require.NoError(t, err)
	assert.True(t, p.log.Enabled(logging.LevelDebug))

	rootLogLevel = "loud"
	_, err = loadProject()
	assert.Error(t, err)
}

func TestLoadProject_InvalidConfig(t *testing.T) {
	dir, _ := setupProject(t)
	testutil.WriteTestFile(t, dir, config.DefaultConfigFile, []byte("verification:\n  overlap: 0\n"))

	_, err := loadProject()
	require.Error(t, err)
	assert.True(t, config.IsValidationError(err))
}

func TestProjectClient(t *testing.T) {
	t.Run("token from env file", func(t *testing.T) {
		_, mock := setupProject(t)

		var gotToken string
		clientFactory = func(cfg *config.Config, token string) platform.Client {
			gotToken = token
			return mock
		}

		p, err := loadProject()
		require.NoError(t, err)
		client, err := p.client()
		require.NoError(t, err)
		assert.Same(t, mock, client)
		assert.Equal(t, "test-token", gotToken)
	})

	t.Run("environment wins", func(t *testing.T) {
		_, mock := setupProject(t)

		var gotToken string
		clientFactory = func(cfg *config.Config, token string) platform.Client {
			gotToken = token
			return mock
		}
		tokenLookup = func(name string) (string, bool) {
			if name == config.DefaultTokenEnv {
				return "env-token", true
			}
			return "", false
		}

		p, err := loadProject()
		require.NoError(t, err)
		_, err = p.client()
		require.NoError(t, err)
		assert.Equal(t, "env-token", gotToken)
	})

	t.Run("missing token", func(t *testing.T) {
		dir, _ := setupProject(t)
		require.NoError(t, os.Remove(dir+"/.crowdqc/.env"))

		p, err := loadProject()
		require.NoError(t, err)
		_, err = p.client()
		assert.ErrorIs(t, err, config.ErrNoToken)
	})
}
