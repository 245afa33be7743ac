package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfig_YAMLMarshalDurations(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Pipeline:  PipelineConfig{Period: 90 * time.Second},
		Detection: DetectionConfig{Restriction: 24 * time.Hour},
	}

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "period: 1m30s")
	assert.Contains(t, string(data), "restriction: 24h0m0s")
	assert.NotContains(t, string(data), "server:")
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	t.Parallel()

	original := DefaultConfig()
	original.Server = DefaultServerConfig()
	original.State.Backend = StateBackendMemory

	data, err := yaml.Marshal(original)
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
	require.NoError(t, ValidateConfig(&decoded))
}
