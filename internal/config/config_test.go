package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/config"
)

func TestDefaults(t *testing.T) {
	d := config.Defaults()
	require.Equal(t, 0.7, d.ClarificationThreshold)
	require.Equal(t, int64(100_000_000), d.MaxEstimatedRows)
	require.Equal(t, 0.5, d.MaxJoinRisk)
	require.Equal(t, 0.01, d.ValueTolerance)
}

func TestLoadYamlBase(t *testing.T) {
	cfg, err := config.Load("testdata/base.yaml", "")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/reconcile/catalog", cfg.CatalogSource)
	require.Equal(t, "claude-haiku-4-5", cfg.AnthropicModel)
}

func TestLoadWithTomlOverride(t *testing.T) {
	cfg, err := config.Load("testdata/base.yaml", "testdata/override.toml")
	require.NoError(t, err)
	require.Equal(t, 0.25, cfg.MaxJoinRisk)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, 0.7, cfg.ClarificationThreshold) // untouched by override
}

func TestSetUpdatesActiveConfig(t *testing.T) {
	config.Set("max_join_risk", 0.1)
	require.Equal(t, 0.1, config.Get().MaxJoinRisk)
}

func TestDump_RendersEffectiveConfigAsYAML(t *testing.T) {
	out, err := config.Dump(config.Defaults())
	require.NoError(t, err)
	require.Contains(t, string(out), "clarification_threshold: 0.7")
	require.Contains(t, string(out), "value_tolerance: 0.01")
	require.Contains(t, string(out), "query_timeout:")
}
