// Package config loads process configuration the way the teacher's
// cmd/bd/config.go and internal/config/yaml_config.go do: a layered viper
// instance reading a YAML base file, an optional TOML override profile for
// deployment-specific tuning, and environment variable overrides, with a
// package-level accessor (config.Get/config.Set) mirroring the teacher's
// in-memory viper state pattern (internal/config/sync.go's config.Set).
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in spec.md §5 and §4.3/§4.8's defaults.
type Config struct {
	// Intent Compiler (spec §4.3)
	ClarificationThreshold float64 `mapstructure:"clarification_threshold" yaml:"clarification_threshold" toml:"clarification_threshold"`

	// Safety Guardrail (spec §4.8)
	MaxEstimatedRows   int64   `mapstructure:"max_estimated_rows" yaml:"max_estimated_rows" toml:"max_estimated_rows"`
	MaxEstimatedMemMiB int64   `mapstructure:"max_estimated_mem_mib" yaml:"max_estimated_mem_mib" toml:"max_estimated_mem_mib"`
	MaxJoinRisk        float64 `mapstructure:"max_join_risk" yaml:"max_join_risk" toml:"max_join_risk"`

	// Reconciler (spec §4.9)
	ValueTolerance float64 `mapstructure:"value_tolerance" yaml:"value_tolerance" toml:"value_tolerance"`

	// Concurrency & resource model (spec §5)
	QueryTimeout      time.Duration `mapstructure:"query_timeout" yaml:"query_timeout" toml:"query_timeout"`
	UpstreamModelTimeout time.Duration `mapstructure:"upstream_model_timeout" yaml:"upstream_model_timeout" toml:"upstream_model_timeout"`

	// Catalog source (spec §6): a directory path, or a "postgres://..." /
	// "mysql://..." relational-store DSN handled by internal/catalog/dbsource.
	CatalogSource string `mapstructure:"catalog_source" yaml:"catalog_source" toml:"catalog_source"`

	// Upstream model (spec §6)
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" yaml:"anthropic_api_key" toml:"anthropic_api_key"`
	AnthropicModel  string `mapstructure:"anthropic_model" yaml:"anthropic_model" toml:"anthropic_model"`

	LogFormat string `mapstructure:"log_format" yaml:"log_format" toml:"log_format"` // "text" | "json"
}

// Dump renders the configuration as YAML, used by the CLI's config
// command to show the effective merged configuration.
func Dump(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Defaults mirrors the literal defaults called out in spec.md: 0.7 confidence
// threshold (§4.3), 1e8 rows / 10 GiB / 0.5 risk (§4.8), 0.01 tolerance
// (§4.9), 5 min query timeout and 30 s model timeout (§5).
func Defaults() Config {
	return Config{
		ClarificationThreshold: 0.7,
		MaxEstimatedRows:       100_000_000,
		MaxEstimatedMemMiB:     10 * 1024,
		MaxJoinRisk:            0.5,
		ValueTolerance:         0.01,
		QueryTimeout:           5 * time.Minute,
		UpstreamModelTimeout:   30 * time.Second,
		AnthropicModel:         "claude-haiku-4-5",
		LogFormat:              "text",
	}
}

var active = Defaults()

// Get returns the process-wide active configuration.
func Get() Config { return active }

// Set overrides one key in the in-memory active configuration, mirroring
// the teacher's config.Set(key, value) pattern for updating viper state
// after a runtime change (teacher: cmd/bd/sync_mode.go SetSyncMode).
func Set(key string, value any) {
	switch strings.ToLower(key) {
	case "clarification_threshold":
		if v, ok := value.(float64); ok {
			active.ClarificationThreshold = v
		}
	case "max_estimated_rows":
		if v, ok := value.(int64); ok {
			active.MaxEstimatedRows = v
		}
	case "max_join_risk":
		if v, ok := value.(float64); ok {
			active.MaxJoinRisk = v
		}
	case "value_tolerance":
		if v, ok := value.(float64); ok {
			active.ValueTolerance = v
		}
	}
}

// Load layers a YAML base file through viper, where environment variables
// prefixed RECONCILE_ override the keys that file sets, then applies an
// optional TOML override profile on top. Environment variables are read
// only when a YAML path is given, and only for keys present in that file.
func Load(yamlPath string, tomlOverridePath string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(yamlPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RECONCILE")
	v.AutomaticEnv()

	cfg := Defaults()

	if yamlPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, err
		}
	}

	if tomlOverridePath != "" {
		var override Config
		if _, err := toml.DecodeFile(tomlOverridePath, &override); err != nil {
			return cfg, err
		}
		applyOverride(&cfg, override)
	}

	active = cfg
	return cfg, nil
}

// applyOverride merges non-zero fields from override onto base, giving the
// TOML profile precedence over the YAML base exactly where it sets a value.
func applyOverride(base *Config, override Config) {
	if override.ClarificationThreshold != 0 {
		base.ClarificationThreshold = override.ClarificationThreshold
	}
	if override.MaxEstimatedRows != 0 {
		base.MaxEstimatedRows = override.MaxEstimatedRows
	}
	if override.MaxEstimatedMemMiB != 0 {
		base.MaxEstimatedMemMiB = override.MaxEstimatedMemMiB
	}
	if override.MaxJoinRisk != 0 {
		base.MaxJoinRisk = override.MaxJoinRisk
	}
	if override.ValueTolerance != 0 {
		base.ValueTolerance = override.ValueTolerance
	}
	if override.QueryTimeout != 0 {
		base.QueryTimeout = override.QueryTimeout
	}
	if override.UpstreamModelTimeout != 0 {
		base.UpstreamModelTimeout = override.UpstreamModelTimeout
	}
	if override.CatalogSource != "" {
		base.CatalogSource = override.CatalogSource
	}
	if override.AnthropicAPIKey != "" {
		base.AnthropicAPIKey = override.AnthropicAPIKey
	}
	if override.AnthropicModel != "" {
		base.AnthropicModel = override.AnthropicModel
	}
	if override.LogFormat != "" {
		base.LogFormat = override.LogFormat
	}
}
