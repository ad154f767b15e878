// Package config loads and clamps the coordinator's immutable runtime
// configuration. Following the lesson the teacher's own config code
// drew from viper (see tabular/reinforcement.FromYaml), config here is
// built once at startup from a stateless viper instance rather than
// threaded through as a shared, mutable object.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the coordinator's full runtime configuration. Every numeric
// field is clamped to its documented range immediately after load.
type Config struct {
	// Aggregation (spec.md §4.1)
	Momentum   float64
	PriorA     float64
	PriorB     float64
	IQRK       float64
	MaxActions int

	// Weight derivation (spec.md §4.2)
	SoftmaxTemp        float64
	WeightBlend        float64
	WeightLearningRate float64

	// Aggregation trigger (SPEC_FULL §3 AggregationTrigger)
	MinModels           int
	AggregationInterval time.Duration

	// Server
	Port   string
	DBPath string

	// Admin
	AdminToken string

	// LogSink (GitHub contents API)
	GitHubToken  string
	GitHubOwner  string
	GitHubRepo   string
	GitHubBranch string

	LogLevel string
}

// Load builds a Config from (in ascending priority) compiled-in
// defaults, an optional YAML defaults file, and environment variables.
// configFile may be empty, in which case only env vars and defaults apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BRAIN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Momentum:            v.GetFloat64("momentum"),
		PriorA:              v.GetFloat64("prior_a"),
		PriorB:              v.GetFloat64("prior_b"),
		IQRK:                v.GetFloat64("outlier_iqr_k"),
		MaxActions:          v.GetInt("max_actions"),
		SoftmaxTemp:         v.GetFloat64("softmax_temp"),
		WeightBlend:         v.GetFloat64("weight_blend"),
		WeightLearningRate:  v.GetFloat64("weight_lr"),
		MinModels:           v.GetInt("min_models"),
		AggregationInterval: v.GetDuration("aggregation_interval"),
	}

	// Non-BRAIN_-prefixed environment variables are read directly, matching
	// the teacher's habit of keeping infra knobs (host/port) outside the
	// algorithm-config namespace.
	raw := viper.New()
	raw.AutomaticEnv()
	raw.SetDefault("port", "8080")
	raw.SetDefault("db_path", "./data/coordinator.db")
	raw.SetDefault("github_branch", "main")
	raw.SetDefault("log_level", "info")
	cfg.Port = raw.GetString("PORT")
	cfg.DBPath = raw.GetString("DB_PATH")
	cfg.AdminToken = raw.GetString("ADMIN_TOKEN")
	cfg.GitHubToken = raw.GetString("GITHUB_TOKEN")
	cfg.GitHubOwner = raw.GetString("GITHUB_OWNER")
	cfg.GitHubRepo = raw.GetString("GITHUB_REPO")
	cfg.GitHubBranch = raw.GetString("GITHUB_BRANCH")
	cfg.LogLevel = raw.GetString("LOG_LEVEL")

	cfg.clamp()

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("momentum", 0.25)
	v.SetDefault("prior_a", 2.0)
	v.SetDefault("prior_b", 2.0)
	v.SetDefault("outlier_iqr_k", 2.5)
	v.SetDefault("max_actions", 64)
	v.SetDefault("softmax_temp", 0.85)
	v.SetDefault("weight_blend", 0.35)
	v.SetDefault("weight_lr", 0.08)
	v.SetDefault("min_models", 3)
	v.SetDefault("aggregation_interval", "300s")
}

// clamp bounds every tunable into its documented range. Out-of-range
// input is clamped and not rejected, so an operator typo never prevents
// startup.
func (c *Config) clamp() {
	clampFloat(&c.Momentum, 0, 0.95)
	clampFloat(&c.PriorA, 0, 25)
	clampFloat(&c.PriorB, 0, 25)
	clampFloat(&c.IQRK, 0, 10)
	clampInt(&c.MaxActions, 8, 256)
	clampFloat(&c.SoftmaxTemp, 0.05, 3)
	clampFloat(&c.WeightBlend, 0, 1)
	clampFloat(&c.WeightLearningRate, 0, 1)
	clampInt(&c.MinModels, 1, 64)
	if c.AggregationInterval < 0 {
		c.AggregationInterval = 0
	}
	if c.AggregationInterval > time.Hour {
		c.AggregationInterval = time.Hour
	}
}

func clampFloat(v *float64, lo, hi float64) {
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
}

func clampInt(v *int, lo, hi int) {
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
}

// GitHubConfigured reports whether enough credentials are present to
// construct a live LogSink.
func (c *Config) GitHubConfigured() bool {
	return c.GitHubToken != "" && c.GitHubOwner != "" && c.GitHubRepo != ""
}

// AdminConfigured reports whether the admin surface should be enabled.
func (c *Config) AdminConfigured() bool {
	return c.AdminToken != ""
}
