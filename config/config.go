// Package config loads and validates the daemon's YAML configuration.
// Secrets never live in the file: worker and provider declarations name the
// environment variable that carries their API key.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/registry"
)

// Config is the full daemon configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// ResidentBudgetBytes caps combined loaded local-model footprints.
	ResidentBudgetBytes int64 `yaml:"resident_budget_bytes"`

	PerNodeTimeoutMS         int `yaml:"per_node_timeout_ms"`
	RequestDeadlineDefaultMS int `yaml:"request_deadline_default_ms"`

	ShadowRate            float64 `yaml:"shadow_rate"`
	ShadowBudgetPerWindow float64 `yaml:"shadow_budget_per_window"`

	// RateLimit and Budget are keyed by quality tier.
	RateLimit map[string]RateLimit `yaml:"rate_limit"`
	Budget    map[string]Budget    `yaml:"budget"`

	Cache  CacheConfig  `yaml:"cache"`
	Bandit BanditConfig `yaml:"bandit"`

	// Workers declares the registry, keyed by worker ID.
	Workers map[string]Worker `yaml:"worker"`

	// ModelAssignments maps a task type to worker IDs in preference order.
	ModelAssignments map[string][]string `yaml:"model_assignments"`

	// PriorityTiers overrides the warmth of the listed workers, keyed by
	// tier name (T0..T3).
	PriorityTiers map[string][]string `yaml:"priority_tiers"`

	// Arms declares bandit arms, keyed by arm ID.
	Arms map[string]Arm `yaml:"arms"`

	// APIKeys maps gateway key values to principals. Empty disables auth.
	APIKeys map[string]APIKey `yaml:"api_keys"`

	Archive ArchiveConfig `yaml:"archive"`

	// Search lists web-search providers in fallback order.
	Search []SearchProvider `yaml:"search"`

	Scraper Scraper `yaml:"scraper"`
}

// RateLimit is a per-tier request cap.
type RateLimit struct {
	RPM int `yaml:"rpm"`
}

// Budget is a per-tier monetary cap per billing window.
type Budget struct {
	Monetary float64 `yaml:"monetary"`
}

// CacheConfig selects the backing store and fallback size.
type CacheConfig struct {
	// BackingURL is a Redis URL; empty runs on the in-process fallback only.
	BackingURL   string `yaml:"backing_url"`
	FallbackSize int    `yaml:"fallback_size"`
}

// BanditConfig holds the learner's safety rails.
type BanditConfig struct {
	CheckpointIntervalMS int     `yaml:"checkpoint_interval_ms"`
	MinSuccess           float64 `yaml:"min_success"`
	QuarantineWindow     int     `yaml:"quarantine_window"`
}

// Worker declares one registry entry and how to reach it.
type Worker struct {
	Kind           string   `yaml:"kind"`
	Model          string   `yaml:"model"`
	FootprintBytes int64    `yaml:"footprint_bytes"`
	CostPerUnit    float64  `yaml:"cost_per_unit"`
	Warmth         string   `yaml:"warmth"`
	Capabilities   []string `yaml:"capabilities"`
	Fallback       string   `yaml:"fallback"`

	// BaseURL applies to local-inference workers.
	BaseURL string `yaml:"base_url"`

	// Provider selects the client for remote-inference workers: openai,
	// anthropic or google.
	Provider string `yaml:"provider"`

	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `yaml:"api_key_env"`

	Concurrency int `yaml:"concurrency"`
}

// Arm declares one bandit arm.
type Arm struct {
	Workflow string `yaml:"workflow"`
	Quality  string `yaml:"quality"`
}

// APIKey maps a gateway key to a principal.
type APIKey struct {
	Principal string `yaml:"principal"`
	Tier      string `yaml:"tier"`
}

// ArchiveConfig selects the execution archive backend.
type ArchiveConfig struct {
	// Driver is memory, sqlite or mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SearchProvider declares one web-search endpoint.
type SearchProvider struct {
	ID          string  `yaml:"id"`
	Endpoint    string  `yaml:"endpoint"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	CostPerCall float64 `yaml:"cost_per_call"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

// Scraper configures page fetching for content enhancement.
type Scraper struct {
	TimeoutMS int    `yaml:"timeout_ms"`
	UserAgent string `yaml:"user_agent"`
	MaxBytes  int64  `yaml:"max_bytes"`
}

// Default returns a configuration that serves with no file at all: memory
// archive, fallback-only cache, no auth, no workers.
func Default() Config {
	return Config{
		Listen:                   ":8080",
		LogLevel:                 "info",
		PerNodeTimeoutMS:         30_000,
		RequestDeadlineDefaultMS: 30_000,
		Cache:                    CacheConfig{FallbackSize: 4096},
		Archive:                  ArchiveConfig{Driver: "memory"},
		Bandit: BanditConfig{
			CheckpointIntervalMS: 60_000,
			MinSuccess:           0.3,
			QuarantineWindow:     100,
		},
	}
}

// Load reads a YAML file over the defaults, rejects unknown fields, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validTiers = map[string]bool{
	string(graph.QualityMinimal):  true,
	string(graph.QualityBalanced): true,
	string(graph.QualityHigh):     true,
	string(graph.QualityPremium):  true,
}

var validKinds = map[string]bool{
	string(registry.KindLocalInference):  true,
	string(registry.KindRemoteInference): true,
	string(registry.KindWebSearch):       true,
}

var validWarmth = map[string]bool{
	string(registry.WarmthPinned):   true,
	string(registry.WarmthWarm):     true,
	string(registry.WarmthOnDemand): true,
	string(registry.WarmthCold):     true,
}

// Validate checks cross-field consistency. It returns the first problem
// found.
func (c Config) Validate() error {
	if c.ShadowRate < 0 || c.ShadowRate > 1 {
		return fmt.Errorf("shadow_rate %v outside [0,1]", c.ShadowRate)
	}
	if c.ResidentBudgetBytes < 0 {
		return fmt.Errorf("resident_budget_bytes must not be negative")
	}
	for tier, rl := range c.RateLimit {
		if !validTiers[tier] {
			return fmt.Errorf("rate_limit: unknown tier %q", tier)
		}
		if rl.RPM < 0 {
			return fmt.Errorf("rate_limit.%s.rpm must not be negative", tier)
		}
	}
	for tier, b := range c.Budget {
		if !validTiers[tier] {
			return fmt.Errorf("budget: unknown tier %q", tier)
		}
		if b.Monetary < 0 {
			return fmt.Errorf("budget.%s.monetary must not be negative", tier)
		}
	}
	for id, w := range c.Workers {
		if !validKinds[w.Kind] {
			return fmt.Errorf("worker.%s: unknown kind %q", id, w.Kind)
		}
		if w.Warmth != "" && !validWarmth[w.Warmth] {
			return fmt.Errorf("worker.%s: unknown warmth %q", id, w.Warmth)
		}
		if w.Kind == string(registry.KindRemoteInference) {
			switch w.Provider {
			case "openai", "anthropic", "google":
			default:
				return fmt.Errorf("worker.%s: unknown provider %q", id, w.Provider)
			}
		}
		if w.Fallback != "" {
			if _, ok := c.Workers[w.Fallback]; !ok {
				return fmt.Errorf("worker.%s: fallback %q is not declared", id, w.Fallback)
			}
		}
	}
	for task, ids := range c.ModelAssignments {
		for _, id := range ids {
			if _, ok := c.Workers[id]; !ok {
				return fmt.Errorf("model_assignments.%s: worker %q is not declared", task, id)
			}
		}
	}
	for tier, ids := range c.PriorityTiers {
		if !validWarmth[tier] {
			return fmt.Errorf("priority_tiers: unknown tier %q", tier)
		}
		for _, id := range ids {
			if _, ok := c.Workers[id]; !ok {
				return fmt.Errorf("priority_tiers.%s: worker %q is not declared", tier, id)
			}
		}
	}
	for id, arm := range c.Arms {
		if arm.Workflow == "" {
			return fmt.Errorf("arms.%s: workflow is required", id)
		}
		if arm.Quality != "" && !validTiers[arm.Quality] {
			return fmt.Errorf("arms.%s: unknown quality %q", id, arm.Quality)
		}
	}
	for key, p := range c.APIKeys {
		if p.Principal == "" {
			return fmt.Errorf("api_keys.%s: principal is required", key)
		}
		if p.Tier != "" && !validTiers[p.Tier] {
			return fmt.Errorf("api_keys.%s: unknown tier %q", key, p.Tier)
		}
	}
	switch c.Archive.Driver {
	case "memory":
	case "sqlite", "mysql":
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive: %s driver requires a dsn", c.Archive.Driver)
		}
	default:
		return fmt.Errorf("archive: unknown driver %q", c.Archive.Driver)
	}
	for i, p := range c.Search {
		if p.ID == "" || p.Endpoint == "" {
			return fmt.Errorf("search[%d]: id and endpoint are required", i)
		}
	}
	return nil
}

// PerNodeTimeout returns the engine's default node timeout.
func (c Config) PerNodeTimeout() time.Duration {
	return time.Duration(c.PerNodeTimeoutMS) * time.Millisecond
}

// RequestDeadlineDefault returns the default wall-clock budget per request.
func (c Config) RequestDeadlineDefault() time.Duration {
	return time.Duration(c.RequestDeadlineDefaultMS) * time.Millisecond
}

// WorkerWarmth resolves a worker's warmth: a priority_tiers entry wins over
// the inline declaration, which defaults to on-demand.
func (c Config) WorkerWarmth(workerID string) registry.Warmth {
	for tier, ids := range c.PriorityTiers {
		for _, id := range ids {
			if id == workerID {
				return registry.Warmth(tier)
			}
		}
	}
	if w, ok := c.Workers[workerID]; ok && w.Warmth != "" {
		return registry.Warmth(w.Warmth)
	}
	return registry.WarmthOnDemand
}

// APIKeySecret resolves a declared environment variable to its value.
func APIKeySecret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
