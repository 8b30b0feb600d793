package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kettleworks/maestro/registry"
)

const fixture = `
listen: ":9090"
log_level: debug
resident_budget_bytes: 8589934592
per_node_timeout_ms: 20000
request_deadline_default_ms: 45000
shadow_rate: 0.05
shadow_budget_per_window: 2.5

rate_limit:
  balanced: {rpm: 60}
  premium: {rpm: 600}

budget:
  balanced: {monetary: 10.0}
  premium: {monetary: 100.0}

cache:
  backing_url: "redis://localhost:6379/0"
  fallback_size: 2048

bandit:
  checkpoint_interval_ms: 30000
  min_success: 0.3
  quarantine_window: 100

worker:
  llama-small:
    kind: local-inference
    model: llama3.2:3b
    base_url: "http://localhost:11434"
    footprint_bytes: 3221225472
    cost_per_unit: 0.0001
    warmth: T1
    capabilities: [chat, intent, summarize]
  gpt-large:
    kind: remote-inference
    provider: openai
    model: gpt-4o
    api_key_env: OPENAI_API_KEY
    cost_per_unit: 0.01
    capabilities: [chat, code, synthesis]
    fallback: llama-small

model_assignments:
  chat: [llama-small, gpt-large]
  code: [gpt-large]
  intent: [llama-small]

priority_tiers:
  T0: [llama-small]

arms:
  chat-fast: {workflow: chat, quality: minimal}
  chat-deep: {workflow: chat, quality: high}

api_keys:
  sk-test-1: {principal: alice, tier: premium}

archive:
  driver: sqlite
  dsn: /var/lib/maestro/archive.db

search:
  - id: searx
    endpoint: "http://localhost:8888/search"
    cost_per_call: 0.0
  - id: brave
    endpoint: "https://api.search.brave.com/res/v1/web/search"
    api_key_env: BRAVE_API_KEY
    cost_per_call: 0.001
    timeout_ms: 5000

scraper:
  timeout_ms: 10000
  user_agent: maestro/1.0
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("parses a full file", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, fixture))
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if cfg.Listen != ":9090" || cfg.ShadowRate != 0.05 {
			t.Errorf("top level = %q / %v", cfg.Listen, cfg.ShadowRate)
		}
		if got := cfg.PerNodeTimeout(); got != 20*time.Second {
			t.Errorf("PerNodeTimeout = %v", got)
		}
		if got := cfg.RequestDeadlineDefault(); got != 45*time.Second {
			t.Errorf("RequestDeadlineDefault = %v", got)
		}
		if cfg.RateLimit["premium"].RPM != 600 {
			t.Errorf("premium rpm = %d", cfg.RateLimit["premium"].RPM)
		}
		if cfg.Budget["balanced"].Monetary != 10.0 {
			t.Errorf("balanced budget = %v", cfg.Budget["balanced"].Monetary)
		}
		w, ok := cfg.Workers["gpt-large"]
		if !ok || w.Provider != "openai" || w.Fallback != "llama-small" {
			t.Errorf("gpt-large = %+v", w)
		}
		if got := cfg.Arms["chat-deep"]; got.Workflow != "chat" || got.Quality != "high" {
			t.Errorf("chat-deep arm = %+v", got)
		}
		if len(cfg.Search) != 2 || cfg.Search[0].ID != "searx" {
			t.Errorf("search providers = %+v", cfg.Search)
		}
	})

	t.Run("defaults survive a minimal file", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "listen: \":7070\"\n"))
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if cfg.Listen != ":7070" {
			t.Errorf("listen = %q", cfg.Listen)
		}
		if cfg.Archive.Driver != "memory" {
			t.Errorf("archive driver = %q, want the memory default", cfg.Archive.Driver)
		}
		if cfg.PerNodeTimeout() != 30*time.Second {
			t.Errorf("PerNodeTimeout = %v", cfg.PerNodeTimeout())
		}
	})

	t.Run("missing file is an error", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("Load() succeeded on a missing file")
		}
	})
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Workers = map[string]Worker{
			"w1": {Kind: "local-inference", Warmth: "T1"},
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "shadow rate out of range",
			mutate:  func(c *Config) { c.ShadowRate = 1.5 },
			wantErr: "shadow_rate",
		},
		{
			name:    "unknown rate limit tier",
			mutate:  func(c *Config) { c.RateLimit = map[string]RateLimit{"gold": {RPM: 10}} },
			wantErr: "unknown tier",
		},
		{
			name: "unknown worker kind",
			mutate: func(c *Config) {
				c.Workers["bad"] = Worker{Kind: "quantum"}
			},
			wantErr: "unknown kind",
		},
		{
			name: "remote worker without provider",
			mutate: func(c *Config) {
				c.Workers["r"] = Worker{Kind: "remote-inference"}
			},
			wantErr: "unknown provider",
		},
		{
			name: "fallback to undeclared worker",
			mutate: func(c *Config) {
				c.Workers["f"] = Worker{Kind: "local-inference", Fallback: "ghost"}
			},
			wantErr: "not declared",
		},
		{
			name: "assignment to undeclared worker",
			mutate: func(c *Config) {
				c.ModelAssignments = map[string][]string{"chat": {"ghost"}}
			},
			wantErr: "not declared",
		},
		{
			name: "arm without workflow",
			mutate: func(c *Config) {
				c.Arms = map[string]Arm{"a": {Quality: "high"}}
			},
			wantErr: "workflow is required",
		},
		{
			name: "sqlite archive without dsn",
			mutate: func(c *Config) {
				c.Archive = ArchiveConfig{Driver: "sqlite"}
			},
			wantErr: "requires a dsn",
		},
		{
			name: "unknown archive driver",
			mutate: func(c *Config) {
				c.Archive = ArchiveConfig{Driver: "postgres", DSN: "x"}
			},
			wantErr: "unknown driver",
		},
		{
			name: "search provider without endpoint",
			mutate: func(c *Config) {
				c.Search = []SearchProvider{{ID: "p"}}
			},
			wantErr: "endpoint are required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestWorkerWarmth(t *testing.T) {
	cfg := Default()
	cfg.Workers = map[string]Worker{
		"pinned-by-tier": {Kind: "local-inference", Warmth: "T2"},
		"inline":         {Kind: "local-inference", Warmth: "T1"},
		"bare":           {Kind: "local-inference"},
	}
	cfg.PriorityTiers = map[string][]string{"T0": {"pinned-by-tier"}}

	if got := cfg.WorkerWarmth("pinned-by-tier"); got != registry.WarmthPinned {
		t.Errorf("priority tier override = %v", got)
	}
	if got := cfg.WorkerWarmth("inline"); got != registry.WarmthWarm {
		t.Errorf("inline warmth = %v", got)
	}
	if got := cfg.WorkerWarmth("bare"); got != registry.WarmthOnDemand {
		t.Errorf("default warmth = %v", got)
	}
}
