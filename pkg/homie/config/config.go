// Package config defines the declarative TOML configuration for Homie.
// Core packages receive already-decoded config structs; environment
// variables and the OS keyring are consulted only here and in cmd/.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all agent configuration.
type Config struct {
	// Name is the persona name shown in logs and the CLI prompt.
	Name string `toml:"name"`

	// Model configures the LLM provider and model roles.
	Model ModelConfig `toml:"model"`

	// Behavior configures sleep windows, debouncing and reply shaping.
	Behavior BehaviorConfig `toml:"behavior"`

	// Proactive configures the heartbeat and outreach rate limits.
	Proactive ProactiveConfig `toml:"proactive"`

	// Memory configures retrieval, capsules, decay and feedback.
	Memory MemoryConfig `toml:"memory"`

	// Tools configures tool tier access.
	Tools ToolsConfig `toml:"tools"`

	// TTS configures voice note synthesis.
	TTS TTSConfig `toml:"tts"`

	// Paths configures data and identity directories.
	Paths PathsConfig `toml:"paths"`

	// Logging configures log output.
	Logging LoggingConfig `toml:"logging"`
}

// ModelConfig selects the LLM backend and the model per role.
type ModelConfig struct {
	Provider ProviderConfig `toml:"provider"`
	Models   ModelRoles     `toml:"models"`

	// ContextTokens is the session token budget; crossing 80% of it
	// triggers compaction.
	ContextTokens int `toml:"context_tokens"`
}

// ProviderConfig identifies the backend adapter.
type ProviderConfig struct {
	// Kind is one of: anthropic, openai-compatible, claude-code, codex-cli, mpp.
	Kind    string `toml:"kind"`
	BaseURL string `toml:"base_url"`
	// APIKey is the least preferred key source; keyring and env win.
	APIKey string `toml:"api_key"`
}

// ModelRoles maps engine roles to model identifiers.
type ModelRoles struct {
	Default string `toml:"default"`
	Fast    string `toml:"fast"`
}

// SleepConfig defines the local-time window in which the agent stays silent.
type SleepConfig struct {
	Enabled    bool   `toml:"enabled"`
	Timezone   string `toml:"timezone"`
	StartLocal string `toml:"start_local"` // "23:30"
	EndLocal   string `toml:"end_local"`   // "08:00"
}

// BehaviorConfig shapes when and how the agent replies.
type BehaviorConfig struct {
	Sleep         SleepConfig `toml:"sleep"`
	GroupMaxChars int         `toml:"group_max_chars"`
	DMMaxChars    int         `toml:"dm_max_chars"`
	MinDelayMs    int         `toml:"min_delay_ms"`
	MaxDelayMs    int         `toml:"max_delay_ms"`
	DebounceMs    int         `toml:"debounce_ms"`
}

// OutreachScopeConfig caps proactive sends for one scope (dm or group).
type OutreachScopeConfig struct {
	MaxPerDay           int   `toml:"max_per_day"`
	MaxPerWeek          int   `toml:"max_per_week"`
	CooldownAfterUserMs int64 `toml:"cooldown_after_user_ms"`
	PauseAfterIgnored   int   `toml:"pause_after_ignored"`
}

// ProactiveConfig configures the scheduler and heartbeat.
type ProactiveConfig struct {
	Enabled             bool                `toml:"enabled"`
	HeartbeatIntervalMs int64               `toml:"heartbeat_interval_ms"`
	SkipRate            float64             `toml:"skip_rate"`
	DM                  OutreachScopeConfig `toml:"dm"`
	Group               OutreachScopeConfig `toml:"group"`
}

// CapsuleConfig configures derived person/group capsules.
type CapsuleConfig struct {
	Enabled   bool `toml:"enabled"`
	MaxTokens int  `toml:"max_tokens"`
}

// DecayConfig configures recency decay for retrieval scores.
type DecayConfig struct {
	Enabled      bool    `toml:"enabled"`
	HalfLifeDays float64 `toml:"half_life_days"`
}

// RetrievalConfig tunes hybrid search fusion.
type RetrievalConfig struct {
	RRFK          float64 `toml:"rrf_k"`
	FTSWeight     float64 `toml:"fts_weight"`
	VecWeight     float64 `toml:"vec_weight"`
	RecencyWeight float64 `toml:"recency_weight"`
}

// FeedbackConfig configures the outbound feedback tracker.
type FeedbackConfig struct {
	Enabled          bool    `toml:"enabled"`
	FinalizeAfterMs  int64   `toml:"finalize_after_ms"`
	SuccessThreshold float64 `toml:"success_threshold"`
	FailureThreshold float64 `toml:"failure_threshold"`
}

// MemoryConfig configures the long-term memory system.
type MemoryConfig struct {
	Enabled             bool            `toml:"enabled"`
	ContextBudgetTokens int             `toml:"context_budget_tokens"`
	Capsule             CapsuleConfig   `toml:"capsule"`
	Decay               DecayConfig     `toml:"decay"`
	Retrieval           RetrievalConfig `toml:"retrieval"`
	Feedback            FeedbackConfig  `toml:"feedback"`
}

// ToolTierConfig gates one tool tier.
type ToolTierConfig struct {
	EnabledForOperator bool     `toml:"enabled_for_operator"`
	AllowAll           bool     `toml:"allow_all"`
	Allowlist          []string `toml:"allowlist"`
}

// ToolsConfig configures tool tier access per spec.
type ToolsConfig struct {
	Restricted ToolTierConfig `toml:"restricted"`
	Dangerous  ToolTierConfig `toml:"dangerous"`
}

// TTSConfig configures the speech synthesis provider. The API key follows
// the same resolution chain as the LLM key.
type TTSConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	Voice   string `toml:"voice"`
}

// PathsConfig locates the project's directories.
type PathsConfig struct {
	ProjectDir  string `toml:"project_dir"`
	IdentityDir string `toml:"identity_dir"`
	SkillsDir   string `toml:"skills_dir"`
	DataDir     string `toml:"data_dir"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// DefaultConfig returns a config with every knob at its documented default.
func DefaultConfig() *Config {
	return &Config{
		Name: "homie",
		Model: ModelConfig{
			Provider:      ProviderConfig{Kind: "anthropic"},
			ContextTokens: 30_000,
		},
		Behavior: BehaviorConfig{
			Sleep: SleepConfig{
				Enabled:    false,
				Timezone:   "UTC",
				StartLocal: "23:30",
				EndLocal:   "08:00",
			},
			GroupMaxChars: 600,
			DMMaxChars:    1200,
			MinDelayMs:    400,
			MaxDelayMs:    3000,
			DebounceMs:    2500,
		},
		Proactive: ProactiveConfig{
			Enabled:             true,
			HeartbeatIntervalMs: 5 * 60 * 1000,
			SkipRate:            0.25,
			DM: OutreachScopeConfig{
				MaxPerDay:           3,
				MaxPerWeek:          10,
				CooldownAfterUserMs: 2 * 60 * 60 * 1000,
				PauseAfterIgnored:   3,
			},
			Group: OutreachScopeConfig{
				MaxPerDay:           1,
				MaxPerWeek:          3,
				CooldownAfterUserMs: 6 * 60 * 60 * 1000,
				PauseAfterIgnored:   2,
			},
		},
		Memory: MemoryConfig{
			Enabled:             true,
			ContextBudgetTokens: 2000,
			Capsule:             CapsuleConfig{Enabled: true, MaxTokens: 200},
			Decay:               DecayConfig{Enabled: true, HalfLifeDays: 30},
			Retrieval: RetrievalConfig{
				RRFK:          60,
				FTSWeight:     0.6,
				VecWeight:     0.4,
				RecencyWeight: 0.2,
			},
			Feedback: FeedbackConfig{
				Enabled:          true,
				FinalizeAfterMs:  60 * 1000,
				SuccessThreshold: 0.6,
				FailureThreshold: 0.2,
			},
		},
		Tools: ToolsConfig{
			Restricted: ToolTierConfig{EnabledForOperator: true},
			Dangerous:  ToolTierConfig{EnabledForOperator: false},
		},
		TTS: TTSConfig{Model: "tts-1", Voice: "alloy"},
		Paths: PathsConfig{
			ProjectDir:  ".",
			IdentityDir: "./identity",
			SkillsDir:   "./skills",
			DataDir:     "./data",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a TOML config file, layering it over DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	switch c.Model.Provider.Kind {
	case "", "anthropic", "openai-compatible", "claude-code", "codex-cli", "mpp":
	default:
		return fmt.Errorf("unknown provider kind %q", c.Model.Provider.Kind)
	}
	if c.Behavior.Sleep.Enabled {
		if _, err := time.LoadLocation(c.Behavior.Sleep.Timezone); err != nil {
			return fmt.Errorf("invalid sleep timezone %q: %w", c.Behavior.Sleep.Timezone, err)
		}
		for _, hm := range []string{c.Behavior.Sleep.StartLocal, c.Behavior.Sleep.EndLocal} {
			if _, err := time.Parse("15:04", hm); err != nil {
				return fmt.Errorf("invalid sleep window time %q: %w", hm, err)
			}
		}
	}
	if c.Proactive.SkipRate < 0 || c.Proactive.SkipRate >= 1 {
		return fmt.Errorf("proactive.skip_rate must be in [0,1), got %v", c.Proactive.SkipRate)
	}
	return nil
}

// DataPath joins the data dir with a file name, creating the dir if needed.
func (c *Config) DataPath(name string) string {
	_ = os.MkdirAll(c.Paths.DataDir, 0o755)
	return filepath.Join(c.Paths.DataDir, name)
}
