// Package config loads settings from defaults, an optional YAML file, a .env
// file and GUARDCHAT_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"guardrails-chat/internal/domain"
)

const (
	EnvPrefix = "GUARDCHAT_"
	// DefaultFile is read when present and no explicit path is given.
	DefaultFile  = "guardchat.yaml"
	DefaultModel = "gpt-4o-mini-2024-07-18"
)

type Config struct {
	Model       string         `koanf:"model"`
	Temperature float64        `koanf:"temperature"`
	ParamPrefix string         `koanf:"param_prefix"`
	OpenAI      OpenAIConfig   `koanf:"openai"`
	Archive     ArchiveConfig  `koanf:"archive"`
	Guard       GuardConfig    `koanf:"guard"`
	Length      LengthConfig   `koanf:"length"`
	Toxicity    ToxicityConfig `koanf:"toxicity"`
	Log         LogConfig      `koanf:"log"`
	Trace       TraceConfig    `koanf:"trace"`
}

type OpenAIConfig struct {
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

type ArchiveConfig struct {
	Table string `koanf:"table"`
}

type GuardConfig struct {
	Enabled    bool     `koanf:"enabled"`
	Validators []string `koanf:"validators"`
	PII        bool     `koanf:"pii"`
	Jailbreak  bool     `koanf:"jailbreak"`
	// JudgeModel overrides the session model for the judge validators.
	JudgeModel string `koanf:"judge_model"`
}

type LengthConfig struct {
	MaxChars  int `koanf:"max_chars"`
	MaxTokens int `koanf:"max_tokens"`
}

type ToxicityConfig struct {
	Thresholds map[string]float64 `koanf:"thresholds"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"`
}

type TraceConfig struct {
	File string `koanf:"file"`
}

var defaults = map[string]any{
	"model":            DefaultModel,
	"temperature":      0.7,
	"openai.base_url":  "https://api.openai.com/v1",
	"openai.timeout":   "30s",
	"guard.enabled":    true,
	"guard.pii":        true,
	"guard.jailbreak":  true,
	"length.max_chars": 2000,
	"log.level":        "warn",
}

// Load reads configuration. An explicit path must exist; the default file is
// optional.
func Load(path string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	k := koanf.New(".")

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if !k.Exists("openai.api_key") {
		if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
			if err := k.Set("openai.api_key", key); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, fmt.Errorf("config: default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Guard.Validators = splitList(cfg.Guard.Validators)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps GUARDCHAT_OPENAI__BASE_URL to openai.base_url.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// splitList accepts both YAML lists and a comma separated environment value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("config: model must not be empty")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("config: temperature %v must be within [0,2]", c.Temperature)
	}
	if c.OpenAI.Timeout <= 0 {
		return errors.New("config: openai.timeout must be positive")
	}
	if c.Length.MaxChars < 0 || c.Length.MaxTokens < 0 {
		return errors.New("config: length limits must not be negative")
	}
	if c.Length.MaxChars == 0 && c.Length.MaxTokens == 0 {
		return errors.New("config: length.max_chars or length.max_tokens must be set")
	}
	for cat, th := range c.Toxicity.Thresholds {
		if th < 0 || th > 1 {
			return fmt.Errorf("config: toxicity threshold for %q must be within [0,1]", cat)
		}
	}
	if _, err := c.ValidatorConfig(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}

// ValidatorConfig returns the validators enabled at session start.
func (c *Config) ValidatorConfig() (domain.ValidatorConfig, error) {
	out := domain.ValidatorConfig{}
	for _, name := range c.Guard.Validators {
		v, err := domain.ParseValidatorName(name)
		if err != nil {
			return nil, fmt.Errorf("config: guard.validators: %w", err)
		}
		out[v] = true
	}
	return out, nil
}
