// Package config loads central's configuration: a YAML file under the XDG
// config directory with CENTRAL_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Built-in defaults for the primary runtime.
const (
	DefaultURL   = "http://127.0.0.1:11434/api/chat"
	DefaultModel = "centi-nox"
)

type Config struct {
	LLM     LLMConfig     `mapstructure:"llm"`
	Session SessionConfig `mapstructure:"session"`
	Persona string        `mapstructure:"persona"` // system preamble, optional
}

type LLMConfig struct {
	URL         string  `mapstructure:"url"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Stream      bool    `mapstructure:"stream"`
	StripThink  bool    `mapstructure:"strip_think"` // redact <think> spans
	Sanitize    bool    `mapstructure:"sanitize"`    // mark sessions as PII-scrubbed
}

type SessionConfig struct {
	Root        string `mapstructure:"root"`
	ArchiveRoot string `mapstructure:"archive_root"`
	Logging     bool   `mapstructure:"logging"`
}

func Load() (*Config, error) {
	// A .env in the working directory fills gaps; real env always wins.
	_ = godotenv.Load()

	configDir, err := Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	v.SetDefault("llm.url", DefaultURL)
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 256)
	v.SetDefault("llm.stream", true)
	v.SetDefault("llm.strip_think", true)
	v.SetDefault("llm.sanitize", false)
	v.SetDefault("session.root", "memory/sessions")
	v.SetDefault("session.archive_root", "memory/early-archives")
	v.SetDefault("session.logging", true)

	// Config file is optional.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv layers the CENTRAL_* variables over whatever the file set.
func applyEnv(cfg *Config) {
	if url := strings.TrimSpace(os.Getenv("CENTRAL_LLM_URL")); url != "" {
		cfg.LLM.URL = url
	}
	if model := strings.TrimSpace(os.Getenv("CENTRAL_LLM_MODEL")); model != "" {
		cfg.LLM.Model = model
	}
	cfg.LLM.APIKey = expandEnv(cfg.LLM.APIKey)
	if key := os.Getenv("CENTRAL_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// Dir returns the XDG config directory for central.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func Dir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "central"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "central"), nil
}

// Path returns where the config file should be located.
func Path() (string, error) {
	configDir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}
