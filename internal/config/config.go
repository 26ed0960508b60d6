// Package config loads bpchat settings from YAML, .env and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"
)

// Defaults
const (
	DefaultModel            = "claude-3-opus-20240229"
	DefaultMaxTokens        = 1024
	DefaultMaxTurns         = 8
	DefaultBaseURL          = "https://api.anthropic.com"
	DefaultAnthropicVersion = "2023-06-01"
	DefaultHTTPTimeout      = 60 * time.Second
	DefaultListenAddr       = ":8080"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"

	DefaultSystemPrompt = "You are a helpful health assistant. Use the available tools to read or record the user's blood pressure. " +
		"Blood pressure is reported as systolic/diastolic in mmHg. Do not give medical diagnoses."
)

// Config is the full application configuration.
type Config struct {
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxTurns         int           `yaml:"max_turns"`
	SystemPrompt     string        `yaml:"system_prompt"`
	BaseURL          string        `yaml:"base_url"`
	AnthropicVersion string        `yaml:"anthropic_version"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	DataPath         string        `yaml:"data_path"`
	ListenAddr       string        `yaml:"listen_addr"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	Health           HealthConfig  `yaml:"health"`
	Checkins         []Checkin     `yaml:"checkins"`
}

// HealthConfig controls the blood pressure provider.
type HealthConfig struct {
	// Authorized gates every health tool. Nil means true.
	Authorized *bool `yaml:"authorized"`
}

// IsAuthorized reports the effective authorization flag.
func (h HealthConfig) IsAuthorized() bool {
	return h.Authorized == nil || *h.Authorized
}

// Checkin is a scheduled prompt.
type Checkin struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Prompt   string `yaml:"prompt"`
}

// Default returns a configuration holding every default.
func Default() *Config {
	return &Config{
		Model:            DefaultModel,
		MaxTokens:        DefaultMaxTokens,
		MaxTurns:         DefaultMaxTurns,
		SystemPrompt:     DefaultSystemPrompt,
		BaseURL:          DefaultBaseURL,
		AnthropicVersion: DefaultAnthropicVersion,
		HTTPTimeout:      DefaultHTTPTimeout,
		DataPath:         defaultDataPath(),
		ListenAddr:       DefaultListenAddr,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
	}
}

func defaultDataPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "bpchat")
	}
	return ".bpchat"
}

// Load reads .env (if present), the YAML file at path (if non-empty and
// present), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			if err := decode(bytes.NewReader(data), cfg); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ANTHROPIC_API_KEY", &c.APIKey)
	str("ANTHROPIC_BASE_URL", &c.BaseURL)
	str("BPCHAT_MODEL", &c.Model)
	str("BPCHAT_DATA_PATH", &c.DataPath)
	str("BPCHAT_LOG_LEVEL", &c.LogLevel)
	str("BPCHAT_LISTEN_ADDR", &c.ListenAddr)

	if v, ok := lookup("BPCHAT_MAX_TURNS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: BPCHAT_MAX_TURNS %q is not an integer", v)
		}
		c.MaxTurns = n
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if cfg.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", cfg.MaxTokens))
	}
	if cfg.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("max_turns must be positive, got %d", cfg.MaxTurns))
	}
	if cfg.HTTPTimeout < 0 {
		errs = append(errs, fmt.Errorf("http_timeout must not be negative, got %s", cfg.HTTPTimeout))
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("base_url %q must be an http(s) URL", cfg.BaseURL))
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is invalid; valid values: text, json", cfg.LogFormat))
	}

	seen := make(map[string]int, len(cfg.Checkins))
	for i, c := range cfg.Checkins {
		prefix := fmt.Sprintf("checkins[%d]", i)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[c.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of checkins[%d]", prefix, c.Name, prev))
			}
			seen[c.Name] = i
		}
		if strings.TrimSpace(c.Prompt) == "" {
			errs = append(errs, fmt.Errorf("%s.prompt is required", prefix))
		}
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule %q: %w", prefix, c.Schedule, err))
		}
	}

	return errors.Join(errs...)
}

// RequireAPIKey reports a missing API key. Commands that talk to the model
// call it; offline commands do not.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("config: ANTHROPIC_API_KEY is not set")
	}
	return nil
}
