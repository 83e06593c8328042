// Package config holds the process-wide gateway configuration. It is loaded
// once at startup and passed by value; nothing in the routing core reads the
// environment at call time.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "echoflowd.toml"

// Defaults mirror the deployed model tiers: premium first, then free fallback.
var (
	DefaultPremiumModels = []string{
		"openai/gpt-4o-mini:paid",
		"mistralai/mistral-7b-instruct:paid",
	}
	DefaultFallbackModels = []string{
		"meta-llama/llama-3.3-70b-instruct:free",
		"qwen/qwen-3-235b-a22b:free",
		"mistralai/mistral-small-3.1-24b:free",
		"google/gemma-3-4b-instruct:free",
	}
)

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// AIConfig is the configuration surface of the routing core.
type AIConfig struct {
	BaseURL string `toml:"base_url"`

	// Comma-separated ordered model lists. Premium tier is always tried
	// before the fallback tier, independent of budget state.
	PremiumModels  string `toml:"premium_models,omitempty"`
	FallbackModels string `toml:"fallback_models,omitempty"`

	// Platform credentials. The environment-specific key wins over the
	// generic one; secrets are normally injected via env overrides rather
	// than written into the config file.
	PlatformAPIKey     string `toml:"platform_api_key,omitempty"`
	PlatformProdAPIKey string `toml:"platform_prod_api_key,omitempty"`
	PlatformDevAPIKey  string `toml:"platform_dev_api_key,omitempty"`

	// PlatformDailyLimit of 0 means unbounded.
	PlatformDailyLimit int     `toml:"platform_daily_limit,omitempty"`
	UserDailyLimit     int     `toml:"user_daily_limit,omitempty"`
	SoftLimitRatio     float64 `toml:"soft_limit_ratio,omitempty"`

	EncryptionSecret string `toml:"encryption_secret,omitempty"`

	// Attribution headers sent upstream.
	AppURL   string `toml:"app_url,omitempty"`
	AppTitle string `toml:"app_title,omitempty"`
}

type Config struct {
	ListenAddr  string         `toml:"listen_addr"`
	Environment string         `toml:"environment"`
	LogLevel    string         `toml:"log_level"`
	Database    DatabaseConfig `toml:"database"`
	AI          AIConfig       `toml:"ai"`
	TLS         TLSConfig      `toml:"tls"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "echoflow", defaultConfigFileName)
}

func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "echoflow.db"
	}
	return filepath.Join(home, ".local", "share", "echoflow", "echoflow.db")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "echoflow", "tls-autocert")
}

func NewDefault() Config {
	return Config{
		ListenAddr:  "127.0.0.1:8085",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			Path: DefaultDatabasePath(),
		},
		AI: AIConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			UserDailyLimit: 50,
			SoftLimitRatio: 0.9,
			AppURL:         "http://localhost:3000",
			AppTitle:       "Echoflow",
		},
		TLS: TLSConfig{
			Enabled:    false,
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

// Load reads the TOML config if present, fills in defaults, and applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := NewDefault()
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&c.Environment, "ECHOFLOW_ENV")
	setString(&c.AI.PlatformAPIKey, "OPENROUTER_API_KEY")
	setString(&c.AI.PlatformProdAPIKey, "OPENROUTER_PROD_API_KEY")
	setString(&c.AI.PlatformDevAPIKey, "OPENROUTER_DEV_API_KEY")
	setString(&c.AI.PremiumModels, "OPENROUTER_PREMIUM_MODELS")
	setString(&c.AI.FallbackModels, "OPENROUTER_FALLBACK_MODELS")
	setString(&c.AI.EncryptionSecret, "BYOK_ENCRYPTION_SECRET")
	setString(&c.AI.AppURL, "ECHOFLOW_APP_URL")

	if v := strings.TrimSpace(os.Getenv("OPENROUTER_PLATFORM_DAILY_REQUEST_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AI.PlatformDailyLimit = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPENROUTER_USER_DAILY_REQUEST_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AI.UserDailyLimit = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPENROUTER_PLATFORM_SOFT_LIMIT_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.AI.SoftLimitRatio = f
		}
	}
}

func (c *Config) normalize() {
	if c.AI.PlatformDailyLimit < 0 {
		c.AI.PlatformDailyLimit = 0
	}
	if c.AI.UserDailyLimit <= 0 {
		c.AI.UserDailyLimit = 50
	}
	if c.AI.SoftLimitRatio == 0 {
		c.AI.SoftLimitRatio = 0.9
	}
	if c.AI.SoftLimitRatio < 0.1 {
		c.AI.SoftLimitRatio = 0.1
	}
	if c.AI.SoftLimitRatio > 1.0 {
		c.AI.SoftLimitRatio = 1.0
	}
	c.AI.BaseURL = strings.TrimRight(strings.TrimSpace(c.AI.BaseURL), "/")
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// PremiumModelList returns the configured premium tier, falling back to the
// built-in defaults when unset or unparseable.
func (a AIConfig) PremiumModelList() []string {
	return parseModelList(a.PremiumModels, DefaultPremiumModels)
}

func (a AIConfig) FallbackModelList() []string {
	return parseModelList(a.FallbackModels, DefaultFallbackModels)
}

func parseModelList(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}
