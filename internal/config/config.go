// Package config loads studyrag configuration from defaults, an optional
// config file, .env, STUDYRAG_* environment variables and command flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. STUDYRAG_BUNDLE_DIR
const EnvPrefix = "STUDYRAG"

// Provider names
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderHash   = "hash"
	ProviderNone   = "none"
)

// Config holds all application configuration.
type Config struct {
	ConfigFile string           `mapstructure:"config"`
	BundleDir  string           `mapstructure:"bundle-dir"`
	Sources    []string         `mapstructure:"sources"`
	Checkpoint string           `mapstructure:"checkpoint"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Completion CompletionConfig `mapstructure:"completion"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Search     SearchConfig     `mapstructure:"search"`
	Modes      ModesConfig      `mapstructure:"modes"`
}

// EmbeddingConfig selects and tunes the embedding provider. The same
// settings must be used to build a bundle and to query it.
type EmbeddingConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	Dimensions  int           `mapstructure:"dimensions"`
	APIKey      string        `mapstructure:"api-key"`
	BaseURL     string        `mapstructure:"base-url"`
	BatchSize   int           `mapstructure:"batch-size"`
	Concurrency int           `mapstructure:"concurrency"`
	RateLimit   float64       `mapstructure:"rate-limit"`
	MaxRetries  int           `mapstructure:"max-retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// CompletionConfig selects the chat completion provider used by ask
type CompletionConfig struct {
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api-key"`
	BaseURL      string        `mapstructure:"base-url"`
	MaxTokens    int           `mapstructure:"max-tokens"`
	Temperature  float32       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SystemPrompt string        `mapstructure:"system-prompt"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read-timeout"`
	WriteTimeout    time.Duration `mapstructure:"write-timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	MaxBodyBytes    int64         `mapstructure:"max-body-bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SearchConfig struct {
	TopK               int     `mapstructure:"top-k"`
	MaxTopK            int     `mapstructure:"max-top-k"`
	MinScore           float64 `mapstructure:"min-score"`
	QueryCacheSize     int     `mapstructure:"query-cache-size"`
	ReconstructSubsets bool    `mapstructure:"reconstruct-subsets"`
}

type ModesConfig struct {
	RecentYears   int `mapstructure:"recent-years"`
	ReferenceYear int `mapstructure:"reference-year"`
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")
	v.SetDefault("bundle-dir", "bundle")
	v.SetDefault("sources", []string{})
	v.SetDefault("checkpoint", "")

	v.SetDefault("embedding.provider", ProviderOpenAI)
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dimensions", 0)
	v.SetDefault("embedding.api-key", "")
	v.SetDefault("embedding.base-url", "")
	v.SetDefault("embedding.batch-size", 100)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.rate-limit", 0.0)
	v.SetDefault("embedding.max-retries", 3)
	v.SetDefault("embedding.timeout", "60s")

	v.SetDefault("completion.provider", ProviderOpenAI)
	v.SetDefault("completion.model", "")
	v.SetDefault("completion.api-key", "")
	v.SetDefault("completion.base-url", "")
	v.SetDefault("completion.max-tokens", 1024)
	v.SetDefault("completion.temperature", 0.2)
	v.SetDefault("completion.timeout", "120s")
	v.SetDefault("completion.system-prompt", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read-timeout", "15s")
	v.SetDefault("server.write-timeout", "0s")
	v.SetDefault("server.shutdown-timeout", "10s")
	v.SetDefault("server.max-body-bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("search.top-k", 5)
	v.SetDefault("search.max-top-k", 50)
	v.SetDefault("search.min-score", 0.0)
	v.SetDefault("search.query-cache-size", 1000)
	v.SetDefault("search.reconstruct-subsets", true)

	v.SetDefault("modes.recent-years", 5)
	v.SetDefault("modes.reference-year", 0)
}

// BindFlags binds flags to config keys. keys maps flag name to key; flags
// missing from fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads .env if present, then the config file if one is set, and
// returns the validated configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	c.Completion.Provider = strings.ToLower(strings.TrimSpace(c.Completion.Provider))
	if c.Modes.ReferenceYear <= 0 {
		c.Modes.ReferenceYear = time.Now().Year()
	}
	sources := c.Sources[:0]
	for _, s := range c.Sources {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, s)
		}
	}
	c.Sources = sources
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if !slices.Contains([]string{ProviderOpenAI, ProviderOllama, ProviderHash}, c.Embedding.Provider) {
		return fmt.Errorf("embedding.provider must be one of openai, ollama, hash; got %q", c.Embedding.Provider)
	}
	if !slices.Contains([]string{ProviderOpenAI, ProviderOllama, ProviderNone}, c.Completion.Provider) {
		return fmt.Errorf("completion.provider must be one of openai, ollama, none; got %q", c.Completion.Provider)
	}
	if c.Embedding.BatchSize <= 0 {
		return errors.New("embedding.batch-size must be a positive integer")
	}
	if c.Embedding.Concurrency <= 0 {
		return errors.New("embedding.concurrency must be a positive integer")
	}
	if c.Embedding.Dimensions < 0 {
		return errors.New("embedding.dimensions must not be negative")
	}
	if c.Embedding.RateLimit < 0 {
		return errors.New("embedding.rate-limit must not be negative")
	}
	if c.Embedding.MaxRetries < 0 {
		return errors.New("embedding.max-retries must not be negative")
	}
	if c.Search.TopK <= 0 {
		return errors.New("search.top-k must be a positive integer")
	}
	if c.Search.MaxTopK < c.Search.TopK {
		return fmt.Errorf("search.max-top-k (%d) must be at least search.top-k (%d)", c.Search.MaxTopK, c.Search.TopK)
	}
	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		return fmt.Errorf("search.min-score must be within [0, 1]; got %g", c.Search.MinScore)
	}
	if c.Modes.RecentYears <= 0 {
		return errors.New("modes.recent-years must be a positive integer")
	}
	if strings.TrimSpace(c.BundleDir) == "" {
		return errors.New("bundle-dir is required")
	}
	return nil
}
