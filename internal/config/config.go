package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Inject    InjectConfig    `mapstructure:"inject"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" validate:"required"`
	Env  string `mapstructure:"env"`
}

// UpstreamConfig points the gateway at the OpenAI-compatible inference
// server every request is forwarded to.
type UpstreamConfig struct {
	BaseURL      string `mapstructure:"base_url" validate:"required,url"`
	DefaultModel string `mapstructure:"default_model"`
}

// RegistryConfig tunes the model-ID cache. A TTL of zero or less means
// the cache is never considered fresh and every resolution attempts a
// refresh.
type RegistryConfig struct {
	TTLSeconds        float64 `mapstructure:"ttl_seconds"`
	Retries           int     `mapstructure:"retries" validate:"min=0"`
	RetryDelaySeconds float64 `mapstructure:"retry_delay_seconds" validate:"min=0"`
}

// InjectConfig controls the optional system message prepended to every
// conversation that does not already start with one.
type InjectConfig struct {
	SystemPromptEnabled bool   `mapstructure:"system_prompt_enabled"`
	SystemPrompt        string `mapstructure:"system_prompt"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
	Burst             int     `mapstructure:"burst" validate:"min=0"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func (c RegistryConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds * float64(time.Second))
}

func (c RegistryConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

// LoadConfig reads configuration from an optional YAML file and the
// environment. Environment keys follow the section_key convention, e.g.
// UPSTREAM_BASE_URL overrides upstream.base_url.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("upstream.base_url", "http://localhost:8000")
	v.SetDefault("upstream.default_model", "Qwen/Qwen2.5-7B-Instruct")
	v.SetDefault("registry.ttl_seconds", 60.0)
	v.SetDefault("registry.retries", 10)
	v.SetDefault("registry.retry_delay_seconds", 1.0)
	v.SetDefault("inject.system_prompt_enabled", false)
	v.SetDefault("inject.system_prompt", "")
	v.SetDefault("rate_limit.requests_per_second", 50.0)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("tracing.enabled", false)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
