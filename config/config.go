package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug               bool   `mapstructure:"debug"`
	LogLevel            string `mapstructure:"log_level"`
	DefaultJurisdiction string `mapstructure:"default_jurisdiction"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains the completion endpoint settings used by the
// specialist handlers. Any OpenAI-compatible endpoint works.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains database configurations
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig contains Redis settings for the case-snapshot cache
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// MemoryConfig controls the semantic memory index
type MemoryConfig struct {
	Semantic SemanticMemoryConfig `mapstructure:"semantic"`
}

// SemanticMemoryConfig controls relevance-ranked fact retrieval.
type SemanticMemoryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	IndexPath  string  `mapstructure:"index_path"`
	SearchTopK int     `mapstructure:"search_top_k"`
	MinScore   float64 `mapstructure:"min_score"`
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// DSN builds the Postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	if p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.dbname or url)")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl), nil
}

// Addr returns the host:port pair for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// LoadConfig loads configuration from a file plus environment overrides.
// An empty path falls back to ./counsel.yaml and then to defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("counsel")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("COUNSEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides honors the conventional env vars for secrets so they
// never have to live in the config file.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = url
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && cfg.Storage.Postgres.URL == "" {
		cfg.Storage.Postgres.URL = dsn
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_jurisdiction", "missouri")
	v.SetDefault("server.address", ":8100")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.cache_ttl", 5*time.Minute)
	v.SetDefault("memory.semantic.enabled", true)
	v.SetDefault("memory.semantic.search_top_k", 5)
	v.SetDefault("memory.semantic.min_score", 0.0)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)
}
