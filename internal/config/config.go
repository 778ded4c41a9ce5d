package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	ConceptCacheTTL    time.Duration `mapstructure:"CONCEPT_CACHE_TTL"`
	ConceptsFile       string        `mapstructure:"CONCEPTS_FILE"`
	ImportMaxFileSize  int64         `mapstructure:"IMPORT_MAX_FILE_SIZE"`
	ImportDefaultLimit int           `mapstructure:"IMPORT_DEFAULT_LIMIT"`
	ImportSourceSystem string        `mapstructure:"IMPORT_SOURCE_SYSTEM"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CONCEPT_CACHE_TTL", "10m")
	v.SetDefault("IMPORT_MAX_FILE_SIZE", 10<<20)
	v.SetDefault("IMPORT_DEFAULT_LIMIT", 0)
	v.SetDefault("IMPORT_SOURCE_SYSTEM", "IMPORT")
	v.SetDefault("BODY_LIMIT", "16M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "CONCEPT_CACHE_TTL", "CONCEPTS_FILE",
		"IMPORT_MAX_FILE_SIZE", "IMPORT_DEFAULT_LIMIT", "IMPORT_SOURCE_SYSTEM",
		"BODY_LIMIT", "CORS_ORIGINS",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDatabase reports whether concepts are read from PostgreSQL rather than
// the in-memory store.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() (zerolog.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("LOG_LEVEL %q is not a valid level: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Validate checks that the configuration is usable. In production a
// concept database is required so that imports resolve against the real
// concept dimension.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.ImportMaxFileSize <= 0 {
		return fmt.Errorf("IMPORT_MAX_FILE_SIZE must be positive, got %d", c.ImportMaxFileSize)
	}
	if c.ImportDefaultLimit < 0 {
		return fmt.Errorf("IMPORT_DEFAULT_LIMIT must not be negative, got %d", c.ImportDefaultLimit)
	}
	if c.ConceptCacheTTL < 0 {
		return fmt.Errorf("CONCEPT_CACHE_TTL must not be negative, got %s", c.ConceptCacheTTL)
	}
	if c.UsesDatabase() {
		if c.DBMaxConns <= 0 {
			return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
		}
		if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
		}
	}
	if c.IsProduction() && !c.UsesDatabase() {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}
