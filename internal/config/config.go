package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the server settings. Values come from an optional config file
// and DEX_ prefixed environment variables, e.g. DEX_PORT or DEX_KAFKA_BROKERS.
type Config struct {
	Env            string   `mapstructure:"env"`
	Port           string   `mapstructure:"port"`
	Debug          bool     `mapstructure:"debug"`
	DatabasePath   string   `mapstructure:"database_path"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	EngineAddress  string   `mapstructure:"engine_address"`
	APICredentials []string `mapstructure:"api_credentials"` // "key:secret"
	Kafka          Kafka    `mapstructure:"kafka"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Production reports whether pretty console logging should be disabled
func (c *Config) Production() bool { return c.Env == "production" }

// Credentials parses APICredentials into key/secret pairs
func (c *Config) Credentials() (map[string]string, error) {
	creds := make(map[string]string, len(c.APICredentials))
	for _, pair := range c.APICredentials {
		key, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || key == "" || secret == "" {
			return nil, fmt.Errorf("invalid api credential %q, want key:secret", pair)
		}
		creds[key] = secret
	}
	return creds, nil
}

// Load reads configuration from path (skipped when empty) and the environment
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("env", "development")
	v.SetDefault("port", "8080")
	v.SetDefault("debug", false)
	v.SetDefault("database_path", "dex.db")
	v.SetDefault("jwt_secret", "klear-secret-key")
	v.SetDefault("engine_address", "dex")
	v.SetDefault("api_credentials", []string{
		"test-api-key:test-api-secret",
		"maker:maker-secret",
		"taker:taker-secret",
	})
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "dex.events")

	v.SetEnvPrefix("DEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed names kept for existing deployments
	_ = v.BindEnv("env", "DEX_ENV", "ENV")
	_ = v.BindEnv("port", "DEX_PORT", "PORT")
	_ = v.BindEnv("debug", "DEX_DEBUG", "DEBUG")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Env vars arrive as a single string; allow comma separated lists
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.APICredentials = splitList(cfg.APICredentials)

	if cfg.EngineAddress == "" {
		return nil, errors.New("engine_address must not be empty")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt_secret must not be empty")
	}

	return &cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
