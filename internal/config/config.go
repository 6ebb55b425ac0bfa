package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"l3book/internal/coinbase"
	"l3book/internal/state"
)

// Env names for the API key. Secrets never live in config.yaml.
const (
	EnvAPIKey        = "L3BOOK_API_KEY"
	EnvAPISecret     = "L3BOOK_API_SECRET"
	EnvAPIPassphrase = "L3BOOK_API_PASSPHRASE"
)

type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Config struct {
	Port              int      `yaml:"port"`
	LogLevel          string   `yaml:"log_level"`
	LogFormat         string   `yaml:"log_format"`
	FeedURL           string   `yaml:"feed_url"`
	Products          []string `yaml:"products"`
	Channel           string   `yaml:"channel"`
	Depth             int      `yaml:"depth"`
	PrintTopOfBook    bool     `yaml:"print_top_of_book"`
	EventBuffer       int      `yaml:"event_buffer"`
	MaxBackoffSeconds int      `yaml:"max_backoff_seconds"`
	PushIntervalMS    int      `yaml:"push_interval_ms"`
	Kafka             Kafka    `yaml:"kafka"`

	Credentials coinbase.Credentials `yaml:"-"`
}

func defaults() Config {
	return Config{
		Port:              8086,
		LogLevel:          "info",
		LogFormat:         "console",
		FeedURL:           coinbase.DefaultURL,
		Products:          []string{"BTC-USD"},
		Channel:           coinbase.DefaultChannel,
		Depth:             5,
		PrintTopOfBook:    true,
		EventBuffer:       4096,
		MaxBackoffSeconds: 30,
		PushIntervalMS:    100,
		Kafka:             Kafka{Topic: "l3book.top"},
	}
}

// Load reads path over the defaults, then picks credentials up from the
// environment (and a .env file in the working directory, if any).
func Load(path string) (Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return cfg, err
	}

	_ = godotenv.Load()
	cfg.Credentials = coinbase.Credentials{
		Key:        os.Getenv(EnvAPIKey),
		Secret:     os.Getenv(EnvAPISecret),
		Passphrase: os.Getenv(EnvAPIPassphrase),
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid port")
	}
	if c.FeedURL == "" {
		return errors.New("feed_url is required")
	}
	if !strings.HasPrefix(c.FeedURL, "ws://") && !strings.HasPrefix(c.FeedURL, "wss://") {
		return fmt.Errorf("feed_url must be a ws:// or wss:// url, got %q", c.FeedURL)
	}

	seen := make(map[string]bool, len(c.Products))
	products := c.Products[:0]
	for _, p := range c.Products {
		p = state.Canon(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		products = append(products, p)
	}
	if len(products) == 0 {
		return errors.New("at least one product is required")
	}
	c.Products = products

	if c.Depth < 1 || c.Depth > 50 {
		return errors.New("depth must be between 1 and 50")
	}
	if c.EventBuffer < 1 {
		return errors.New("event_buffer must be >=1")
	}
	if c.MaxBackoffSeconds < 1 {
		return errors.New("max_backoff_seconds must be >=1")
	}
	if c.PushIntervalMS < 0 {
		return errors.New("push_interval_ms must be >=0")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		return errors.New(`log_format must be "json" or "console"`)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic is required when kafka is enabled")
		}
	}
	return nil
}

func (c Config) MaxBackoff() time.Duration { return time.Duration(c.MaxBackoffSeconds) * time.Second }

func (c Config) PushInterval() time.Duration {
	return time.Duration(c.PushIntervalMS) * time.Millisecond
}
