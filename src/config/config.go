package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"market-streamer/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new Config instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	return Parse(data)
}

// -----------------------------------------------------------------------------

// Parse builds a Config from raw YAML. Defaults are laid down first, so only
// keys absent from the document keep them and an explicit 0 is honoured.
func Parse(data []byte) (*Config, error) {
	config := &Config{MConfig: &models.MConfig{}}
	config.ApplyDefaults()

	if err := yaml.Unmarshal(data, config.MConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// GetLogLevel lets the logger pick its level from the config.
func (c *Config) GetLogLevel() string {
	return c.LogLevel
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}

	// Storage
	switch c.Storage.DBType {
	case "file":
		if c.Storage.BackupDir == "" {
			return fmt.Errorf("backup directory cannot be empty for file storage")
		}
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("connection string cannot be empty for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %q", c.Storage.DBType)
	}

	// Feed
	if c.Feed.WSURL == "" {
		return fmt.Errorf("feed ws_url cannot be empty")
	}
	if c.Feed.APIKey == "" {
		return fmt.Errorf("feed api_key cannot be empty")
	}
	if len(c.Feed.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be configured")
	}
	seenTokens := make(map[uint32]bool)
	seenSymbols := make(map[string]bool)
	for i, inst := range c.Feed.Instruments {
		if inst.Token == 0 || inst.Symbol == "" {
			return fmt.Errorf("instrument %d must have a token and a symbol", i)
		}
		if seenTokens[inst.Token] {
			return fmt.Errorf("duplicate instrument token %d", inst.Token)
		}
		if seenSymbols[inst.Symbol] {
			return fmt.Errorf("duplicate instrument symbol %s", inst.Symbol)
		}
		seenTokens[inst.Token] = true
		seenSymbols[inst.Symbol] = true
	}
	switch c.Feed.Mode {
	case "ltp", "quote", "full":
	default:
		return fmt.Errorf("unsupported feed mode: %q", c.Feed.Mode)
	}
	if c.Feed.TokenIssuedAt != "" {
		if _, err := time.Parse(time.RFC3339, c.Feed.TokenIssuedAt); err != nil {
			return fmt.Errorf("token_issued_at must be RFC3339: %w", err)
		}
	}

	// Session
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("invalid session timezone %q: %w", c.Session.Timezone, err)
	}
	bounds := []string{c.Session.PreOpenStart, c.Session.AuctionStart, c.Session.LiveStart, c.Session.LiveEnd}
	prev := -1
	for _, b := range bounds {
		m, err := ParseClock(b)
		if err != nil {
			return err
		}
		if m <= prev {
			return fmt.Errorf("session windows must be strictly increasing (%s)", b)
		}
		prev = m
	}
	for _, h := range c.Session.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("invalid holiday %q: %w", h, err)
		}
	}

	// Watchdog
	w := c.Watchdog
	if w.PollSeconds <= 0 || w.StaleSeconds <= 0 || w.MaxAttempts <= 0 || w.BackoffBaseMs <= 0 {
		return fmt.Errorf("watchdog poll_seconds, stale_seconds, max_attempts and backoff_base_ms must be positive")
	}
	if w.BackoffMaxMs < w.BackoffBaseMs {
		return fmt.Errorf("watchdog backoff_max_ms must be >= backoff_base_ms")
	}
	if w.QualityBaseline < 0 {
		return fmt.Errorf("watchdog quality_baseline cannot be negative")
	}

	// Counts where 0 is meaningful
	if c.Network.MaxRetries < 0 || c.Storage.RetentionDays < 0 {
		return fmt.Errorf("network retries and storage retention_days cannot be negative")
	}
	if c.Network.RequestTimeout <= 0 || c.Session.PollSeconds <= 0 {
		return fmt.Errorf("network timeout and session poll_seconds must be positive")
	}

	// Market store and hub
	m, h := c.MarketStore, c.Hub
	if m.TickTTLSeconds <= 0 || m.CandleBucketSeconds <= 0 || m.CandleCapacity <= 0 {
		return fmt.Errorf("market_store settings must be positive")
	}
	if h.HeartbeatSeconds <= 0 || h.IdleTimeoutSeconds <= 0 || h.SendBuffer <= 0 {
		return fmt.Errorf("hub settings must be positive")
	}

	return nil
}

// -----------------------------------------------------------------------------

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM): %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 2. Write to file (0600: the file carries the access token)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
