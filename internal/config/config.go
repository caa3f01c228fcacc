// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Forum   ForumConfig   `mapstructure:"forum"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig selects and configures the entity store backend.
type StoreConfig struct {
	// Backend is one of "sqlite", "postgres", or "memory".
	Backend string `mapstructure:"backend"`
	// Path is the SQLite database file (sqlite backend only).
	Path string `mapstructure:"path"`
	// DSN is the Postgres connection string (postgres backend only).
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// ForumConfig identifies the remote forum and the credentials used to read
// members-only content. Without credentials the crawl sees the guest view.
type ForumConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CrawlConfig governs the planner's politeness budget and the worker loop.
type CrawlConfig struct {
	// RatePerSecond caps outbound requests across every worker.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	// Workers is how many crawl loops run concurrently.
	Workers   int `mapstructure:"workers"`
	BatchSize int `mapstructure:"batch_size"`
	// BoardsRecheckHours is how long a board enumeration stays fresh.
	BoardsRecheckHours int `mapstructure:"boards_recheck_hours"`
	IdleWaitSeconds    int `mapstructure:"idle_wait_seconds"`
	// FullReverify disables the stored-message skip rule so silent
	// upstream edits are caught at the cost of extra fetches.
	FullReverify bool `mapstructure:"full_reverify"`
	// DiscoveryProbes is how many identifiers past the newest known
	// message each planning cycle probes.
	DiscoveryProbes int `mapstructure:"discovery_probes"`
	// ScanDepth bounds the downward gap scan per planning cycle.
	ScanDepth int `mapstructure:"scan_depth"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TBGDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "tbgdb.sqlite")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("forum.user_agent", "tbgdb-archiver/1.0")
	v.SetDefault("forum.timeout_seconds", 15)
	v.SetDefault("crawl.rate_per_second", 1.0)
	v.SetDefault("crawl.burst", 1)
	v.SetDefault("crawl.workers", 1)
	v.SetDefault("crawl.batch_size", 16)
	v.SetDefault("crawl.boards_recheck_hours", 24)
	v.SetDefault("crawl.idle_wait_seconds", 30)
	v.SetDefault("crawl.full_reverify", false)
	v.SetDefault("crawl.discovery_probes", 5)
	v.SetDefault("crawl.scan_depth", 200)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the sqlite backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be sqlite, postgres, or memory")
	}
	if c.Forum.BaseURL == "" {
		return fmt.Errorf("forum.base_url is required")
	}
	if c.Forum.Username != "" && c.Forum.Password == "" {
		return fmt.Errorf("forum.password must be set when forum.username is set")
	}
	if c.Crawl.RatePerSecond <= 0 {
		return fmt.Errorf("crawl.rate_per_second must be > 0")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	return nil
}

// ForumTimeout converts the configured fetch timeout into a duration.
func (c Config) ForumTimeout() time.Duration {
	return time.Duration(c.Forum.TimeoutSeconds) * time.Second
}

// BoardsRecheck converts the board enumeration freshness window into a duration.
func (c Config) BoardsRecheck() time.Duration {
	return time.Duration(c.Crawl.BoardsRecheckHours) * time.Hour
}

// IdleWait converts the worker idle sleep into a duration.
func (c Config) IdleWait() time.Duration {
	return time.Duration(c.Crawl.IdleWaitSeconds) * time.Second
}
