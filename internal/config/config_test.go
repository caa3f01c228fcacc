package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
store:
  backend: postgres
  dsn: postgres://tbgdb@localhost/tbgdb
  max_conns: 16
forum:
  base_url: https://forum.example.com
  username: archiver
  password: hunter2
  user_agent: custom-agent
  timeout_seconds: 45
crawl:
  rate_per_second: 0.5
  burst: 2
  workers: 3
  batch_size: 32
  boards_recheck_hours: 12
  idle_wait_seconds: 10
  full_reverify: true
  discovery_probes: 8
  scan_depth: 500
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != "postgres" || cfg.Store.DSN == "" || cfg.Store.MaxConns != 16 {
		t.Fatalf("expected store overrides to apply: %+v", cfg.Store)
	}
	if cfg.Forum.BaseURL != "https://forum.example.com" || cfg.Forum.Username != "archiver" {
		t.Fatalf("expected forum overrides to apply: %+v", cfg.Forum)
	}
	if cfg.Crawl.RatePerSecond != 0.5 || cfg.Crawl.Workers != 3 || !cfg.Crawl.FullReverify {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected logging override to apply")
	}
	if got := cfg.ForumTimeout(); got != 45*time.Second {
		t.Fatalf("expected forum timeout 45s, got %v", got)
	}
	if got := cfg.BoardsRecheck(); got != 12*time.Hour {
		t.Fatalf("expected boards recheck 12h, got %v", got)
	}
	if got := cfg.IdleWait(); got != 10*time.Second {
		t.Fatalf("expected idle wait 10s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TBGDB_FORUM_BASE_URL", "https://forum.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path == "" {
		t.Fatalf("expected sqlite defaults, got %+v", cfg.Store)
	}
	if cfg.Crawl.RatePerSecond != 1.0 || cfg.Crawl.DiscoveryProbes != 5 || cfg.Crawl.ScanDepth != 200 {
		t.Fatalf("expected crawl defaults, got %+v", cfg.Crawl)
	}
	if cfg.Forum.BaseURL != "https://forum.example.com" {
		t.Fatalf("expected env override, got %q", cfg.Forum.BaseURL)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Store:  StoreConfig{Backend: "memory"},
		Forum:  ForumConfig{BaseURL: "https://forum.example.com"},
		Crawl:  CrawlConfig{RatePerSecond: 1, Workers: 1},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "unknown backend",
			cfg: func() Config {
				c := base
				c.Store.Backend = "redis"
				return c
			}(),
			want: "store.backend",
		},
		{
			name: "sqlite missing path",
			cfg: func() Config {
				c := base
				c.Store.Backend = "sqlite"
				return c
			}(),
			want: "store.path",
		},
		{
			name: "postgres missing dsn",
			cfg: func() Config {
				c := base
				c.Store.Backend = "postgres"
				return c
			}(),
			want: "store.dsn",
		},
		{
			name: "missing base url",
			cfg: func() Config {
				c := base
				c.Forum.BaseURL = ""
				return c
			}(),
			want: "forum.base_url",
		},
		{
			name: "username without password",
			cfg: func() Config {
				c := base
				c.Forum.Username = "archiver"
				return c
			}(),
			want: "forum.password",
		},
		{
			name: "invalid rate",
			cfg: func() Config {
				c := base
				c.Crawl.RatePerSecond = 0
				return c
			}(),
			want: "crawl.rate_per_second",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Crawl.Workers = 0
				return c
			}(),
			want: "crawl.workers",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
