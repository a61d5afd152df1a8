package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file keeps defaults",
			yaml: ``,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Dispatch.Policy != "lanes" {
					t.Errorf("policy = %q, want lanes", cfg.Dispatch.Policy)
				}
				if len(cfg.Dispatch.SyncMethods) != 1 || cfg.Dispatch.SyncMethods[0] != "requestSync" {
					t.Errorf("sync_methods = %v", cfg.Dispatch.SyncMethods)
				}
				if cfg.Dispatch.QueueDepth != 256 {
					t.Errorf("queue_depth = %d", cfg.Dispatch.QueueDepth)
				}
				if cfg.Boundary.Encoding != "text" {
					t.Errorf("encoding = %q", cfg.Boundary.Encoding)
				}
				if !cfg.Journal.Enabled {
					t.Error("journal should be enabled by default")
				}
			},
		},
		{
			name: "full config",
			yaml: `
service:
  log_level: DEBUG
storage:
  root: state
engine:
  forward_logs: false
  sync_remote: http://sync.local
  sync_timeout: 5s
dispatch:
  policy: pool
  sync_methods: [requestSync, pullNow]
  queue_depth: 8
  pool_size: 3
boundary:
  listen: 127.0.0.1:9999
  encoding: bytes
journal:
  enabled: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log_level = %q", cfg.Service.LogLevel)
				}
				if !filepath.IsAbs(cfg.Storage.Root) || filepath.Base(cfg.Storage.Root) != "state" {
					t.Errorf("storage.root not anchored: %q", cfg.Storage.Root)
				}
				if cfg.Engine.ForwardLogs {
					t.Error("forward_logs should be false")
				}
				if cfg.Engine.SyncTimeout != 5*time.Second {
					t.Errorf("sync_timeout = %v", cfg.Engine.SyncTimeout)
				}
				if cfg.Dispatch.Policy != "pool" || cfg.Dispatch.PoolSize != 3 || cfg.Dispatch.QueueDepth != 8 {
					t.Errorf("dispatch = %+v", cfg.Dispatch)
				}
				if len(cfg.Dispatch.SyncMethods) != 2 {
					t.Errorf("sync_methods = %v", cfg.Dispatch.SyncMethods)
				}
				if cfg.Boundary.Encoding != "bytes" || cfg.Boundary.Listen != "127.0.0.1:9999" {
					t.Errorf("boundary = %+v", cfg.Boundary)
				}
				if cfg.Journal.Enabled {
					t.Error("journal should be disabled")
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
boundary:
  auth:
    api_key: ${REPM_TEST_KEY}
`,
			env: map[string]string{"REPM_TEST_KEY": "secret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Boundary.Auth.APIKey != "secret" {
					t.Errorf("api_key = %q", cfg.Boundary.Auth.APIKey)
				}
			},
		},
		{
			name: "unset env var",
			yaml: `
boundary:
  auth:
    api_key: ${REPM_TEST_UNSET_KEY}
`,
			wantErr: "REPM_TEST_UNSET_KEY",
		},
		{
			name: "invalid policy",
			yaml: `
dispatch:
  policy: roundrobin
`,
			wantErr: "dispatch.policy",
		},
		{
			name: "invalid encoding",
			yaml: `
boundary:
  encoding: utf16
`,
			wantErr: "boundary.encoding",
		},
		{
			name: "token without scopes",
			yaml: `
boundary:
  auth:
    tokens:
      - token: abc
`,
			wantErr: "scopes is required",
		},
		{
			name: "blank sync method",
			yaml: `
dispatch:
  sync_methods: [requestSync, "  "]
`,
			wantErr: "sync_methods[1]",
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: dir-mode\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Name != "dir-mode" {
		t.Errorf("name = %q", cfg.Service.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestResolvePaths(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Root = "/srv/repm/"

	root, err := cfg.ResolveRoot()
	if err != nil {
		t.Fatalf("ResolveRoot: %v", err)
	}
	if root != "/srv/repm" {
		t.Errorf("root = %q", root)
	}
	if got := cfg.ResolveJournalPath(root); got != "/srv/repm/journal.db" {
		t.Errorf("journal path = %q", got)
	}

	cfg.Journal.Path = "/var/lib/journal.db"
	if got := cfg.ResolveJournalPath(root); got != "/var/lib/journal.db" {
		t.Errorf("journal path override = %q", got)
	}
}

func TestDiscoverEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REPMBRIDGE_CONFIG", path)

	got, err := Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != path {
		t.Errorf("Discover = %q, want %q", got, path)
	}

	t.Setenv("REPMBRIDGE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Discover(); err == nil {
		t.Fatal("expected error for missing REPMBRIDGE_CONFIG target")
	}
}
