package config

import "time"

// Config represents the complete repmbridge configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Storage  StorageConfig  `yaml:"storage"`
	Engine   EngineConfig   `yaml:"engine"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Boundary BoundaryConfig `yaml:"boundary"`
	Journal  JournalConfig  `yaml:"journal"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StorageConfig locates the application-private root. The engine's data and
// temp directories live underneath it. Empty means os.UserConfigDir()/repmbridge.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// EngineConfig configures the reference engine and how it is initialized.
type EngineConfig struct {
	ForwardLogs bool          `yaml:"forward_logs"`
	SyncRemote  string        `yaml:"sync_remote,omitempty"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// DispatchConfig selects the concurrency discipline.
type DispatchConfig struct {
	// Policy is "lanes" (general + sync, each serial) or "pool" (shared, unordered).
	Policy      string   `yaml:"policy"`
	SyncMethods []string `yaml:"sync_methods"`
	QueueDepth  int      `yaml:"queue_depth"`
	PoolSize    int      `yaml:"pool_size,omitempty"`
}

// BoundaryConfig defines the HTTP boundary transport.
type BoundaryConfig struct {
	Listen string `yaml:"listen"`
	// Encoding is "text" (results converted to strings) or "bytes".
	Encoding string             `yaml:"encoding"`
	Auth     BoundaryAuthConfig `yaml:"auth"`
}

// BoundaryAuthConfig defines bearer authentication. When both fields are
// empty the boundary is unauthenticated.
type BoundaryAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// JournalConfig controls the SQLite call journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <storage.root>/journal.db.
	Path string `yaml:"path,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "repmbridge",
			LogLevel: "info",
		},
		Engine: EngineConfig{
			ForwardLogs: true,
			SyncTimeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			Policy:      "lanes",
			SyncMethods: []string{"requestSync"},
			QueueDepth:  256,
		},
		Boundary: BoundaryConfig{
			Listen:   "127.0.0.1:8765",
			Encoding: "text",
		},
		Journal: JournalConfig{
			Enabled: true,
		},
	}
}
