package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Values absent from the file
// keep their Defaults(). A directory argument is resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative roots are anchored at the config file, not the working directory.
	if cfg.Storage.Root != "" && !filepath.IsAbs(cfg.Storage.Root) {
		cfg.Storage.Root = filepath.Join(filepath.Dir(absPath), cfg.Storage.Root)
	}
	if cfg.Journal.Path != "" && !filepath.IsAbs(cfg.Journal.Path) {
		cfg.Journal.Path = filepath.Join(filepath.Dir(absPath), cfg.Journal.Path)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds a config file by checking standard locations.
// Priority order: $REPMBRIDGE_CONFIG, ~/.config/repmbridge/config.yaml, ./config.yaml.
// An empty path with nil error means no file exists and Defaults() should be used.
func Discover() (string, error) {
	if p := os.Getenv("REPMBRIDGE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("REPMBRIDGE_CONFIG points at %q: %w", p, err)
		}
		return p, nil
	}

	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, "repmbridge", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", nil
}

// ResolveRoot returns the storage root, falling back to the user config dir.
func (c *Config) ResolveRoot() (string, error) {
	if c.Storage.Root != "" {
		return filepath.Clean(c.Storage.Root), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "repmbridge"), nil
}

// ResolveJournalPath returns the journal database path under root when unset.
func (c *Config) ResolveJournalPath(root string) string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(root, "journal.db")
}

// applyConfigDefaults fills fields that YAML may have zeroed explicitly.
func applyConfigDefaults(cfg *Config) *Config {
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	cfg.Dispatch.Policy = strings.ToLower(strings.TrimSpace(cfg.Dispatch.Policy))
	if cfg.Dispatch.Policy == "" {
		cfg.Dispatch.Policy = "lanes"
	}
	if cfg.Dispatch.QueueDepth == 0 {
		cfg.Dispatch.QueueDepth = 256
	}
	cfg.Boundary.Encoding = strings.ToLower(strings.TrimSpace(cfg.Boundary.Encoding))
	if cfg.Boundary.Encoding == "" {
		cfg.Boundary.Encoding = "text"
	}
	if cfg.Engine.SyncTimeout == 0 {
		cfg.Engine.SyncTimeout = Defaults().Engine.SyncTimeout
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// keep their placeholder so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.Dispatch.Policy {
	case "lanes", "pool":
	default:
		return fmt.Errorf("dispatch.policy must be one of: lanes, pool (got %q)", cfg.Dispatch.Policy)
	}
	if cfg.Dispatch.QueueDepth < 0 {
		return fmt.Errorf("dispatch.queue_depth must not be negative")
	}
	if cfg.Dispatch.PoolSize < 0 {
		return fmt.Errorf("dispatch.pool_size must not be negative")
	}
	for i, m := range cfg.Dispatch.SyncMethods {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("dispatch.sync_methods[%d] is empty", i)
		}
	}

	switch cfg.Boundary.Encoding {
	case "text", "bytes":
	default:
		return fmt.Errorf("boundary.encoding must be one of: text, bytes (got %q)", cfg.Boundary.Encoding)
	}
	if cfg.Boundary.Listen == "" {
		return fmt.Errorf("boundary.listen is required")
	}

	if err := checkUnresolved("boundary.auth.api_key", cfg.Boundary.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.Boundary.Auth.Tokens {
		field := fmt.Sprintf("boundary.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := checkUnresolved(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("boundary.auth.tokens[%d].scopes is required", i)
		}
	}

	if cfg.Engine.SyncTimeout < 0 {
		return fmt.Errorf("engine.sync_timeout must not be negative")
	}
	if err := checkUnresolved("engine.sync_remote", cfg.Engine.SyncRemote); err != nil {
		return err
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
