package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader reads configuration from a file, layered over defaults and under
// environment variable overrides.
type Loader struct {
	searchPaths []string
	envPrefix   string
	defaults    *Config
}

// NewLoader returns a loader with the conventional search paths.
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"./configs",
			"/etc/meshgo",
		},
		envPrefix: "MESHGO",
		defaults:  Default(),
	}
}

// SetSearchPaths replaces the file search paths.
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix replaces the environment variable prefix.
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaults replaces the baseline configuration.
func (l *Loader) SetDefaults(c *Config) *Loader {
	l.defaults = c
	return l
}

// Load reads the named file (or searches for "meshgo.yaml" when empty),
// applies environment overrides, and validates the result.
func (l *Loader) Load(filename string) (*Config, error) {
	cfg := *l.defaults

	if filename == "" {
		found, err := l.find("meshgo.yaml")
		if err == nil {
			filename = found
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", filename, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", filename, err)
		}
	}

	l.applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) find(name string) (string, error) {
	for _, dir := range l.searchPaths {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %v", ErrNotFound, name, l.searchPaths)
}

// applyEnv overrides the most operationally useful fields from environment
// variables of the form <PREFIX>_SECTION_FIELD.
func (l *Loader) applyEnv(c *Config) {
	if v, ok := l.env("SYSTEM_NODE_ID"); ok {
		c.System.NodeID = v
	}
	if v, ok := l.envUint("SYSTEM_HANDLE_OFFSET"); ok {
		c.System.HandleOffset = v
	}
	if v, ok := l.env("CLUSTER_LISTEN_ADDRESS"); ok {
		c.Cluster.ListenAddress = v
	}
	if v, ok := l.envDuration("CLUSTER_HEARTBEAT_INTERVAL"); ok {
		c.Cluster.HeartbeatInterval = v
	}
	if v, ok := l.env("REGISTRY_CONNECTION_STRING"); ok {
		c.Registry.ConnectionString = v
	}
	if v, ok := l.envInt("REGISTRY_DATABASE_INDEX"); ok {
		c.Registry.DatabaseIndex = v
	}
	if v, ok := l.env("REGISTRY_KEY_PREFIX"); ok {
		c.Registry.KeyPrefix = v
	}
	if v, ok := l.env("REGISTRY_LOCAL_ENDPOINT"); ok {
		c.Registry.LocalEndpoint = v
	}
	if v, ok := l.envInt("GATEWAY_TCP_PORT"); ok {
		c.Gateway.TCPPort = v
	}
	if v, ok := l.envInt("GATEWAY_WS_PORT"); ok {
		c.Gateway.WSPort = v
	}
	if v, ok := l.envDuration("GATEWAY_IDLE_TIMEOUT"); ok {
		c.Gateway.IdleTimeout = v
	}
}

func (l *Loader) env(key string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + key)
}

func (l *Loader) envInt(key string) (int, bool) {
	s, ok := l.env(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

func (l *Loader) envUint(key string) (uint64, bool) {
	s, ok := l.env(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (l *Loader) envDuration(key string) (time.Duration, bool) {
	s, ok := l.env(key)
	if !ok {
		return 0, false
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

// Save writes a configuration as YAML; used by tooling that generates
// baseline files.
func Save(c *Config, filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", filename, err)
	}
	return nil
}
