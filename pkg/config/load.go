package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/formula"
	"github.com/zengraph/zengraph/pkg/plugins"
	"github.com/zengraph/zengraph/pkg/telemetry"
	"github.com/zengraph/zengraph/pkg/transports/ssh"
)

// DefaultConfig returns a configuration for interactive use on a workstation.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			AutoRun: true,
			FPS:     24,
		},
		Cache: CacheConfig{
			MinFreeMB:    1024,
			PollInterval: 2 * time.Second,
			AutoDump:     true,
		},
		Store: StoreConfig{
			MaxOpenConns: 1,
		},
		Formula: FormulaConfig{
			Timeout:  5 * time.Second,
			MaxSteps: 1_000_000,
		},
		Plugins: PluginsConfig{
			Timeout:          5 * time.Second,
			MemoryLimitPages: 256,
		},
		Mirror: MirrorConfig{
			Port:       22,
			AuthMethod: string(ssh.AuthMethodKey),
			Timeout:    30 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadConfig reads a YAML configuration file over DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration content over DefaultConfig and validates it.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cache.Watch && c.Cache.Dir == "" {
		return fmt.Errorf("invalid config: cache.watch requires cache.dir")
	}
	if c.Mirror.Host != "" && c.Cache.Dir == "" {
		return fmt.Errorf("invalid config: mirror requires cache.dir")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// CacheOptions converts the cache section for cache.New.
func (c *Config) CacheOptions() cache.Config {
	return cache.Config{
		Dir:             c.Cache.Dir,
		BeginFrame:      c.Session.BeginFrame,
		MaxCachedFrames: c.Cache.MaxCachedFrames,
		MinFreeMB:       c.Cache.MinFreeMB,
		PollInterval:    c.Cache.PollInterval,
		AutoDump:        c.Cache.AutoDump,
	}
}

// FormulaOptions converts the formula section for formula.NewResolver.
func (c *Config) FormulaOptions() formula.Config {
	return formula.Config{
		Timeout:  c.Formula.Timeout,
		MaxSteps: c.Formula.MaxSteps,
		FPS:      c.Session.FPS,
	}
}

// PluginOptions converts the plugins section for plugins.NewHost.
func (c *Config) PluginOptions() plugins.Config {
	return plugins.Config{
		Timeout:          c.Plugins.Timeout,
		MemoryLimitPages: c.Plugins.MemoryLimitPages,
	}
}

// MirrorOptions converts the mirror section for ssh.NewClient. It returns nil when no
// mirror host is configured.
func (c *Config) MirrorOptions() *ssh.Config {
	m := c.Mirror
	if m.Host == "" {
		return nil
	}
	opts := ssh.DefaultConfig(m.Host, m.User)
	if m.Port != 0 {
		opts.Port = m.Port
	}
	if m.AuthMethod != "" {
		opts.AuthMethod = ssh.AuthMethod(m.AuthMethod)
	}
	opts.Password = m.Password
	opts.PrivateKeyPath = m.PrivateKeyPath
	if m.KnownHostsPath != "" {
		opts.KnownHostsPath = m.KnownHostsPath
	}
	opts.StrictHostKeyChecking = !m.Insecure
	if m.Timeout > 0 {
		opts.ConnectionTimeout = m.Timeout
	}
	opts.RemoteDir = m.RemoteDir
	return opts
}
