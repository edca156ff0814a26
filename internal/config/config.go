package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"

	// DefaultLongContextTokens is the estimated input token count above which
	// a request is routed to the long-context category.
	DefaultLongContextTokens = 60000

	CategoryDefault     = "default"
	CategoryBackground  = "background"
	CategoryThinking    = "thinking"
	CategoryLongContext = "long-context"
	CategorySearch      = "search"
)

// Provider describes one backend account/instance.
type Provider struct {
	Name    string `json:"name" yaml:"name"`
	Format  string `json:"format" yaml:"format"` // anthropic | openai | gemini
	APIBase string `json:"api_base_url" yaml:"api_base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// PoolEntry is one (provider, model) pair in a category pool.
type PoolEntry struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Weight   int    `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Health tunes the provider cooldown policy. Durations are in seconds.
type Health struct {
	FailureThreshold   int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	InitialCooldownSec int `json:"initial_cooldown_sec,omitempty" yaml:"initial_cooldown_sec,omitempty"`
	MaxCooldownSec     int `json:"max_cooldown_sec,omitempty" yaml:"max_cooldown_sec,omitempty"`
}

func (h Health) InitialCooldown() time.Duration {
	return time.Duration(h.InitialCooldownSec) * time.Second
}

func (h Health) MaxCooldown() time.Duration {
	return time.Duration(h.MaxCooldownSec) * time.Second
}

// Config is the gateway configuration: server surface, backend providers,
// category pools and per-model fallback chains.
type Config struct {
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	Providers  []Provider             `json:"providers" yaml:"providers"`
	Categories map[string][]PoolEntry `json:"categories" yaml:"categories"`
	// FallbackChains maps "provider/model" to the ordered substitute models
	// tried after rate-limit responses.
	FallbackChains map[string][]string `json:"fallback_chains,omitempty" yaml:"fallback_chains,omitempty"`

	Health Health `json:"health,omitempty" yaml:"health,omitempty"`

	LongContextTokens int `json:"long_context_tokens,omitempty" yaml:"long_context_tokens,omitempty"`
}

// FallbackKey builds the lookup key for a provider's model fallback chain.
func FallbackKey(provider, model string) string {
	return provider + "/" + model
}

// ProviderByName returns the provider entry with the given name.
func (c *Config) ProviderByName(name string) (*Provider, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// Validate checks referential integrity between pools and providers.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	if len(c.Categories[CategoryDefault]) == 0 {
		return fmt.Errorf("category %q must have at least one pool entry", CategoryDefault)
	}
	for name, pool := range c.Categories {
		for _, entry := range pool {
			if _, ok := c.ProviderByName(entry.Provider); !ok {
				return fmt.Errorf("category %q references unknown provider %q", name, entry.Provider)
			}
			if entry.Model == "" {
				return fmt.Errorf("category %q has an entry without a model", name)
			}
			if entry.Weight < 0 {
				return fmt.Errorf("category %q has an entry with negative weight", name)
			}
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.LongContextTokens == 0 {
		c.LongContextTokens = DefaultLongContextTokens
	}
}

// Manager loads and serves configuration. The current value is held in an
// atomic so request paths read without locking.
type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(path string) *Manager {
	return &Manager{configPath: path}
}

func NewManagerInDir(baseDir string) *Manager {
	return &Manager{configPath: filepath.Join(baseDir, DefaultConfigFilename)}
}

// Load reads the config file, accepting JSON or YAML by extension.
func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(m.configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal json config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	m.configValue.Store(&cfg)
	return &cfg, nil
}

// Get returns the last loaded config, loading it on first use.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}
	return cfg
}

// Set stores an in-memory config without touching disk. Used by tests and by
// callers that assemble configuration programmatically.
func (m *Manager) Set(cfg *Config) {
	cfg.applyDefaults()
	m.configValue.Store(cfg)
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}
