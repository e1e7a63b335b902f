package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/CTAG07/wordchain/pkg/markov"
)

// ServerConfig holds the configuration for the HTTP server and its storage.
type ServerConfig struct {
	ApiAddr      string `json:"api_addr" yaml:"api_addr"`
	LogLevel     string `json:"log_level" yaml:"log_level"`
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// MarkovConfig holds the defaults applied to chains and generation requests.
type MarkovConfig struct {
	DefaultOrder     int     `json:"default_order" yaml:"default_order"`
	CaseFolding      bool    `json:"case_folding" yaml:"case_folding"`
	Separator        string  `json:"separator" yaml:"separator"`
	DefaultMaxLength int     `json:"default_max_length" yaml:"default_max_length"`
	MaxLengthLimit   int     `json:"max_length_limit" yaml:"max_length_limit"`
	Temperature      float64 `json:"temperature" yaml:"temperature"`
	TopK             int     `json:"top_k" yaml:"top_k"`
}

// Config is the top-level configuration struct that aggregates all other configs.
type Config struct {
	Server *ServerConfig `json:"server_config" yaml:"server_config"`
	Markov *MarkovConfig `json:"markov_config" yaml:"markov_config"`
}

// DefaultServerConfig creates a server configuration with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ApiAddr:      ":7280",
		LogLevel:     "info",
		DataDir:      "./data",
		DatabasePath: "./data/wordchain.db",
		MaxBodyBytes: 32 << 20,
	}
}

// DefaultMarkovConfig creates a chain configuration with default values.
func DefaultMarkovConfig() *MarkovConfig {
	return &MarkovConfig{
		DefaultOrder:     markov.DefaultOrder,
		CaseFolding:      false,
		Separator:        " ",
		DefaultMaxLength: 100,
		MaxLengthLimit:   10000,
		Temperature:      1.0,
		TopK:             0,
	}
}

// DefaultConfig returns a Config with every section set to its defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: DefaultServerConfig(),
		Markov: DefaultMarkovConfig(),
	}
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// marshalConfig encodes a config in the format implied by path.
func marshalConfig(path string, config *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(config)
	}
	return json.MarshalIndent(config, "", "  ")
}

// LoadConfig reads the configuration from a JSON or YAML file at the given
// path. If the file doesn't exist, it creates one with default values.
// Sections missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	// Initialize with default configurations
	config := DefaultConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		// If the file doesn't exist, create it with the default config.
		if os.IsNotExist(err) {
			var data []byte
			data, err = marshalConfig(path, config)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal default config: %w", err)
			}
			if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
				// Log a warning instead of failing, as the server can still run with defaults.
				fmt.Printf("warning: failed to write default config file: %v\n", err)
			}
			return config, nil
		}
		// For other errors (e.g., permission denied), return the error.
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(file, config)
	} else {
		err = json.Unmarshal(file, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Server == nil {
		config.Server = DefaultServerConfig()
	}
	if config.Markov == nil {
		config.Markov = DefaultMarkovConfig()
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server == nil || c.Markov == nil {
		return fmt.Errorf("invalid config: server_config and markov_config are required")
	}
	if c.Markov.DefaultOrder < 1 || c.Markov.DefaultOrder > markov.MaxOrder {
		return fmt.Errorf("invalid config: default_order must be between 1 and %d, got %d", markov.MaxOrder, c.Markov.DefaultOrder)
	}
	if c.Markov.MaxLengthLimit < 1 {
		return fmt.Errorf("invalid config: max_length_limit must be positive, got %d", c.Markov.MaxLengthLimit)
	}
	if c.Markov.DefaultMaxLength < 0 || c.Markov.DefaultMaxLength > c.Markov.MaxLengthLimit {
		return fmt.Errorf("invalid config: default_max_length must be between 0 and max_length_limit, got %d", c.Markov.DefaultMaxLength)
	}
	if c.Markov.TopK < 0 {
		return fmt.Errorf("invalid config: top_k cannot be negative, got %d", c.Markov.TopK)
	}
	return nil
}

// ConfigManager handles thread-safe access to configuration.
type ConfigManager struct {
	config     *Config
	mu         sync.RWMutex
	configPath string
	logger     *slog.Logger
	onUpdate   []func(Config)
}

// NewConfigManager loads the config and initializes the manager.
func NewConfigManager(path string) (*ConfigManager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	return &ConfigManager{
		config:     cfg,
		configPath: path,
		// Log to stdout before the application-specific logger is set.
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{})),
	}, nil
}

// SetLogger sets the logger. That's about it.
func (cm *ConfigManager) SetLogger(logger *slog.Logger) {
	cm.logger = logger
}

// Get returns a copy of the current configuration. The sections are copied
// too, so callers cannot modify the live config.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	server := *cm.config.Server
	chains := *cm.config.Markov
	return Config{Server: &server, Markov: &chains}
}

// OnUpdate registers fn to be called with a copy of every configuration
// accepted by Update. fn runs while the manager is locked and must not call
// back into it.
func (cm *ConfigManager) OnUpdate(fn func(Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onUpdate = append(cm.onUpdate, fn)
}

// Update validates the configuration, saves it to disk, and makes it live.
// Chain settings, the tokenizer's separator and case folding included, apply
// immediately through the OnUpdate hooks; server settings take effect on
// restart.
func (cm *ConfigManager) Update(newConfig Config) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := marshalConfig(cm.configPath, &newConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = atomic.WriteFile(cm.configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	*cm.config = newConfig
	cm.logger.Info("Configuration updated", slog.String("path", cm.configPath))
	for _, fn := range cm.onUpdate {
		server := *newConfig.Server
		chains := *newConfig.Markov
		fn(Config{Server: &server, Markov: &chains})
	}
	return nil
}
