package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete dtk configuration
type Config struct {
	Version  int    `json:"version" mapstructure:"version"`
	RepoRoot string `json:"repoRoot" mapstructure:"repoRoot"`

	Cache    CacheConfig    `json:"cache" mapstructure:"cache"`
	Refactor RefactorConfig `json:"refactor" mapstructure:"refactor"`
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// CacheConfig contains cache substrate configuration
type CacheConfig struct {
	MaxMemoryMB        int    `json:"maxMemoryMb" mapstructure:"maxMemoryMb"`
	AstTTLSeconds      int    `json:"astTtlSeconds" mapstructure:"astTtlSeconds"`
	TemplateTTLSeconds int    `json:"templateTtlSeconds" mapstructure:"templateTtlSeconds"`
	DagTTLSeconds      int    `json:"dagTtlSeconds" mapstructure:"dagTtlSeconds"`
	ChurnTTLSeconds    int    `json:"churnTtlSeconds" mapstructure:"churnTtlSeconds"`
	EnableWatch        bool   `json:"enableWatch" mapstructure:"enableWatch"`
	GitBranchAware     bool   `json:"gitBranchAware" mapstructure:"gitBranchAware"`
	PersistDir         string `json:"persistDir" mapstructure:"persistDir"`
}

// RefactorConfig contains default settings for refactor sessions.
// Per-session overrides come from CLI flags or request params.
type RefactorConfig struct {
	CheckpointDir    string `json:"checkpointDir" mapstructure:"checkpointDir"`
	TargetComplexity int    `json:"targetComplexity" mapstructure:"targetComplexity"`
	MaxFunctionLines int    `json:"maxFunctionLines" mapstructure:"maxFunctionLines"`
	BatchSize        int    `json:"batchSize" mapstructure:"batchSize"`
	MemoryLimitMB    int    `json:"memoryLimitMb" mapstructure:"memoryLimitMb"`
	MaxRuntimeSec    int    `json:"maxRuntimeSec" mapstructure:"maxRuntimeSec"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version:  1,
		RepoRoot: ".",
		Cache: CacheConfig{
			MaxMemoryMB:        100,
			AstTTLSeconds:      300,
			TemplateTTLSeconds: 600,
			DagTTLSeconds:      180,
			ChurnTTLSeconds:    1800,
			EnableWatch:        false,
			GitBranchAware:     true,
			PersistDir:         "",
		},
		Refactor: RefactorConfig{
			CheckpointDir:    defaultCheckpointDir(),
			TargetComplexity: 10,
			MaxFunctionLines: 50,
			BatchSize:        10,
			MemoryLimitMB:    512,
			MaxRuntimeSec:    0,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultCheckpointDir() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dtk")
	}
	return filepath.Join(cacheDir, "dtk")
}

// Load loads configuration from <root>/.dtk/config.json, falling back to
// defaults when the file is absent, then applies environment overrides.
func Load(root string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(root, ".dtk"))

	cfg := DefaultConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies environment variable overrides. These take precedence
// over the config file, matching the original toolkit's env surface.
func (c *Config) applyEnv() {
	if val := os.Getenv("PAIML_CACHE_MAX_MB"); val != "" {
		if mb, err := strconv.Atoi(val); err == nil && mb > 0 {
			c.Cache.MaxMemoryMB = mb
		}
	}
	if val := os.Getenv("PAIML_CACHE_TTL_AST"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			c.Cache.AstTTLSeconds = secs
		}
	}
	if val := os.Getenv("PAIML_CACHE_ENABLE_WATCH"); val != "" {
		c.Cache.EnableWatch = parseBool(val)
	}
	if val := os.Getenv("PAIML_CACHE_GIT_BRANCH_AWARE"); val != "" {
		c.Cache.GitBranchAware = parseBool(val)
	}
}

func parseBool(val string) bool {
	return strings.EqualFold(val, "true") || val == "1"
}

// Save writes the configuration to <root>/.dtk/config.json
func (c *Config) Save(root string) error {
	dir := filepath.Join(root, ".dtk")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != 1 {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Cache.MaxMemoryMB <= 0 {
		return &ConfigError{Field: "cache.maxMemoryMb", Message: "must be positive"}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be in 1..65535"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
