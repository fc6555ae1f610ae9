package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all lifeline configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Persistent store adapter
	Storage StorageConfig `yaml:"storage"`

	// Offline action queue and connectivity
	Queue QueueConfig `yaml:"queue"`

	// Rate-limited generative backend
	LLM LLMConfig `yaml:"llm"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects the persistent store backend.
type StorageConfig struct {
	Driver       string `yaml:"driver"`        // preferences, local, memory
	Path         string `yaml:"path"`          // SQLite file or Badger directory
	SQLiteDriver string `yaml:"sqlite_driver"` // sqlite (pure Go) or sqlite3 (cgo)
	InMemory     bool   `yaml:"in_memory"`     // Badger without disk
}

// QueueConfig configures the offline action queue.
type QueueConfig struct {
	TransportTimeout string `yaml:"transport_timeout"`
	ProbeURL         string `yaml:"probe_url"`
	ProbeInterval    string `yaml:"probe_interval"`
}

// LLMConfig configures the generative backend client.
type LLMConfig struct {
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	BaseURL           string `yaml:"base_url"`
	MaxCallsPerMinute int    `yaml:"max_calls_per_minute"`
	MaxAttempts       int    `yaml:"max_attempts"`
	Timeout           string `yaml:"timeout"`
}

// LoggingConfig configures categorized logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "lifeline",
		Version: "0.3.0",

		Storage: StorageConfig{
			Driver:       "preferences",
			Path:         ".lifeline/preferences.db",
			SQLiteDriver: "sqlite",
		},

		Queue: QueueConfig{
			TransportTimeout: "30s",
			ProbeURL:         "https://www.gstatic.com/generate_204",
			ProbeInterval:    "5s",
		},

		LLM: LLMConfig{
			Model:             "gemini-2.5-flash",
			MaxCallsPerMinute: 14,
			MaxAttempts:       3,
			Timeout:           "120s",
		},

		Logging: LoggingConfig{
			Level: "info",
			Dir:   ".lifeline/logs",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// GEMINI_API_KEY wins over GOOGLE_API_KEY, matching the genai SDK
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("LIFELINE_LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if driver := os.Getenv("LIFELINE_STORE_DRIVER"); driver != "" {
		c.Storage.Driver = strings.ToLower(driver)
	}
	if path := os.Getenv("LIFELINE_STORE_PATH"); path != "" {
		c.Storage.Path = path
	}
	if url := os.Getenv("LIFELINE_PROBE_URL"); url != "" {
		c.Queue.ProbeURL = url
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetTransportTimeout returns the queue transport timeout as a duration.
func (c *Config) GetTransportTimeout() time.Duration {
	return parseDuration(c.Queue.TransportTimeout, 30*time.Second)
}

// GetProbeInterval returns the connectivity probe interval as a duration.
func (c *Config) GetProbeInterval() time.Duration {
	return parseDuration(c.Queue.ProbeInterval, 5*time.Second)
}

// GetLLMTimeout returns the per-call LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// ValidStorageDrivers lists all supported store backends.
var ValidStorageDrivers = []string{"preferences", "local", "memory"}

// ValidSQLiteDrivers lists the registered database/sql driver names.
var ValidSQLiteDrivers = []string{"sqlite", "sqlite3"}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidStorageDrivers, c.Storage.Driver) {
		return fmt.Errorf("invalid storage driver: %s (valid: %v)", c.Storage.Driver, ValidStorageDrivers)
	}
	if c.Storage.Driver == "preferences" && !contains(ValidSQLiteDrivers, c.Storage.SQLiteDriver) {
		return fmt.Errorf("invalid sqlite driver: %s (valid: %v)", c.Storage.SQLiteDriver, ValidSQLiteDrivers)
	}
	if c.Storage.Driver != "memory" && c.Storage.Path == "" && !c.Storage.InMemory {
		return fmt.Errorf("storage path required for driver %s", c.Storage.Driver)
	}
	if c.LLM.MaxCallsPerMinute <= 0 {
		return fmt.Errorf("llm.max_calls_per_minute must be positive, got %d", c.LLM.MaxCallsPerMinute)
	}
	if c.LLM.MaxAttempts <= 0 {
		return fmt.Errorf("llm.max_attempts must be positive, got %d", c.LLM.MaxAttempts)
	}
	return nil
}

// ValidateLLM checks the settings needed to reach the generative backend.
func (c *Config) ValidateLLM() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}
	return nil
}
