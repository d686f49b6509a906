// Package config handles configuration loading, validation, and persistence
// for liqitap.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Version is the liqitap release version.
const Version = "0.1.0"

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5000
	DefaultListenAddr = "127.0.0.1:8765"
)

// DefaultDomains are the game hostnames whose traffic is decoded.
var DefaultDomains = []string{
	"maj-soul.com",
	"majsoul.com",
	"mahjongsoul.com",
	"yo-star.com",
}

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Capture  CaptureConfig  `json:"capture"`
	Output   OutputConfig   `json:"output"`
	Database DatabaseConfig `json:"database"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Logging  LoggingConfig  `json:"logging"`
}

// CaptureConfig controls the websocket tap.
type CaptureConfig struct {
	// ListenAddr is where game clients connect.
	ListenAddr string `json:"listen_addr"`

	// UpstreamURL is the real game gateway, e.g. wss://gateway.mahjongsoul.com:443.
	// The client's request path is appended.
	UpstreamURL string `json:"upstream_url"`

	// Domains restricts decoding to these hosts and their subdomains.
	Domains []string `json:"domains"`

	MaxMessageBytes  int `json:"max_message_bytes"`
	HandshakeTimeout int `json:"handshake_timeout_sec"`

	// IdleTimeoutSec closes flows with no traffic for this long. 0 disables.
	IdleTimeoutSec int `json:"idle_timeout_sec"`

	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
}

// OutputConfig controls the JSON-lines event log.
type OutputConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DatabaseConfig controls the SQLite event archive.
type DatabaseConfig struct {
	Enabled          bool   `json:"enabled"`
	Path             string `json:"path"`
	RetentionDays    int    `json:"retention_days"`
	PruneIntervalSec int    `json:"prune_interval_sec"`
	CorrelationSize  int    `json:"correlation_cache_size"`
}

// APIConfig controls the REST API.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			ListenAddr:       DefaultListenAddr,
			Domains:          append([]string(nil), DefaultDomains...),
			MaxMessageBytes:  4 << 20,
			HandshakeTimeout: 10,
			IdleTimeoutSec:   600,
		},
		Output: OutputConfig{
			Enabled: true,
			Path:    "mitm_messages.json",
		},
		Database: DatabaseConfig{
			Enabled:          true,
			Path:             "data/events.db",
			RetentionDays:    7,
			PruneIntervalSec: 3600,
			CorrelationSize:  4096,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        8883,
			UseTLS:      true,
			TopicPrefix: "liqitap",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from configDir/config.json, writing the
// defaults there first if the file does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist any fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetCapture returns a copy of the capture configuration.
func (c *Config) GetCapture() CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	capture := c.Capture
	capture.Domains = append([]string(nil), c.Capture.Domains...)
	return capture
}

// UpdateField sets a single key inside a section, going through the JSON
// representation so keys match the file ("capture", "upstream_url").
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target interface{}
	switch section {
	case "capture":
		target = &c.Capture
	case "output":
		target = &c.Output
	case "database":
		target = &c.Database
	case "api":
		target = &c.API
	case "mqtt":
		target = &c.MQTT
	case "logging":
		target = &c.Logging
	default:
		return fmt.Errorf("unknown config section %q", section)
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section %s: %w", section, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section %s: %w", section, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown key %s.%s", section, key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode section %s: %w", section, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Clone returns a deep copy of the configuration bound to the same file.
func (c *Config) Clone() (*Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	clone := &Config{path: c.path}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("failed to copy config: %w", err)
	}
	return clone, nil
}

// Redacted returns the configuration as a generic map with secrets masked,
// for display.
func (c *Config) Redacted() (map[string]interface{}, error) {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if api, ok := out["api"].(map[string]interface{}); ok {
		if tok, _ := api["token"].(string); tok != "" {
			api["token"] = "********"
		}
	}
	return out, nil
}
