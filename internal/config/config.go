package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	configFileName   = "config.json"
	settingsFileName = "settings.json"

	DefaultPermissionTimeout = 5 * time.Minute
	DefaultGracePeriod       = 3 * time.Second
	productionRelayURL       = "wss://relay.claudebridge.dev/ws"
)

// LogConfig controls the daemon's log output.
type LogConfig struct {
	Level      string `json:"level"`
	File       bool   `json:"file"` // write logs/bridge.log next to the config
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`

	// StreamArchive appends every raw stdout line of the CLI to
	// logs/stream.jsonl.
	StreamArchive bool `json:"stream_archive"`
}

// Config holds the daemon's configuration
type Config struct {
	DeviceID   string            `json:"device_id"`
	AuthTokens map[string]string `json:"auth_tokens,omitempty"` // keyed by relay URL
	RelayURL   string            `json:"-"`                     // Not saved: determined at runtime from --dev flag or env vars

	ClaudePath string `json:"claude_path,omitempty"`
	WorkDir    string `json:"work_dir,omitempty"`
	Model      string `json:"model,omitempty"`

	PermissionTimeoutSeconds int  `json:"permission_timeout_seconds"`
	GracePeriodSeconds       int  `json:"grace_period_seconds"`
	FoldDuplicateResults     bool `json:"fold_duplicate_results"`

	Log LogConfig `json:"log"`

	path string
}

// DefaultDir is ~/.claudebridge.
func DefaultDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".claudebridge")
}

// DefaultPath is the config file inside DefaultDir.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), configFileName)
}

// Load reads the config at path, creating it with defaults when missing.
// An empty path means DefaultPath.
func Load(path string, dev bool) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := defaults(path)
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("create config: %w", err)
		}
		cfg.applyEnvironmentOverrides(dev)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults(path)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = newDeviceID()
		if err := cfg.Save(); err != nil {
			// Best-effort: the id is still usable for this run.
			fmt.Printf("Warning: failed to save device id: %v\n", err)
		}
	}

	cfg.applyEnvironmentOverrides(dev)
	return cfg, nil
}

func defaults(path string) *Config {
	return &Config{
		DeviceID:                 newDeviceID(),
		PermissionTimeoutSeconds: int(DefaultPermissionTimeout / time.Second),
		GracePeriodSeconds:       int(DefaultGracePeriod / time.Second),
		FoldDuplicateResults:     true,
		Log:                      LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 14},
		path:                     path,
	}
}

// Save writes the config back to where it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o600) // owner read/write only, it holds tokens
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Dir is the directory holding the config and everything next to it.
func (c *Config) Dir() string { return filepath.Dir(c.path) }

// SettingsPath is the permission settings document.
func (c *Config) SettingsPath() string { return filepath.Join(c.Dir(), settingsFileName) }

// LogPath is the rotated daemon log.
func (c *Config) LogPath() string { return filepath.Join(c.Dir(), "logs", "bridge.log") }

// StreamArchivePath is the rotated raw stdout archive.
func (c *Config) StreamArchivePath() string { return filepath.Join(c.Dir(), "logs", "stream.jsonl") }

// PermissionTimeout is how long a suspended request waits for a decision.
func (c *Config) PermissionTimeout() time.Duration {
	if c.PermissionTimeoutSeconds <= 0 {
		return DefaultPermissionTimeout
	}
	return time.Duration(c.PermissionTimeoutSeconds) * time.Second
}

// GracePeriod is the SIGTERM to SIGKILL delay.
func (c *Config) GracePeriod() time.Duration {
	if c.GracePeriodSeconds <= 0 {
		return DefaultGracePeriod
	}
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// GetToken returns the token for the relay, or "".
func (c *Config) GetToken(relayURL string) string {
	return c.AuthTokens[relayURL]
}

// SetToken stores the token for the relay so local and production relays
// keep separate credentials.
func (c *Config) SetToken(relayURL, token string) {
	if c.AuthTokens == nil {
		c.AuthTokens = make(map[string]string)
	}
	c.AuthTokens[relayURL] = token
}

// applyEnvironmentOverrides fills values that are never saved.
func (c *Config) applyEnvironmentOverrides(dev bool) {
	c.RelayURL = relayURL(dev)
	if path := os.Getenv("CLAUDEBRIDGE_CLAUDE_PATH"); path != "" {
		c.ClaudePath = path
	}
}

// relayURL picks the relay in priority order: --dev, CLAUDEBRIDGE_RELAY_URL,
// RELAY_HOST, production.
func relayURL(dev bool) string {
	if dev {
		return "ws://localhost:8080/ws"
	}
	if url := os.Getenv("CLAUDEBRIDGE_RELAY_URL"); url != "" {
		return url
	}
	if host := os.Getenv("RELAY_HOST"); host != "" {
		return fmt.Sprintf("ws://%s/ws", host)
	}
	return productionRelayURL
}

func newDeviceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "desktop"
	}
	return hostname + "-" + uuid.NewString()[:8]
}
