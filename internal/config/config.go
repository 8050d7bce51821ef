package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSessionWindowMs is the provider session accounting window (5h).
	DefaultSessionWindowMs = 5 * 60 * 60 * 1000
	// DefaultRefreshLeewayMs refreshes tokens that expire within this window.
	DefaultRefreshLeewayMs = 60 * 1000
	// DefaultUpstreamTimeoutMs bounds a whole upstream exchange, long enough
	// for slow streams.
	DefaultUpstreamTimeoutMs = 600 * 1000
	// DefaultIdleReadTimeoutMs cancels upstream when no bytes arrive for this
	// long mid-stream.
	DefaultIdleReadTimeoutMs = 120 * 1000

	// DefaultClientID is the public OAuth client id used by the Anthropic
	// Claude Code flow.
	DefaultClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
)

// AppConfig is the structured configuration bag consumed by the core.
type AppConfig struct {
	ClientID          string `yaml:"client_id"`
	SessionWindowMs   int64  `yaml:"session_window_ms"`
	RefreshLeewayMs   int64  `yaml:"refresh_leeway_ms"`
	UpstreamTimeoutMs int64  `yaml:"upstream_timeout_ms"`
	IdleReadTimeoutMs int64  `yaml:"idle_read_timeout_ms"`

	// APISecret signs management API tokens. Empty disables auth for
	// local-only deployments.
	APISecret string `yaml:"api_secret,omitempty"`

	DBPath  string `yaml:"db_path,omitempty"`
	LogFile string `yaml:"log_file,omitempty"`

	Pricing PriceTable `yaml:"pricing,omitempty"`

	baseDir string
}

// NewAppConfig loads the config file from the caskade home directory,
// creating it with defaults on first run.
func NewAppConfig() (*AppConfig, error) {
	baseDir, err := HomeDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := defaultConfig()
	cfg.baseDir = baseDir

	path := filepath.Join(baseDir, "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// HomeDir returns the caskade home directory, honouring CASKADE_HOME.
func HomeDir() (string, error) {
	if dir := os.Getenv("CASKADE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".caskade"), nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		ClientID:          DefaultClientID,
		SessionWindowMs:   DefaultSessionWindowMs,
		RefreshLeewayMs:   DefaultRefreshLeewayMs,
		UpstreamTimeoutMs: DefaultUpstreamTimeoutMs,
		IdleReadTimeoutMs: DefaultIdleReadTimeoutMs,
		Pricing:           DefaultPriceTable(),
	}
}

func (c *AppConfig) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.SessionWindowMs == 0 {
		c.SessionWindowMs = DefaultSessionWindowMs
	}
	if c.RefreshLeewayMs == 0 {
		c.RefreshLeewayMs = DefaultRefreshLeewayMs
	}
	if c.UpstreamTimeoutMs == 0 {
		c.UpstreamTimeoutMs = DefaultUpstreamTimeoutMs
	}
	if c.IdleReadTimeoutMs == 0 {
		c.IdleReadTimeoutMs = DefaultIdleReadTimeoutMs
	}
	if len(c.Pricing) == 0 {
		c.Pricing = DefaultPriceTable()
	}
}

// Save writes the config back to disk.
func (c *AppConfig) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.baseDir, "config.yaml"), data, 0600)
}

// BaseDir returns the directory the config was loaded from.
func (c *AppConfig) BaseDir() string {
	return c.baseDir
}

// DatabasePath returns the SQLite database file path.
func (c *AppConfig) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.baseDir, "caskade.db")
}

// SessionWindow returns the session window as a duration.
func (c *AppConfig) SessionWindow() time.Duration {
	return time.Duration(c.SessionWindowMs) * time.Millisecond
}

// RefreshLeeway returns the token refresh leeway as a duration.
func (c *AppConfig) RefreshLeeway() time.Duration {
	return time.Duration(c.RefreshLeewayMs) * time.Millisecond
}

// UpstreamTimeout returns the total upstream exchange timeout.
func (c *AppConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMs) * time.Millisecond
}

// IdleReadTimeout returns the per-read idle timeout for upstream bodies.
func (c *AppConfig) IdleReadTimeout() time.Duration {
	return time.Duration(c.IdleReadTimeoutMs) * time.Millisecond
}
