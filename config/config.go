package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "convsync"
	// DefaultListeningPort is the HTTP port used when no user override exists.
	DefaultListeningPort = 8080
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultPresenceTTLSeconds is how long a heartbeat keeps a user online.
	DefaultPresenceTTLSeconds = 30
	// DefaultReconcileIntervalMinutes is the unread reconciliation cadence.
	DefaultReconcileIntervalMinutes = 15
	// DefaultMessageKeyRetentionHours bounds idempotent send retries.
	DefaultMessageKeyRetentionHours = 48
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Environment variables that override persisted settings for one process.
const (
	EnvDataDir  = "CONVSYNC_DATA_DIR"
	EnvPort     = "CONVSYNC_PORT"
	EnvLogLevel = "CONVSYNC_LOG_LEVEL"
	EnvRedisURL = "REDIS_URL"
)

// ServerConfig contains persistent server settings.
type ServerConfig struct {
	NodeID                   string   `json:"node_id"`
	NodeName                 string   `json:"node_name"`
	ListenHost               string   `json:"listen_host"`
	PortMode                 string   `json:"port_mode"`
	ListeningPort            int      `json:"listening_port"`
	DatabasePath             string   `json:"database_path"`
	RedisURL                 string   `json:"redis_url"`
	PresenceTTLSeconds       int      `json:"presence_ttl_seconds"`
	ReconcileIntervalMinutes int      `json:"reconcile_interval_minutes"`
	MessageKeyRetentionHours int      `json:"message_key_retention_hours"`
	AllowedOrigins           []string `json:"allowed_origins"`
	MDNSEnabled              bool     `json:"mdns_enabled"`
	LogLevel                 string   `json:"log_level"`
	LogPretty                bool     `json:"log_pretty"`
}

// PresenceTTL returns the presence window as a duration.
func (c *ServerConfig) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

// ReconcileInterval returns the unread reconciliation cadence.
func (c *ServerConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMinutes) * time.Minute
}

// MessageKeyRetention returns how long client keys are kept.
func (c *ServerConfig) MessageKeyRetention() time.Duration {
	return time.Duration(c.MessageKeyRetentionHours) * time.Hour
}

// ListenAddress returns host:port; port 0 in automatic mode.
func (c *ServerConfig) ListenAddress() string {
	port := c.ListeningPort
	if c.PortMode == PortModeAutomatic {
		port = 0
	}
	return fmt.Sprintf("%s:%d", c.ListenHost, port)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CONVSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ServerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned value but never persisted.
func LoadOrCreate() (*ServerConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// ApplyEnv overrides settings from the process environment.
func ApplyEnv(cfg *ServerConfig) error {
	if raw := strings.TrimSpace(os.Getenv(EnvPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvPort, raw)
		}
		cfg.ListeningPort = port
		cfg.PortMode = PortModeFixed
		if port == 0 {
			cfg.PortMode = PortModeAutomatic
		}
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.LogLevel = level
	}
	if redisURL := strings.TrimSpace(os.Getenv(EnvRedisURL)); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	return nil
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "convsync"
}

func defaultConfig(dataDir string) *ServerConfig {
	return &ServerConfig{
		NodeID:                   uuid.NewString(),
		NodeName:                 defaultNodeName(),
		ListenHost:               "",
		PortMode:                 PortModeFixed,
		ListeningPort:            DefaultListeningPort,
		DatabasePath:             filepath.Join(dataDir, "convsync.db"),
		PresenceTTLSeconds:       DefaultPresenceTTLSeconds,
		ReconcileIntervalMinutes: DefaultReconcileIntervalMinutes,
		MessageKeyRetentionHours: DefaultMessageKeyRetentionHours,
		AllowedOrigins:           []string{"*"},
		MDNSEnabled:              true,
		LogLevel:                 "info",
	}
}

func normalizeDefaults(cfg *ServerConfig, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	if cfg.NodeID == "" {
		cfg.NodeID = defaults.NodeID
		updated = true
	}
	if cfg.NodeName == "" {
		cfg.NodeName = defaults.NodeName
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaults.DatabasePath
		updated = true
	}
	if cfg.PresenceTTLSeconds <= 0 {
		cfg.PresenceTTLSeconds = DefaultPresenceTTLSeconds
		updated = true
	}
	if cfg.ReconcileIntervalMinutes <= 0 {
		cfg.ReconcileIntervalMinutes = DefaultReconcileIntervalMinutes
		updated = true
	}
	if cfg.MessageKeyRetentionHours <= 0 {
		cfg.MessageKeyRetentionHours = DefaultMessageKeyRetentionHours
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
