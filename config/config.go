// Package config provides configuration management for the Slux daemon.
// It handles loading, saving, and validating daemon settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/engine"
	"github.com/wangn9900/Slux/tun"
)

// Config represents the daemon configuration.
// All settings are persisted to a YAML file in the config directory.
type Config struct {
	// Engine names the registered engine driver.
	Engine     string           `yaml:"engine"`
	Tun        TunConfig        `yaml:"tun"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Control    ControlConfig    `yaml:"control"`
	Permission PermissionConfig `yaml:"permission"`
	Presence   PresenceConfig   `yaml:"presence"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`

	path string
}

// TunConfig configures interface provisioning.
type TunConfig struct {
	// NameTemplate is a kernel name pattern such as "slux%d".
	NameTemplate string `yaml:"name_template"`
	// Ledger is the SQLite file recording provisioned interfaces.
	Ledger string `yaml:"ledger"`
	// Defaults are used for every field the engine does not request.
	Defaults tun.Settings `yaml:"defaults"`
}

// TimeoutConfig bounds the blocking steps of a session.
type TimeoutConfig struct {
	Establish   time.Duration `yaml:"establish"`
	EngineStart time.Duration `yaml:"engine_start"`
	EngineStop  time.Duration `yaml:"engine_stop"`
}

// ControlConfig configures the control channel.
type ControlConfig struct {
	// Socket is the unix socket path the daemon listens on.
	Socket string `yaml:"socket"`
}

// PermissionConfig selects how consent is asked for.
type PermissionConfig struct {
	// Prompt is one of "notification", "terminal", "allow" or "deny".
	Prompt string `yaml:"prompt"`
}

// PresenceConfig is the text of the foreground indicator.
type PresenceConfig struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// HealthConfig configures the interface health checker.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables logging to Dir in addition to stderr.
	File bool `yaml:"file"`
	// Dir overrides the default log directory. "~" is expanded.
	Dir string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the default configuration.
// These are sensible defaults for most users.
func DefaultConfig() *Config {
	return &Config{
		Engine: engine.PassthroughName,
		Tun: TunConfig{
			NameTemplate: common.TunNameTemplate,
			Ledger:       filepath.Join(dirOr(common.GetDataDir), common.LedgerFileName),
			Defaults:     tun.SettingsFrom(tun.DefaultOptions()),
		},
		Timeouts: TimeoutConfig{
			Establish:   common.EstablishTimeout,
			EngineStart: common.EngineStartTimeout,
			EngineStop:  common.EngineStopTimeout,
		},
		Control: ControlConfig{
			Socket: common.DefaultSocketPath(),
		},
		Permission: PermissionConfig{
			Prompt: common.PromptNotification,
		},
		Presence: PresenceConfig{
			Title: common.PresenceTitle,
			Body:  common.PresenceBody,
		},
		Health: HealthConfig{
			Interval:         common.HealthInterval,
			FailureThreshold: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the location of the configuration file.
func DefaultPath() string {
	return filepath.Join(dirOr(common.GetConfigDir), common.ConfigFileName)
}

// dirOr falls back to the runtime dir when the home-based one is unusable,
// as for system services without a home.
func dirOr(dir func() (string, error)) string {
	d, err := dir()
	if err != nil {
		return common.GetRuntimeDir()
	}
	return d
}

// Load loads the configuration from path, or DefaultPath when empty.
// If the file doesn't exist, it creates one with default values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	// If it doesn't exist, return default configuration
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.path = path
		if err := cfg.Save(); err != nil {
			common.LogWarn("Could not write default configuration: %v", err)
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	// Start from defaults so sections left out of the file keep their values.
	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", common.ErrConfigLoad, path, err)
	}
	config.path = path

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	return config, nil
}

// validate normalizes out-of-range values and rejects the ones that cannot
// be repaired.
func (c *Config) validate() error {
	defaults := DefaultConfig()

	if c.Engine == "" {
		c.Engine = defaults.Engine
	}
	if c.Tun.NameTemplate == "" {
		c.Tun.NameTemplate = defaults.Tun.NameTemplate
	}
	if c.Timeouts.Establish <= 0 {
		c.Timeouts.Establish = defaults.Timeouts.Establish
	}
	if c.Timeouts.EngineStart <= 0 {
		c.Timeouts.EngineStart = defaults.Timeouts.EngineStart
	}
	if c.Timeouts.EngineStop <= 0 {
		c.Timeouts.EngineStop = defaults.Timeouts.EngineStop
	}
	if c.Control.Socket == "" {
		c.Control.Socket = defaults.Control.Socket
	}
	for _, p := range []*string{&c.Control.Socket, &c.Tun.Ledger, &c.Log.Dir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = defaults.Health.Interval
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = defaults.Health.FailureThreshold
	}

	switch c.Permission.Prompt {
	case common.PromptNotification, common.PromptTerminal, common.PromptAllow, common.PromptDeny:
	default:
		c.Permission.Prompt = defaults.Permission.Prompt // Fallback to default
	}

	if _, err := common.ParseLogLevel(c.Log.Level); err != nil {
		c.Log.Level = defaults.Log.Level
	}

	if _, err := c.TunDefaults(); err != nil {
		return fmt.Errorf("tun.defaults: %w", err)
	}
	return nil
}

// TunDefaults returns the configured default interface options merged over
// the built-in ones.
func (c *Config) TunDefaults() (tun.Options, error) {
	opts, err := c.Tun.Defaults.Options()
	if err != nil {
		return tun.Options{}, err
	}
	merged := tun.Merge(tun.DefaultOptions(), opts)
	if err := merged.Validate(); err != nil {
		return tun.Options{}, err
	}
	return merged, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	if c.path == "" {
		return DefaultPath()
	}
	return c.path
}

// Save saves the configuration to its file.
func (c *Config) Save() error {
	path := c.Path()

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: create config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: serialize: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}
