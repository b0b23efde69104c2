// Package config provides YAML-based configuration loading for tlsbridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tlsbridge/pkg/engine"
)

// Config is the root application configuration.
type Config struct {
	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Engine selects the TLS engine and its options.
	Engine EngineConfig `mapstructure:"engine"`

	// Transport describes the byte transport to dial or listen on.
	Transport TransportConfig `mapstructure:"transport"`

	// Shutdown bounds the close_notify exchange.
	Shutdown ShutdownConfig `mapstructure:"shutdown"`

	// Sim tunes the simulated engine.
	Sim SimConfig `mapstructure:"sim"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ShutdownConfig controls the close_notify wait.
type ShutdownConfig struct {
	WaitPeer            bool          `mapstructure:"wait_peer"`
	CloseNotifyAttempts int           `mapstructure:"close_notify_attempts"`
	CloseNotifyTimeout  time.Duration `mapstructure:"close_notify_timeout"`
}

// SimConfig tunes the simulated engine.
type SimConfig struct {
	MaxRecordSize int    `mapstructure:"max_record_size"`
	RekeyInterval int    `mapstructure:"rekey_interval"`
	MaxVersion    string `mapstructure:"max_version"`
	// Identity is the name this side presents; defaults to engine.server_name.
	Identity string `mapstructure:"identity"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/tlsbridge.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Engine: EngineConfig{
			Name:       "gotls",
			VerifyPeer: true,
			MinVersion: "1.2",
			ServerName: "localhost",
			UseSNI:     true,
		},
		Transport: TransportConfig{
			Kind:                 "tcp",
			Address:              "127.0.0.1:8443",
			DialTimeout:          10 * time.Second,
			DialAttempts:         1,
			DialBackoffInitialMS: 500,
			DialBackoffMaxMS:     30000,
			DialBackoffJitterMS:  100,
		},
		Shutdown: ShutdownConfig{
			WaitPeer:            true,
			CloseNotifyAttempts: 4,
			CloseNotifyTimeout:  2 * time.Second,
		},
		Sim: SimConfig{
			MaxRecordSize: 16384,
			MaxVersion:    "1.3",
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix TLSBRIDGE and `.`/`-` are replaced with `_`.
// Example: TLSBRIDGE_SHUTDOWN_CLOSE_NOTIFY_TIMEOUT=5s
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TLSBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	// Engine defaults
	v.SetDefault("engine.name", cfg.Engine.Name)
	v.SetDefault("engine.cert_file", cfg.Engine.CertFile)
	v.SetDefault("engine.key_file", cfg.Engine.KeyFile)
	v.SetDefault("engine.root_ca_file", cfg.Engine.RootCAFile)
	v.SetDefault("engine.disable_built_in_roots", cfg.Engine.DisableBuiltInRoots)
	v.SetDefault("engine.verify_peer", cfg.Engine.VerifyPeer)
	v.SetDefault("engine.accept_invalid_hostnames", cfg.Engine.AcceptInvalidHostnames)
	v.SetDefault("engine.client_auth", cfg.Engine.ClientAuth)
	v.SetDefault("engine.min_protocol_version", cfg.Engine.MinVersion)
	v.SetDefault("engine.max_protocol_version", cfg.Engine.MaxVersion)
	v.SetDefault("engine.cipher_list", cfg.Engine.CipherList)
	v.SetDefault("engine.server_name", cfg.Engine.ServerName)
	v.SetDefault("engine.use_sni", cfg.Engine.UseSNI)
	v.SetDefault("engine.next_protos", cfg.Engine.NextProtos)
	// Transport defaults
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.address", cfg.Transport.Address)
	v.SetDefault("transport.proxy", cfg.Transport.Proxy)
	v.SetDefault("transport.dial_timeout", cfg.Transport.DialTimeout)
	v.SetDefault("transport.read_timeout", cfg.Transport.ReadTimeout)
	v.SetDefault("transport.write_timeout", cfg.Transport.WriteTimeout)
	v.SetDefault("transport.dial_attempts", cfg.Transport.DialAttempts)
	v.SetDefault("transport.dial_backoff_initial_ms", cfg.Transport.DialBackoffInitialMS)
	v.SetDefault("transport.dial_backoff_max_ms", cfg.Transport.DialBackoffMaxMS)
	v.SetDefault("transport.dial_backoff_jitter_ms", cfg.Transport.DialBackoffJitterMS)
	// Shutdown defaults
	v.SetDefault("shutdown.wait_peer", cfg.Shutdown.WaitPeer)
	v.SetDefault("shutdown.close_notify_attempts", cfg.Shutdown.CloseNotifyAttempts)
	v.SetDefault("shutdown.close_notify_timeout", cfg.Shutdown.CloseNotifyTimeout)
	// Sim defaults
	v.SetDefault("sim.max_record_size", cfg.Sim.MaxRecordSize)
	v.SetDefault("sim.rekey_interval", cfg.Sim.RekeyInterval)
	v.SetDefault("sim.max_version", cfg.Sim.MaxVersion)
	v.SetDefault("sim.identity", cfg.Sim.Identity)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("TLSBRIDGE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `tlsbridge`
		v.SetConfigName("tlsbridge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tlsbridge"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Engine.Name = strings.ToLower(strings.TrimSpace(c.Engine.Name))
	if c.Engine.Name == "" {
		return errors.New("engine.name is required")
	}
	minV, err := engine.ParseVersion(c.Engine.MinVersion)
	if err != nil {
		return fmt.Errorf("invalid engine.min_protocol_version: %w", err)
	}
	maxV, err := engine.ParseVersion(c.Engine.MaxVersion)
	if err != nil {
		return fmt.Errorf("invalid engine.max_protocol_version: %w", err)
	}
	if minV != 0 && maxV != 0 && maxV < minV {
		return fmt.Errorf("engine.max_protocol_version %q is below min_protocol_version %q", c.Engine.MaxVersion, c.Engine.MinVersion)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.DialAttempts <= 0 {
		c.Transport.DialAttempts = 1
	}
	if c.Transport.ReadTimeout < 0 || c.Transport.WriteTimeout < 0 || c.Transport.DialTimeout < 0 {
		return errors.New("transport timeouts must not be negative")
	}

	if c.Shutdown.CloseNotifyAttempts <= 0 {
		return fmt.Errorf("invalid shutdown.close_notify_attempts: %d", c.Shutdown.CloseNotifyAttempts)
	}
	if c.Shutdown.CloseNotifyTimeout < 0 {
		return fmt.Errorf("invalid shutdown.close_notify_timeout: %s", c.Shutdown.CloseNotifyTimeout)
	}
	if c.Sim.MaxRecordSize < 0 || c.Sim.RekeyInterval < 0 {
		return errors.New("sim sizes must not be negative")
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
