// Package config provides YAML-based configuration loading for the metrics
// bridge.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/wippyai/metrics-bridge/errors"
	"github.com/wippyai/metrics-bridge/ffi"
	"github.com/wippyai/metrics-bridge/native"
)

// EnvPrefix prefixes environment overrides. `.` and `-` in keys become `_`.
// Example: METRICS_BRIDGE_LOG_LEVEL=debug
const EnvPrefix = "METRICS_BRIDGE"

// Config is the root bridge configuration.
type Config struct {
	// Core is handed to the native core on initialization.
	Core CoreConfig `mapstructure:"core"`

	// Module controls how the native core is loaded.
	Module ModuleConfig `mapstructure:"module"`

	// Dispatcher controls how operations are executed.
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// CoreConfig mirrors the native config struct.
type CoreConfig struct {
	DataPath            string `mapstructure:"data_path"`
	ApplicationID       string `mapstructure:"application_id"`
	LanguageBindingName string `mapstructure:"language_binding_name"`
	AppBuild            string `mapstructure:"app_build"`
	// Channel is passed only when non-empty.
	Channel string `mapstructure:"channel"`
	// MaxEvents is passed only when positive.
	MaxEvents           int  `mapstructure:"max_events"`
	UploadEnabled       bool `mapstructure:"upload_enabled"`
	DelayPingLifetimeIO bool `mapstructure:"delay_ping_lifetime_io"`
	UseCoreMPS          bool `mapstructure:"use_core_mps"`
}

// ModuleConfig locates and sandboxes the native core module.
type ModuleConfig struct {
	// Path to the core's .wasm file.
	Path             string `mapstructure:"path"`
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`
	WASI             bool   `mapstructure:"wasi"`
}

// DispatcherConfig selects the execution mode.
type DispatcherConfig struct {
	// TestingMode runs every operation on the caller.
	TestingMode bool `mapstructure:"testing_mode"`
	// PreInitQueue captures operations issued before initialization.
	// When false such operations are logged and dropped.
	PreInitQueue bool `mapstructure:"preinit_queue"`
	// Instrumentation registers Prometheus collectors.
	Instrumentation bool `mapstructure:"instrumentation"`
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
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Enable     bool   `mapstructure:"enable"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			DataPath:            "./data",
			LanguageBindingName: "Go",
			UploadEnabled:       true,
		},
		Dispatcher: DispatcherConfig{
			PreInitQueue: true,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/metrics-bridge.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations for metrics-bridge.yaml. Environment variables override
// file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("core.data_path", cfg.Core.DataPath)
	v.SetDefault("core.application_id", cfg.Core.ApplicationID)
	v.SetDefault("core.language_binding_name", cfg.Core.LanguageBindingName)
	v.SetDefault("core.app_build", cfg.Core.AppBuild)
	v.SetDefault("core.channel", cfg.Core.Channel)
	v.SetDefault("core.max_events", cfg.Core.MaxEvents)
	v.SetDefault("core.upload_enabled", cfg.Core.UploadEnabled)
	v.SetDefault("core.delay_ping_lifetime_io", cfg.Core.DelayPingLifetimeIO)
	v.SetDefault("core.use_core_mps", cfg.Core.UseCoreMPS)
	v.SetDefault("module.path", cfg.Module.Path)
	v.SetDefault("module.memory_limit_pages", cfg.Module.MemoryLimitPages)
	v.SetDefault("module.wasi", cfg.Module.WASI)
	v.SetDefault("dispatcher.testing_mode", cfg.Dispatcher.TestingMode)
	v.SetDefault("dispatcher.preinit_queue", cfg.Dispatcher.PreInitQueue)
	v.SetDefault("dispatcher.instrumentation", cfg.Dispatcher.Instrumentation)
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

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("metrics-bridge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".metrics-bridge"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("invalid log.level: %q", c.Log.Level))
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if strings.TrimSpace(c.Core.ApplicationID) == "" {
		return errors.InvalidInput(errors.PhaseConfig, "core.application_id is required")
	}
	if strings.TrimSpace(c.Core.DataPath) == "" {
		return errors.InvalidInput(errors.PhaseConfig, "core.data_path is required")
	}
	if c.Core.MaxEvents < 0 {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("invalid core.max_events: %d", c.Core.MaxEvents))
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

// Native converts the core section to the native config struct.
func (c *Config) Native() ffi.NativeConfig {
	out := ffi.NativeConfig{
		DataPath:            c.Core.DataPath,
		ApplicationID:       c.Core.ApplicationID,
		LanguageBindingName: c.Core.LanguageBindingName,
		AppBuild:            c.Core.AppBuild,
		UploadEnabled:       c.Core.UploadEnabled,
		DelayPingLifetimeIO: c.Core.DelayPingLifetimeIO,
		UseCoreMPS:          c.Core.UseCoreMPS,
	}
	if c.Core.MaxEvents > 0 {
		max := uint32(c.Core.MaxEvents)
		out.MaxEvents = &max
	}
	if c.Core.Channel != "" {
		channel := c.Core.Channel
		out.Channel = &channel
	}
	return out
}

// Loader converts the module section to a native loader config.
func (c *Config) Loader() *native.Config {
	return &native.Config{
		MemoryLimitPages: c.Module.MemoryLimitPages,
		WASI:             c.Module.WASI,
	}
}

// ReadModule reads the native core binary named by module.path.
func (c *Config) ReadModule() ([]byte, error) {
	if c.Module.Path == "" {
		return nil, errors.InvalidInput(errors.PhaseConfig, "module.path is required")
	}
	b, err := os.ReadFile(c.Module.Path)
	if err != nil {
		return nil, errors.Load("read module "+c.Module.Path, err)
	}
	return b, nil
}
