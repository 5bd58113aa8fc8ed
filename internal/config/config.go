package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/golive/daemon/internal/logging"
	"github.com/spf13/viper"
)

var log = logging.L("config")

// IceServer mirrors the ICE server descriptor the browser extension hands
// the daemon over the control channel (or, as a fallback default, what we
// ship with).
type IceServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	// Control channel: the localhost WebSocket the browser extension talks to.
	ControlChannelHost string `mapstructure:"control_channel_host"`
	ControlChannelPort int    `mapstructure:"control_channel_port"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Concurrency limits for the session controller's command dispatcher.
	MaxConcurrentCommands int `mapstructure:"max_concurrent_commands"`
	CommandQueueSize      int `mapstructure:"command_queue_size"`

	// Audit configuration
	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	// Default ICE servers, used when a StartStream request doesn't supply
	// its own.
	IceServers []IceServer `mapstructure:"ice_servers"`

	// ThumbnailIntervalSeconds controls the periodic preview poller (§4.7).
	ThumbnailIntervalSeconds int `mapstructure:"thumbnail_interval_seconds"`

	// TeardownTimeoutSeconds bounds graceful session teardown (§5).
	TeardownTimeoutSeconds int `mapstructure:"teardown_timeout_seconds"`
}

func Default() *Config {
	return &Config{
		ControlChannelHost:       "127.0.0.1",
		ControlChannelPort:       9000,
		LogLevel:                 "info",
		LogFormat:                "text",
		LogMaxSizeMB:             50,
		LogMaxBackups:            3,
		MaxConcurrentCommands:    4,
		CommandQueueSize:         32,
		AuditEnabled:             true,
		AuditMaxSizeMB:           50,
		AuditMaxBackups:          3,
		ThumbnailIntervalSeconds: 600,
		TeardownTimeoutSeconds:   3,
		IceServers: []IceServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("golive")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GOLIVE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Validate config: fatals block startup, warnings are logged and continue.
	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("control_channel_host", cfg.ControlChannelHost)
	viper.Set("control_channel_port", cfg.ControlChannelPort)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("ice_servers", cfg.IceServers)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "golive.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the daemon.
func GetDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "golive")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "golive")
		}
		return filepath.Join(os.Getenv("HOME"), ".local", "share", "golive")
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "golive")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "golive")
		}
		return filepath.Join(os.Getenv("HOME"), ".config", "golive")
	}
}
