package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	USB       USBConfig       `mapstructure:"usb"`
	Transport TransportConfig `mapstructure:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	App       AppConfig       `mapstructure:"app"`
}

// USBConfig controls the USB host stack.
type USBConfig struct {
	// DebugLevel is passed through to libusb (0..4).
	DebugLevel int `mapstructure:"debug_level"`
}

// TransportConfig controls per-transport behavior.
type TransportConfig struct {
	// WriteHighWater is the writer backpressure bound in bytes.
	WriteHighWater int `mapstructure:"write_high_water"`
	// DisconnectPollInterval is how often the bus is rescanned to
	// detect removed devices.
	DisconnectPollInterval time.Duration `mapstructure:"disconnect_poll_interval"`
	// Banner is the host identity sent in connect messages.
	Banner string `mapstructure:"banner"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig holds application metadata.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// Load reads configuration from an optional config.yaml and the
// environment (ADB_TRANSPORT_ prefix), over built-in defaults.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("ADB_TRANSPORT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No file is fine; defaults and env carry the day.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("usb.debug_level", 0)

	viper.SetDefault("transport.write_high_water", 16*1024)
	viper.SetDefault("transport.disconnect_poll_interval", "1s")
	viper.SetDefault("transport.banner", "host::adb-transport")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output", "stderr")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	viper.SetDefault("app.name", "adb-transport")
	viper.SetDefault("app.version", "1.0.0")
}

func (c *Config) validate() error {
	if c.Transport.WriteHighWater <= 0 {
		return fmt.Errorf("transport.write_high_water must be positive, got %d", c.Transport.WriteHighWater)
	}
	if c.Transport.DisconnectPollInterval <= 0 {
		return fmt.Errorf("transport.disconnect_poll_interval must be positive, got %s", c.Transport.DisconnectPollInterval)
	}
	if c.USB.DebugLevel < 0 || c.USB.DebugLevel > 4 {
		return fmt.Errorf("usb.debug_level must be 0..4, got %d", c.USB.DebugLevel)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	return nil
}
