package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	StaticDir string `mapstructure:"static_dir"` // optional frontend build served at /
}

type SandboxConfig struct {
	DockerPath     string        `mapstructure:"docker_path"`
	Engine         string        `mapstructure:"engine"` // "cli" or "api"
	TemplatesDir   string        `mapstructure:"templates_dir"`
	CatalogPath    string        `mapstructure:"catalog_path"`
	WorkDir        string        `mapstructure:"work_dir"`
	CPUs           string        `mapstructure:"cpus"`
	Memory         string        `mapstructure:"memory"`
	Network        bool          `mapstructure:"network"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
}

// PumpsConfig tunes the per-execution background loops.
type PumpsConfig struct {
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	DrainInterval    time.Duration `mapstructure:"drain_interval"`
	DrainAttempts    int           `mapstructure:"drain_attempts"`
}

type ReaperConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Interval     time.Duration `mapstructure:"interval"`
	Retention    time.Duration `mapstructure:"retention"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type RelayConfig struct {
	NatsURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Pumps   PumpsConfig   `mapstructure:"pumps"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	Storage StorageConfig `mapstructure:"storage"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Load reads penbox.yaml (or the file at path, when given), applies PENBOX_*
// environment overrides and validates the result. A missing config file is
// not an error; defaults apply.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("penbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.penbox")
	}

	v.SetEnvPrefix("penbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_dir", "")

	v.SetDefault("sandbox.docker_path", "docker")
	v.SetDefault("sandbox.engine", "cli")
	v.SetDefault("sandbox.templates_dir", "templates")
	v.SetDefault("sandbox.catalog_path", filepath.Join("templates", "catalog.yaml"))
	v.SetDefault("sandbox.work_dir", filepath.Join(os.TempDir(), "penbox"))
	v.SetDefault("sandbox.cpus", "0.1")
	v.SetDefault("sandbox.memory", "512m")
	v.SetDefault("sandbox.network", false)
	v.SetDefault("sandbox.default_timeout", 300*time.Second)
	v.SetDefault("sandbox.max_timeout", time.Hour)

	v.SetDefault("pumps.watchdog_interval", 100*time.Millisecond)
	v.SetDefault("pumps.flush_interval", 10*time.Millisecond)
	v.SetDefault("pumps.drain_interval", 500*time.Millisecond)
	v.SetDefault("pumps.drain_attempts", 5)

	v.SetDefault("reaper.initial_delay", 300*time.Second)
	v.SetDefault("reaper.interval", 3000*time.Second)
	v.SetDefault("reaper.retention", time.Hour)

	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".penbox", "blobs.db"))

	v.SetDefault("relay.nats_url", "")
	v.SetDefault("relay.subject_prefix", "penbox.execution")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is usable.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}

	if c.Sandbox.Engine != "cli" && c.Sandbox.Engine != "api" {
		return fmt.Errorf("invalid sandbox.engine: %s, must be 'cli' or 'api'", c.Sandbox.Engine)
	}
	if c.Sandbox.DockerPath == "" {
		return fmt.Errorf("sandbox.docker_path must not be empty")
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive, got: %s", c.Sandbox.DefaultTimeout)
	}
	if c.Sandbox.MaxTimeout > 0 && c.Sandbox.MaxTimeout < c.Sandbox.DefaultTimeout {
		return fmt.Errorf("sandbox.max_timeout (%s) is shorter than sandbox.default_timeout (%s)",
			c.Sandbox.MaxTimeout, c.Sandbox.DefaultTimeout)
	}

	if c.Pumps.WatchdogInterval <= 0 || c.Pumps.FlushInterval <= 0 {
		return fmt.Errorf("pumps intervals must be positive")
	}
	if c.Pumps.DrainAttempts < 0 {
		return fmt.Errorf("pumps.drain_attempts must not be negative, got: %d", c.Pumps.DrainAttempts)
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive, got: %s", c.Reaper.Interval)
	}
	if c.Reaper.Retention <= 0 {
		return fmt.Errorf("reaper.retention must be positive, got: %s", c.Reaper.Retention)
	}

	switch c.Logging.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	return nil
}
