package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gridserve/gridserve/pkg/json"
)

// StoreConfig holds coordination store (Redis) settings
type StoreConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password          string        `mapstructure:"password" yaml:"password" json:"password"`
	DB                int           `mapstructure:"db" yaml:"db" json:"db"`
	KeyPrefix         string        `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"`
	PoolSize          int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout" json:"connection_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
}

// RouterConfig holds dispatch router settings
type RouterConfig struct {
	Host              string        `mapstructure:"host" yaml:"host" json:"host"`
	Port              int           `mapstructure:"port" yaml:"port" json:"port"`
	PublicAddr        string        `mapstructure:"public_addr" yaml:"public_addr" json:"public_addr"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout" yaml:"generation_timeout" json:"generation_timeout"`
	AssignTimeout     time.Duration `mapstructure:"assign_timeout" yaml:"assign_timeout" json:"assign_timeout"`
	HealthTimeout     time.Duration `mapstructure:"health_timeout" yaml:"health_timeout" json:"health_timeout"`
}

// NodeConfig holds node agent settings
type NodeConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port"`
	PublicURL       string        `mapstructure:"public_url" yaml:"public_url" json:"public_url"`
	RouterAddr      string        `mapstructure:"router_addr" yaml:"router_addr" json:"router_addr"`
	ModelsDir       string        `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout" json:"download_timeout"`
	DeviceOverride  string        `mapstructure:"device_override" yaml:"device_override" json:"device_override"`
	RuntimeURL      string        `mapstructure:"runtime_url" yaml:"runtime_url" json:"runtime_url"`
}

// MonitoringConfig holds metrics settings
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port" yaml:"metrics_port" json:"metrics_port"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path" json:"metrics_path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// Config represents the main configuration structure shared by the
// router and node binaries. Each binary reads the sections it needs.
type Config struct {
	Store      StoreConfig      `mapstructure:"store" yaml:"store" json:"store"`
	Router     RouterConfig     `mapstructure:"router" yaml:"router" json:"router"`
	Node       NodeConfig       `mapstructure:"node" yaml:"node" json:"node"`
	JSON       json.Config      `mapstructure:"json" yaml:"json" json:"json"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging" json:"logging"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Addr:              "localhost:6379",
			DB:                0,
			KeyPrefix:         "",
			PoolSize:          100,
			ConnectionTimeout: 5 * time.Second,
			ReadTimeout:       3 * time.Second,
			WriteTimeout:      3 * time.Second,
		},
		Router: RouterConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			PublicAddr:        "localhost:8000",
			GenerationTimeout: 300 * time.Second,
			AssignTimeout:     30 * time.Second,
			HealthTimeout:     10 * time.Second,
		},
		Node: NodeConfig{
			Host:            "0.0.0.0",
			Port:            8005,
			PublicURL:       "http://localhost:8005",
			RouterAddr:      "localhost:8000",
			ModelsDir:       "/models",
			PollInterval:    5 * time.Second,
			DownloadTimeout: 30 * time.Minute,
			DeviceOverride:  "",
			RuntimeURL:      "http://localhost:8080",
		},
		JSON: json.DefaultConfig(),
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPort: 9090,
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	config := DefaultConfig()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/gridserve")
	}

	v.SetEnvPrefix("GRIDSERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.Addr == "" {
		return fmt.Errorf("store addr must not be empty")
	}

	if c.Router.Port <= 0 || c.Router.Port > 65535 {
		return fmt.Errorf("invalid router port: %d", c.Router.Port)
	}

	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("invalid node port: %d", c.Node.Port)
	}

	if c.Node.PollInterval <= 0 {
		return fmt.Errorf("node poll interval must be positive")
	}

	if c.Router.GenerationTimeout <= 0 {
		return fmt.Errorf("generation timeout must be positive")
	}

	switch c.JSON.Library {
	case json.LibraryStandard, json.LibrarySonic:
		// Valid
	default:
		return fmt.Errorf("invalid json library: %s", c.JSON.Library)
	}

	switch c.Node.DeviceOverride {
	case "", "cuda", "metal", "cpu":
		// Valid
	default:
		return fmt.Errorf("invalid device override: %s", c.Node.DeviceOverride)
	}

	return nil
}
