// Package config loads the bridge configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"rplidar/publish"
	"rplidar/rplidar"
	"rplidar/transport"
)

type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Driver  DriverConfig  `yaml:"driver"`
	Redis   RedisConfig   `yaml:"redis"`
	ROS     ROSConfig     `yaml:"ros"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type SerialConfig struct {
	// Device is the port path. Empty selects the last port the system reports.
	Device                string `yaml:"device"`
	transport.PortOptions `yaml:",inline"`
}

type DriverConfig struct {
	Topic          string        `yaml:"topic"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	OpenAttempts   int           `yaml:"open_attempts"`
	ResetDelay     time.Duration `yaml:"reset_delay"`
	StopDelay      time.Duration `yaml:"stop_delay"`
	ForceScan      bool          `yaml:"force_scan"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Channel overrides the driver topic.
	Channel string `yaml:"channel"`
}

type ROSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	NodeName           string `yaml:"node_name"`
	Topic              string `yaml:"topic"`
	publish.ROSOptions `yaml:",inline"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			PortOptions: transport.DefaultPortOptions(),
		},
		Driver: DriverConfig{
			Topic:          rplidar.DefaultTopic,
			CommandTimeout: rplidar.DefaultCommandTimeout,
			PollInterval:   rplidar.DefaultPollInterval,
			OpenAttempts:   rplidar.DefaultOpenAttempts,
			ResetDelay:     rplidar.DefaultResetDelay,
			StopDelay:      rplidar.DefaultStopDelay,
		},
		Redis: RedisConfig{
			Enabled: true,
			Addr:    "localhost:6379",
		},
		ROS: ROSConfig{
			NodeName: "/rplidar",
			Topic:    "/scan",
			ROSOptions: publish.ROSOptions{
				FrameID:  "laser_frame",
				RangeMin: 0.15,
				RangeMax: 12,
				ScanTime: 0.18,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the driver cannot default.
func (c *Config) Validate() error {
	opts, err := c.Serial.PortOptions.Normalize()
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	c.Serial.PortOptions = opts

	switch {
	case c.Driver.Topic == "":
		return fmt.Errorf("driver: topic is required")
	case c.Driver.CommandTimeout <= 0:
		return fmt.Errorf("driver: command_timeout must be positive")
	case c.Driver.PollInterval <= 0:
		return fmt.Errorf("driver: poll_interval must be positive")
	case c.Driver.OpenAttempts < 1:
		return fmt.Errorf("driver: open_attempts must be at least 1")
	case c.Redis.Enabled && c.Redis.Addr == "":
		return fmt.Errorf("redis: addr is required when enabled")
	case c.ROS.Enabled && c.ROS.Topic == "":
		return fmt.Errorf("ros: topic is required when enabled")
	}
	return nil
}

// DriverOptions converts the driver section to rplidar options.
func (c *Config) DriverOptions() []rplidar.Option {
	return []rplidar.Option{
		rplidar.WithTopic(c.Driver.Topic),
		rplidar.WithCommandTimeout(c.Driver.CommandTimeout),
		rplidar.WithPollInterval(c.Driver.PollInterval),
		rplidar.WithOpenAttempts(c.Driver.OpenAttempts),
		rplidar.WithResetDelay(c.Driver.ResetDelay),
		rplidar.WithStopDelay(c.Driver.StopDelay),
		rplidar.WithForceScan(c.Driver.ForceScan),
	}
}
