package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/fleet-monitor/internal/command"
	"github.com/roman-kulish/fleet-monitor/internal/fleet"
	"github.com/roman-kulish/fleet-monitor/internal/stream"
)

const (
	defaultStreamURL       = "ws://localhost:8000/ws/dashboard"
	defaultCommandsBaseURL = "http://localhost:8000"
	defaultListen          = ":8080"
	defaultSummaryInterval = time.Minute
)

type TimeDuration time.Duration

func NewTimeDuration(d time.Duration) TimeDuration {
	return TimeDuration(d)
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *TimeDuration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Validate checks that the duration is positive
func (d TimeDuration) Validate() error {
	if d <= 0 {
		return fmt.Errorf("app.TimeDuration: must be positive: %s given", d)
	}
	return nil
}

func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d)
}

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

// Config represents the main application configuration
type Config struct {
	Settings Settings       `yaml:"settings"`
	Stream   StreamConfig   `yaml:"stream"`
	Commands CommandsConfig `yaml:"commands"`
	Fleet    FleetConfig    `yaml:"fleet"`
	API      APIConfig      `yaml:"api"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel        string       `yaml:"logLevel"`
	LogFile         string       `yaml:"logFile"`         // Rotated JSON log file, logs go to stdout when empty
	SummaryInterval TimeDuration `yaml:"summaryInterval"` // Period of the fleet summary log line, 0 disables it
}

// StreamConfig represents the telemetry stream settings
type StreamConfig struct {
	URL              string       `yaml:"url"`
	HandshakeTimeout TimeDuration `yaml:"handshakeTimeout"`
	ReconnectMin     TimeDuration `yaml:"reconnectMin"`
	ReconnectMax     TimeDuration `yaml:"reconnectMax"`
}

// CommandsConfig represents the drone command API settings
type CommandsConfig struct {
	BaseURL          string       `yaml:"baseURL"`
	Timeout          TimeDuration `yaml:"timeout"`
	OutcomeCacheSize int          `yaml:"outcomeCacheSize"`
}

// FleetConfig represents the fleet state retention settings
type FleetConfig struct {
	HistorySize  int `yaml:"historySize"`
	AlertLogSize int `yaml:"alertLogSize"`
}

// APIConfig represents the operator API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// NewConfig returns the configuration with every setting at its default
func NewConfig() *Config {
	return &Config{
		Settings: Settings{
			LogLevel:        slog.LevelInfo.String(),
			SummaryInterval: NewTimeDuration(defaultSummaryInterval),
		},
		Stream: StreamConfig{
			URL:              defaultStreamURL,
			HandshakeTimeout: NewTimeDuration(stream.DefaultHandshakeTimeout),
			ReconnectMin:     NewTimeDuration(stream.DefaultReconnectMin),
			ReconnectMax:     NewTimeDuration(stream.DefaultReconnectMax),
		},
		Commands: CommandsConfig{
			BaseURL:          defaultCommandsBaseURL,
			Timeout:          NewTimeDuration(command.DefaultTimeout),
			OutcomeCacheSize: command.DefaultOutcomeCacheSize,
		},
		Fleet: FleetConfig{
			HistorySize:  fleet.DefaultHistorySize,
			AlertLogSize: fleet.DefaultAlertLogSize,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  defaultListen,
		},
	}
}

// LoadConfig reads a YAML configuration file. Settings missing from the file
// keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML configuration
func ParseConfig(data []byte) (*Config, error) {
	c := NewConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Settings.LogLevel)); err != nil {
		return fmt.Errorf("settings: invalid log level '%s'", c.Settings.LogLevel)
	}
	if c.Settings.SummaryInterval < 0 {
		return fmt.Errorf("settings: summary interval must not be negative: %s", c.Settings.SummaryInterval)
	}

	if err := validateURL(c.Stream.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	for name, d := range map[string]TimeDuration{
		"handshake timeout": c.Stream.HandshakeTimeout,
		"reconnect min":     c.Stream.ReconnectMin,
		"reconnect max":     c.Stream.ReconnectMax,
	} {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("stream: invalid %s: %w", name, err)
		}
	}
	if c.Stream.ReconnectMax < c.Stream.ReconnectMin {
		return fmt.Errorf("stream: reconnect max must not be less than min: %s < %s", c.Stream.ReconnectMax, c.Stream.ReconnectMin)
	}

	if err := validateURL(c.Commands.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("commands: %w", err)
	}
	if err := c.Commands.Timeout.Validate(); err != nil {
		return fmt.Errorf("commands: invalid timeout: %w", err)
	}
	if c.Commands.OutcomeCacheSize <= 0 {
		return fmt.Errorf("commands: outcome cache size must be positive: %d", c.Commands.OutcomeCacheSize)
	}

	if c.Fleet.HistorySize <= 0 {
		return fmt.Errorf("fleet: history size must be positive: %d", c.Fleet.HistorySize)
	}
	if c.Fleet.AlertLogSize <= 0 {
		return fmt.Errorf("fleet: alert log size must be positive: %d", c.Fleet.AlertLogSize)
	}

	if c.API.Enabled && c.API.Listen == "" {
		return errors.New("api: listen address is required")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL '%s': %w", raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid URL '%s': expected %v scheme and a host", raw, schemes)
}
