package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"

	"github.com/ghettovoice/sipcall/call"
	"github.com/ghettovoice/sipcall/log"
)

// Config is the sipcall configuration file.
type Config struct {
	Identity  call.Identity   `yaml:"identity"`
	Media     MediaConfig     `yaml:"media"`
	Timings   call.Timings    `yaml:"timings"`
	Transport TransportConfig `yaml:"transport"`
	Log       LogConfig       `yaml:"log"`
}

type MediaConfig struct {
	Constraints call.Constraints `yaml:",inline"`
	ICEServers  []string         `yaml:"ice_servers"`
}

type TransportConfig struct {
	PingInterval         time.Duration `yaml:"ping_interval"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type LogConfig struct {
	// Format is one of "console", "dev" or "json".
	Format string `yaml:"format"`
	// Level is a slog level name, e.g. "debug" or "warn".
	Level string `yaml:"level"`
}

// LoadConfig reads the configuration file.
// An empty path yields the zero configuration.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return new(Config), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(ParseConfig(data))
}

// ParseConfig parses the YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	conf := new(Config)
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("parse config: %w", err))
	}
	return conf, nil
}

// Validate checks the configuration after flags are applied.
func (c *Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return errtrace.Wrap(fmt.Errorf("identity: %w", err))
	}
	if _, err := log.ParseFormat(c.Log.Format); err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := c.level(); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var lvl slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return lvl, errtrace.Wrap(fmt.Errorf("log level: %w", err))
	}
	return lvl, nil
}

// Logger builds the logger configured by the log section.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	newLogger, err := log.ParseFormat(c.Log.Format)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	lvl, err := c.level()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return newLogger(w, lvl), nil
}
