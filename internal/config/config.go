// Package config provides the configuration schema and loader for the relay.
//
// Configuration is resolved in three layers, later layers winning: a YAML
// file, the environment (PORT, ADMIN_TOKEN), and command-line flags applied
// by main.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by ApplyEnv.
const (
	EnvPort       = "PORT"
	EnvAdminToken = "ADMIN_TOKEN"
)

// DefaultAdminToken is the out-of-the-box admin bearer token. Replace it in
// production.
const DefaultAdminToken = "admin1234"

// LogLevel controls log verbosity for the relay.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level. Unrecognised values map to
// Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Bot    BotConfig    `yaml:"bot"`
}

// ServerConfig holds network and admin settings.
type ServerConfig struct {
	// Addr is the TCP address for the HTTP/WebSocket listener (e.g. ":5000").
	Addr string `yaml:"addr"`

	// WTAddr is the UDP address for the WebTransport listener. Empty
	// disables WebTransport.
	WTAddr string `yaml:"wt_addr"`

	// AdminToken is the shared bearer token for the admin HTTP API.
	AdminToken string `yaml:"admin_token"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level controls verbosity.
	Level LogLevel `yaml:"level"`

	// File routes logs to this path with size-based rotation instead of
	// stderr. Empty keeps stderr.
	File string `yaml:"file"`
}

// BotConfig configures the optional in-process test bot.
type BotConfig struct {
	// Name registers a synthetic session under this name. Empty disables
	// the bot.
	Name string `yaml:"name"`

	// Channel is the channel the bot creates and joins. Defaults to "lobby".
	Channel string `yaml:"channel"`
}

// Default returns a Config populated with the stock defaults: port 5000 on
// all interfaces, the default admin token, info logging, no WebTransport,
// no bot.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:       ":5000",
			AdminToken: DefaultAdminToken,
		},
		Log: LogConfig{Level: LogInfo},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Fields absent from the file keep their [Default] values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays the recognised environment variables onto cfg. PORT
// replaces the port of the listen address; ADMIN_TOKEN replaces the admin
// token.
func (cfg *Config) ApplyEnv() error {
	if port, ok := os.LookupEnv(EnvPort); ok {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("config: %s %q is not a valid port", EnvPort, port)
		}
		cfg.Server.Addr = ":" + port
	}
	if token, ok := os.LookupEnv(EnvAdminToken); ok && token != "" {
		cfg.Server.AdminToken = token
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if cfg.Server.AdminToken == "" {
		errs = append(errs, errors.New("server.admin_token must not be empty"))
	}
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Bot.Name == "" && cfg.Bot.Channel != "" {
		errs = append(errs, errors.New("bot.channel is set but bot.name is empty"))
	}

	return errors.Join(errs...)
}
