// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads proxy configuration from a TOML file with
// environment variable overrides. The backend credential is never read
// from the file: it comes from KVPROXY_AUTH_TOKEN only, so config files
// can be committed and shipped without scrubbing.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Dialect names accepted on listeners.
const (
	DialectMemcache       = "memcache"
	DialectMemcacheBinary = "memcache_binary"
)

// authTokenEnv is the only source of the backend credential.
const authTokenEnv = "KVPROXY_AUTH_TOKEN"

// Duration decodes "250ms"-style strings from both TOML and env vars.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Listener binds one dialect to one local port.
type Listener struct {
	Address   string `toml:"address"`
	Dialect   string `toml:"dialect"`
	RateLimit int64  `toml:"rate_limit"`
}

// Backend describes the remote cache endpoint.
type Backend struct {
	Target    string   `toml:"target"     env:"KVPROXY_BACKEND_TARGET"`
	CacheName string   `toml:"cache_name" env:"KVPROXY_CACHE_NAME"`
	PlainText bool     `toml:"plain_text" env:"KVPROXY_BACKEND_PLAINTEXT"`
	Deadline  Duration `toml:"deadline"   env:"KVPROXY_BACKEND_DEADLINE"`

	// Channel pool sizing.
	Channels     int      `toml:"channels"      env:"KVPROXY_BACKEND_CHANNELS"`
	IdleChannels int      `toml:"idle_channels" env:"KVPROXY_BACKEND_IDLE_CHANNELS"`
	IdleTimeout  Duration `toml:"idle_timeout"  env:"KVPROXY_BACKEND_IDLE_TIMEOUT"`

	// AuthToken is the opaque bearer credential, environment only. It is
	// excluded from TOML on purpose and must never be logged.
	AuthToken string `toml:"-" env:"KVPROXY_AUTH_TOKEN"`
}

// Config is the full proxy configuration.
type Config struct {
	LogLevel  string `toml:"log_level"  env:"KVPROXY_LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"KVPROXY_LOG_FORMAT"`

	// AdminAddress serves metrics, health and stats. Empty disables it.
	AdminAddress string `toml:"admin_address" env:"KVPROXY_ADMIN_ADDRESS"`

	ShutdownTimeout Duration `toml:"shutdown_timeout" env:"KVPROXY_SHUTDOWN_TIMEOUT"`

	// MaxPipeline bounds commands in flight per connection.
	MaxPipeline int `toml:"max_pipeline" env:"KVPROXY_MAX_PIPELINE"`

	// IdleTimeout closes client connections without traffic. Zero keeps
	// them open.
	IdleTimeout Duration `toml:"idle_timeout" env:"KVPROXY_IDLE_TIMEOUT"`

	MaxKeySize   int `toml:"max_key_size"   env:"KVPROXY_MAX_KEY_SIZE"`
	MaxValueSize int `toml:"max_value_size" env:"KVPROXY_MAX_VALUE_SIZE"`

	Listeners []Listener `toml:"listeners"`
	Backend   Backend    `toml:"backend"`
}

// Default returns the configuration before file and environment are
// applied.
func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "json",
		AdminAddress:    ":9090",
		ShutdownTimeout: Duration(30 * time.Second),
		MaxPipeline:     64,
		MaxKeySize:      250,
		MaxValueSize:    1 << 20,
		Listeners: []Listener{
			{Address: ":11211", Dialect: DialectMemcache},
		},
		Backend: Backend{
			Deadline:     Duration(time.Second),
			Channels:     4,
			IdleChannels: 4,
			IdleTimeout:  Duration(5 * time.Minute),
		},
	}
}

// Load reads the TOML file at path (skipped when empty), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("no listeners configured")
	}
	seen := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if seen[l.Address] {
			return fmt.Errorf("listener %d: duplicate address %s", i, l.Address)
		}
		seen[l.Address] = true
		switch l.Dialect {
		case DialectMemcache, DialectMemcacheBinary:
		default:
			return fmt.Errorf("listener %d: unknown dialect %q", i, l.Dialect)
		}
	}

	if c.Backend.Target == "" {
		return fmt.Errorf("backend target is required")
	}
	if c.Backend.AuthToken == "" && !c.Backend.PlainText {
		return fmt.Errorf("%s is not set", authTokenEnv)
	}
	if c.Backend.Channels <= 0 {
		return fmt.Errorf("backend channels must be positive")
	}

	if c.MaxKeySize <= 0 || c.MaxValueSize <= 0 {
		return fmt.Errorf("key and value size limits must be positive")
	}
	if c.MaxPipeline <= 0 {
		return fmt.Errorf("max_pipeline must be positive")
	}
	return nil
}

// Redacted returns a copy safe for logging: the credential is replaced
// by its presence.
func (c Config) Redacted() Config {
	if c.Backend.AuthToken != "" {
		c.Backend.AuthToken = "<set>"
	}
	return c
}
