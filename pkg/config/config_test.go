// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvproxy.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("KVPROXY_AUTH_TOKEN", "token-value")
	path := writeConfig(t, `
log_level = "debug"
max_pipeline = 128
idle_timeout = "2m"

[[listeners]]
address = ":11211"
dialect = "memcache"

[[listeners]]
address = ":11212"
dialect = "memcache_binary"
rate_limit = 500

[backend]
target = "cache.example.com:443"
cache_name = "default"
deadline = "250ms"
channels = 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.MaxPipeline != 128 {
		t.Errorf("scalars did not load: %+v", cfg)
	}
	if cfg.IdleTimeout.Std() != 2*time.Minute {
		t.Errorf("IdleTimeout = %v, want 2m", cfg.IdleTimeout.Std())
	}
	if len(cfg.Listeners) != 2 {
		t.Fatalf("got %d listeners, want 2", len(cfg.Listeners))
	}
	if cfg.Listeners[1].Dialect != DialectMemcacheBinary || cfg.Listeners[1].RateLimit != 500 {
		t.Errorf("listener = %+v", cfg.Listeners[1])
	}
	if cfg.Backend.Deadline.Std() != 250*time.Millisecond || cfg.Backend.Channels != 8 {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Backend.AuthToken != "token-value" {
		t.Error("auth token not taken from environment")
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("KVPROXY_AUTH_TOKEN", "t")
	t.Setenv("KVPROXY_BACKEND_TARGET", "cache.example.com:443")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address != ":11211" {
		t.Errorf("default listeners = %+v", cfg.Listeners)
	}
	if cfg.MaxKeySize != 250 || cfg.MaxValueSize != 1<<20 {
		t.Errorf("default limits = %d/%d", cfg.MaxKeySize, cfg.MaxValueSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("KVPROXY_AUTH_TOKEN", "t")
	t.Setenv("KVPROXY_BACKEND_TARGET", "override:443")
	t.Setenv("KVPROXY_LOG_LEVEL", "error")
	path := writeConfig(t, `
log_level = "debug"

[[listeners]]
address = ":11211"
dialect = "memcache"

[backend]
target = "file:443"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Backend.Target != "override:443" {
		t.Errorf("Target = %q, environment must win", cfg.Backend.Target)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, environment must win", cfg.LogLevel)
	}
}

func TestAuthTokenNeverFromFile(t *testing.T) {
	t.Setenv("KVPROXY_AUTH_TOKEN", "from-env")
	path := writeConfig(t, `
[[listeners]]
address = ":11211"
dialect = "memcache"

[backend]
target = "cache.example.com:443"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Backend.AuthToken != "from-env" {
		t.Errorf("AuthToken = %q, want the environment value", cfg.Backend.AuthToken)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.Backend.Target = "cache.example.com:443"
		c.Backend.AuthToken = "t"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no listeners", mutate: func(c *Config) { c.Listeners = nil }},
		{name: "missing address", mutate: func(c *Config) { c.Listeners[0].Address = "" }},
		{name: "unknown dialect", mutate: func(c *Config) { c.Listeners[0].Dialect = "redis" }},
		{name: "duplicate address", mutate: func(c *Config) {
			c.Listeners = append(c.Listeners, c.Listeners[0])
		}},
		{name: "missing target", mutate: func(c *Config) { c.Backend.Target = "" }},
		{name: "missing token", mutate: func(c *Config) { c.Backend.AuthToken = "" }},
		{name: "zero channels", mutate: func(c *Config) { c.Backend.Channels = 0 }},
		{name: "zero key size", mutate: func(c *Config) { c.MaxKeySize = 0 }},
		{name: "zero pipeline", mutate: func(c *Config) { c.MaxPipeline = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			if err := cfg.Validate(); err != nil {
				t.Fatalf("baseline config invalid: %v", err)
			}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}

func TestPlainTextSkipsTokenRequirement(t *testing.T) {
	cfg := Default()
	cfg.Backend.Target = "localhost:5000"
	cfg.Backend.PlainText = true

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error: %v", err)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Backend.AuthToken = "very-secret"

	if got := cfg.Redacted().Backend.AuthToken; got != "<set>" {
		t.Errorf("Redacted token = %q", got)
	}
	if cfg.Backend.AuthToken != "very-secret" {
		t.Error("Redacted() must not mutate the original")
	}
}
