// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

// Package config loads tollgate configuration from file and environment.
package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
)

// Config is the top-level tollgate configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Policy  PolicyConfig  `mapstructure:"policy"`
}

// ServerConfig controls how the gateway listens for connections.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	// DedupWindowSeconds is the duplicate-submission absorption window.
	DedupWindowSeconds int `mapstructure:"dedup_window_seconds"`
}

// GatewayConfig tunes the ingest pipeline.
type GatewayConfig struct {
	// DeadlineMillis bounds one full ingest evaluation.
	DeadlineMillis int `mapstructure:"deadline_millis"`
	// ContinuityWindowSeconds bounds the last-resort session continuity
	// heuristic.
	ContinuityWindowSeconds int `mapstructure:"continuity_window_seconds"`
}

// PolicyConfig points at the enforcement policy file.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// DedupWindow returns the storage dedup window as a duration.
func (c StorageConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// Deadline returns the ingest deadline as a duration.
func (c GatewayConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMillis) * time.Millisecond
}

// ContinuityWindow returns the continuity heuristic window as a duration.
func (c GatewayConfig) ContinuityWindow() time.Duration {
	return time.Duration(c.ContinuityWindowSeconds) * time.Second
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix TOLLGATE_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen", "127.0.0.1:18790")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "tollgate.db")
	v.SetDefault("storage.dedup_window_seconds", 5)
	v.SetDefault("gateway.deadline_millis", 100)
	v.SetDefault("gateway.continuity_window_seconds", 900)

	// Environment
	v.SetEnvPrefix("TOLLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, tgerr.Errorf(tgerr.CodeConfigLoadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, tgerr.Errorf(tgerr.CodeConfigLoadFailure, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, tgerr.Errorf(tgerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It collects all
// issues rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateGateway()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, tgerr.New(tgerr.CodeConfigValidateInvalidValue, "config: server.listen must not be empty"))
		return errs
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, tgerr.Errorf(tgerr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, tgerr.Errorf(tgerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, tgerr.Errorf(tgerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, tgerr.Errorf(tgerr.CodeConfigValidateInvalidValue,
			"config: storage.backend must be one of [sqlite], got %q", c.Storage.Backend))
	}
	if c.Storage.Path == "" {
		errs = append(errs, tgerr.New(tgerr.CodeConfigValidateInvalidValue, "config: storage.path must not be empty"))
	}
	if c.Storage.DedupWindowSeconds < 0 {
		errs = append(errs, tgerr.Errorf(tgerr.CodeConfigValidateInvalidValue,
			"config: storage.dedup_window_seconds must be >= 0, got %d", c.Storage.DedupWindowSeconds))
	}

	return errs
}

func (c *Config) validateGateway() []error {
	var errs []error

	if c.Gateway.DeadlineMillis <= 0 {
		errs = append(errs, tgerr.Errorf(tgerr.CodeConfigValidateInvalidValue,
			"config: gateway.deadline_millis must be > 0, got %d", c.Gateway.DeadlineMillis))
	}
	if c.Gateway.ContinuityWindowSeconds <= 0 {
		errs = append(errs, tgerr.Errorf(tgerr.CodeConfigValidateInvalidValue,
			"config: gateway.continuity_window_seconds must be > 0, got %d", c.Gateway.ContinuityWindowSeconds))
	}

	return errs
}
