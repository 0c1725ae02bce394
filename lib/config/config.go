// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for relay components.
//
// Configuration comes from a single YAML file named by the RELAY_CONFIG
// environment variable or the --config flag. There are no fallbacks,
// no automatic discovery, and no environment-variable overrides: the
// file is the single, auditable source of truth.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the relay daemon and its
// companion commands.
type Config struct {
	// Daemon configures the bridge daemon's local endpoints.
	Daemon DaemonConfig `yaml:"daemon"`

	// Telegram configures the chat destination.
	Telegram TelegramConfig `yaml:"telegram"`

	// Sessions configures session lifecycle management.
	Sessions SessionsConfig `yaml:"sessions"`

	// Delivery configures the outbound message pipeline.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Approvals configures approval-request correlation.
	Approvals ApprovalsConfig `yaml:"approvals"`
}

// DaemonConfig configures the daemon's local endpoints and state.
type DaemonConfig struct {
	// SocketPath is the Unix socket the hook emitters connect to.
	SocketPath string `yaml:"socket_path"`

	// ControlSocketPath is the Unix socket for the admin control
	// protocol (relay-ctl).
	ControlSocketPath string `yaml:"control_socket_path"`

	// StatePath is the SQLite database file holding the session store.
	StatePath string `yaml:"state_path"`
}

// TelegramConfig configures the Telegram Bot API client.
type TelegramConfig struct {
	// Token is the bot token issued by BotFather.
	Token string `yaml:"token"`

	// ChatID is the supergroup the relay posts into. Forum topics
	// must be enabled on this group for per-session threads; without
	// them every session shares the root chat.
	ChatID int64 `yaml:"chat_id"`

	// BaseURL overrides the API endpoint. Empty means the public
	// https://api.telegram.org.
	BaseURL string `yaml:"base_url,omitempty"`
}

// SessionsConfig configures session lifecycle management.
type SessionsConfig struct {
	// StaleThresholdHours is how long a session may sit without
	// activity before the reaper considers it stale. A stale session
	// is reclaimed only when its terminal pane is also gone.
	StaleThresholdHours int `yaml:"stale_threshold_hours"`

	// ReaperIntervalMinutes is how often the reaper sweeps.
	ReaperIntervalMinutes int `yaml:"reaper_interval_minutes"`

	// DedupWindowSeconds is how long an injected chat message is
	// remembered so its terminal echo is not mirrored back.
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
}

// DeliveryConfig configures the outbound message pipeline.
type DeliveryConfig struct {
	// RatePerSecond is the global outbound send rate. Telegram allows
	// roughly one message per second per chat before throttling.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// ApprovalsConfig configures approval-request correlation.
type ApprovalsConfig struct {
	// TimeoutSeconds is how long an approval request waits for a chat
	// decision before resolving to the timeout fallback.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Default returns the default configuration. The config file is still
// required for the Telegram credentials; defaults exist so every other
// field has a sensible value.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local", "state", "relay")

	return &Config{
		Daemon: DaemonConfig{
			SocketPath:        filepath.Join(stateDir, "relay.sock"),
			ControlSocketPath: filepath.Join(stateDir, "control.sock"),
			StatePath:         filepath.Join(stateDir, "sessions.db"),
		},
		Sessions: SessionsConfig{
			StaleThresholdHours:   72,
			ReaperIntervalMinutes: 30,
			DedupWindowSeconds:    10,
		},
		Delivery: DeliveryConfig{
			RatePerSecond: 1.0,
		},
		Approvals: ApprovalsConfig{
			TimeoutSeconds: 300,
		},
	}
}

// Load reads the config file named by RELAY_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("RELAY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("RELAY_CONFIG environment variable not set; " +
			"point it at your relay.yaml, or pass --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file, merged over
// Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("daemon.socket_path is required")
	}
	if c.Sessions.StaleThresholdHours <= 0 {
		return fmt.Errorf("sessions.stale_threshold_hours must be positive")
	}
	if c.Delivery.RatePerSecond <= 0 {
		return fmt.Errorf("delivery.rate_per_second must be positive")
	}
	return nil
}
