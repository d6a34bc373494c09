/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package appconfig is the daemon-level configuration. It is loaded
// once at startup and never reloaded; the store tree has its own
// config file.
package appconfig

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type (
	AgentConfig struct {
		// Listen is the batch listener address.
		Listen string `json:"listen" yaml:"listen" toml:"listen"`
		// OpsListen serves /metrics; empty disables it.
		OpsListen string `json:"ops_listen" yaml:"ops_listen" toml:"ops_listen"`
		// StoreConfig is the path of the store tree yaml.
		StoreConfig string `json:"store_config" yaml:"store_config" toml:"store_config"`
		// CheckIntervalSeconds is the periodic check cadence.
		CheckIntervalSeconds int `json:"check_interval_seconds" yaml:"check_interval_seconds" toml:"check_interval_seconds"`
		// MaxConcurrentRequests is parsed but not enforced: the
		// listener serves every connection it accepts.
		MaxConcurrentRequests int `json:"max_concurrent_requests" yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`

		LogDir     string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
		ConsoleLog bool   `json:"console_log" yaml:"console_log" toml:"console_log"`
		Debug      bool   `json:"debug" yaml:"debug" toml:"debug"`

		// Tails are the files the daemon follows itself.
		Tails []TailConfig `json:"tails" yaml:"tails" toml:"tails"`

		// Services is the static discovery table: service name to
		// "host:port" endpoints.
		Services map[string][]string `json:"services" yaml:"services" toml:"services"`
	}

	TailConfig struct {
		Path     string `json:"path" yaml:"path" toml:"path"`
		Category string `json:"category" yaml:"category" toml:"category"`
	}
)

// StdAgentConfig is the loaded process configuration.
var StdAgentConfig = AgentConfig{
	Listen:               ":1463",
	CheckIntervalSeconds: 5,
	LogDir:               "logs",
	ConsoleLog:           true,
}

var instanceID = uuid.NewString()

// InstanceID identifies this daemon run in logs.
func InstanceID() string {
	return instanceID
}

// Load reads the daemon config. toml and yaml are both accepted, by
// extension.
func Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &StdAgentConfig); err != nil {
			return errors.Wrapf(err, "parse config %s", path)
		}
	default:
		if err := toml.Unmarshal(data, &StdAgentConfig); err != nil {
			return errors.Wrapf(err, "parse config %s", path)
		}
	}
	if StdAgentConfig.CheckIntervalSeconds <= 0 {
		StdAgentConfig.CheckIntervalSeconds = 5
	}
	return nil
}
