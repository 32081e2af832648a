// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads service configuration from the environment, with
// .env file support for development.
package config

import (
	"fmt"
	"strconv"
)

// PostgresConfig configures the relational store connection.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	MaxIdle  int
}

// ElasticSearchConfig configures the search engine connection.
type ElasticSearchConfig struct {
	DSN string
}

// RabbitMQConfig configures the task broker. An empty DSN selects the
// in-process queue.
type RabbitMQConfig struct {
	DSN string
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	// Level specifies the log level (debug, info, warn, error).
	// Default: info
	Level string

	// File specifies the log file path.
	// If empty, logs go to stderr.
	File string

	// Format specifies the log format ("simple" or "verbose").
	// Default: simple
	Format string
}

// Config is the full service configuration.
type Config struct {
	Environment   string
	Postgres      PostgresConfig
	ElasticSearch ElasticSearchConfig
	RabbitMQ      RabbitMQConfig
	Server        ServerConfig
	Logger        LoggerConfig
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Postgres.MaxIdle == 0 {
		c.Postgres.MaxIdle = 5
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "simple"
	}
}

// Validate checks that the required connections are configured.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("POSTGRES__DSN is required")
	}
	if c.ElasticSearch.DSN == "" {
		return fmt.Errorf("ELASTIC_SEARCH__DSN is required")
	}
	switch c.Logger.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logger.Level)
	}
	return nil
}

// Load reads configuration from .env files and the environment, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT"),
		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES__DSN"),
		},
		ElasticSearch: ElasticSearchConfig{
			DSN: getEnv("ELASTIC_SEARCH__DSN"),
		},
		RabbitMQ: RabbitMQConfig{
			DSN: getEnv("RABBIT_MQ__DSN"),
		},
		Server: ServerConfig{
			Address: getEnv("SERVER__ADDRESS"),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL"),
			File:   getEnv("LOG_FILE"),
			Format: getEnv("LOG_FORMAT"),
		},
	}

	if raw := getEnv("POSTGRES__MAX_CONNS"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid POSTGRES__MAX_CONNS %q: %w", raw, err)
		}
		cfg.Postgres.MaxConns = parsed
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
