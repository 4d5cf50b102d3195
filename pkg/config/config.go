// Copyright 2024 The meshbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for meshbroker: file
// loading, defaults, validation and command-line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/meshbroker/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as "5s", "10m" and so on
// in both YAML and JSON files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DedupConfig sizes the recently-seen event id set of the mesh.
type DedupConfig struct {
	Size int      `yaml:"size" json:"size"`
	TTL  Duration `yaml:"ttl" json:"ttl"`
}

// KubernetesConfig enables peer discovery from the endpoints of a service.
type KubernetesConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Namespace string   `yaml:"namespace" json:"namespace"`
	Service   string   `yaml:"service" json:"service"`
	PortName  string   `yaml:"port_name" json:"port_name"`
	Interval  Duration `yaml:"interval" json:"interval"`
}

// DiscoveryConfig groups the peer discovery backends.
type DiscoveryConfig struct {
	Kubernetes KubernetesConfig `yaml:"kubernetes" json:"kubernetes"`
}

// RedisExportConfig publishes registry events to Redis channels.
type RedisExportConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Addr          string `yaml:"addr" json:"addr"`
	Password      string `yaml:"password" json:"password"`
	DB            int    `yaml:"db" json:"db"`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix"`
}

// PostgresExportConfig appends registry events to a PostgreSQL table.
type PostgresExportConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	DSN     string `yaml:"dsn" json:"dsn"`
	Table   string `yaml:"table" json:"table"`
}

// ExportConfig configures the optional registry event exporters.
type ExportConfig struct {
	// Queue bounds the events waiting to be exported.
	Queue    int                  `yaml:"queue" json:"queue"`
	Redis    RedisExportConfig    `yaml:"redis" json:"redis"`
	Postgres PostgresExportConfig `yaml:"postgres" json:"postgres"`
}

// Config holds the complete broker configuration.
type Config struct {
	NodeID string `yaml:"node_id" json:"node_id"`
	Listen string `yaml:"listen" json:"listen"`
	// Advertise is the host:port announced to peers. When empty it is
	// derived from the local address of each dialed peer connection.
	Advertise string   `yaml:"advertise" json:"advertise"`
	Peers     []string `yaml:"peers" json:"peers"`

	OutboundQueue int      `yaml:"outbound_queue" json:"outbound_queue"`
	WriteTimeout  Duration `yaml:"write_timeout" json:"write_timeout"`
	DialTimeout   Duration `yaml:"dial_timeout" json:"dial_timeout"`
	MaxLineBytes  int      `yaml:"max_line_bytes" json:"max_line_bytes"`

	Dedup DedupConfig `yaml:"dedup" json:"dedup"`

	// CommandRate limits commands per second per connection; zero disables.
	CommandRate  float64 `yaml:"command_rate" json:"command_rate"`
	CommandBurst int     `yaml:"command_burst" json:"command_burst"`

	Log logger.Config `yaml:"log" json:"log"`

	MetricsAddr    string `yaml:"metrics_addr" json:"metrics_addr"`
	HealthAddr     string `yaml:"health_addr" json:"health_addr"`
	GRPCHealthAddr string `yaml:"grpc_health_addr" json:"grpc_health_addr"`
	// AdminAddr serves the REST admin API; empty disables it.
	AdminAddr string `yaml:"admin_addr" json:"admin_addr"`

	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Export    ExportConfig    `yaml:"export" json:"export"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:        strings.SplitN(uuid.NewString(), "-", 2)[0],
		Listen:        ":9000",
		OutboundQueue: 256,
		WriteTimeout:  Duration(5 * time.Second),
		DialTimeout:   Duration(5 * time.Second),
		MaxLineBytes:  64 * 1024,
		Dedup: DedupConfig{
			Size: 8192,
			TTL:  Duration(10 * time.Minute),
		},
		CommandBurst: 10,
		Log: logger.Config{
			Level:  "info",
			Format: logger.FormatText,
		},
		Discovery: DiscoveryConfig{
			Kubernetes: KubernetesConfig{
				Namespace: "default",
				PortName:  "broker",
				Interval:  Duration(30 * time.Second),
			},
		},
		Export: ExportConfig{
			Queue: 1024,
			Redis: RedisExportConfig{
				Addr:          "localhost:6379",
				ChannelPrefix: "meshbroker.",
			},
			Postgres: PostgresExportConfig{
				Table: "meshbroker_events",
			},
		},
	}
}

// LoadConfig loads configuration from a file on top of the defaults. An empty
// path yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to a file, choosing the format by extension.
func SaveConfig(cfg *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// ApplyArgs applies the positional command line "<port> [peerHost:peerPort ...]":
// the port replaces the listen port and the peers are appended to the seed list.
func (c *Config) ApplyArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", args[0])
	}
	host := ""
	if h, _, err := net.SplitHostPort(c.Listen); err == nil {
		host = h
	}
	c.Listen = net.JoinHostPort(host, strconv.Itoa(port))
	c.Peers = append(c.Peers, args[1:]...)
	return nil
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the configuration for values the broker cannot run with.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id cannot be empty")
	}
	if strings.ContainsAny(c.NodeID, "/ \t") {
		return fmt.Errorf("node_id %q must not contain '/' or whitespace", c.NodeID)
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if c.Advertise != "" {
		if _, _, err := net.SplitHostPort(c.Advertise); err != nil {
			return fmt.Errorf("advertise %q: %w", c.Advertise, err)
		}
	}
	for _, p := range c.Peers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return fmt.Errorf("peer %q: %w", p, err)
		}
	}

	if c.OutboundQueue <= 0 {
		return errors.New("outbound_queue must be positive")
	}
	if c.WriteTimeout <= 0 || c.DialTimeout <= 0 {
		return errors.New("write_timeout and dial_timeout must be positive")
	}
	if c.MaxLineBytes < 256 {
		return errors.New("max_line_bytes must be at least 256")
	}
	if c.Dedup.Size <= 0 || c.Dedup.TTL <= 0 {
		return errors.New("dedup size and ttl must be positive")
	}
	if c.CommandRate < 0 {
		return errors.New("command_rate cannot be negative")
	}
	if c.CommandRate > 0 && c.CommandBurst < 1 {
		return errors.New("command_burst must be at least 1 when command_rate is set")
	}

	if k := c.Discovery.Kubernetes; k.Enabled {
		if k.Service == "" || k.Namespace == "" {
			return errors.New("kubernetes discovery requires namespace and service")
		}
		if k.Interval <= 0 {
			return errors.New("kubernetes discovery interval must be positive")
		}
	}

	if c.Export.Redis.Enabled || c.Export.Postgres.Enabled {
		if c.Export.Queue <= 0 {
			return errors.New("export queue must be positive")
		}
	}
	if c.Export.Redis.Enabled && c.Export.Redis.Addr == "" {
		return errors.New("redis export requires addr")
	}
	if pg := c.Export.Postgres; pg.Enabled {
		if pg.DSN == "" {
			return errors.New("postgres export requires dsn")
		}
		if !tableName.MatchString(pg.Table) {
			return fmt.Errorf("invalid postgres table name %q", pg.Table)
		}
	}
	return nil
}
