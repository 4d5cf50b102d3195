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
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEmpty(t, cfg.NodeID)
	assert.NotContains(t, cfg.NodeID, "-")
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 256, cfg.OutboundQueue)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.DialTimeout.Std())
	assert.Equal(t, 64*1024, cfg.MaxLineBytes)
	assert.Equal(t, 8192, cfg.Dedup.Size)
	assert.Equal(t, 10*time.Minute, cfg.Dedup.TTL.Std())
	assert.Zero(t, cfg.CommandRate)
	assert.False(t, cfg.Discovery.Kubernetes.Enabled)
	assert.False(t, cfg.Export.Redis.Enabled)
	assert.NoError(t, cfg.Validate())

	assert.NotEqual(t, cfg.NodeID, DefaultConfig().NodeID, "each default node id is random")
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
node_id: yaml-node
listen: "127.0.0.1:7000"
peers:
  - "10.0.0.2:7000"
write_timeout: 2s
dedup:
  size: 100
  ttl: 1m
log:
  level: debug
  format: json
export:
  redis:
    enabled: true
    addr: "redis:6379"
`
	tmpFile := createTempFile(t, "config.yaml", yamlContent)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "yaml-node", cfg.NodeID)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, []string{"10.0.0.2:7000"}, cfg.Peers)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.DialTimeout.Std(), "unset keys keep their defaults")
	assert.Equal(t, 100, cfg.Dedup.Size)
	assert.Equal(t, time.Minute, cfg.Dedup.TTL.Std())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Export.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Export.Redis.Addr)
	assert.Equal(t, "meshbroker.", cfg.Export.Redis.ChannelPrefix)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "node_id": "json-node",
  "listen": ":7001",
  "dial_timeout": "750ms",
  "command_rate": 20,
  "command_burst": 5
}`
	tmpFile := createTempFile(t, "config.json", jsonContent)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "json-node", cfg.NodeID)
	assert.Equal(t, ":7001", cfg.Listen)
	assert.Equal(t, 750*time.Millisecond, cfg.DialTimeout.Std())
	assert.Equal(t, 20.0, cfg.CommandRate)
	assert.Equal(t, 5, cfg.CommandBurst)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
}

func TestLoadConfigNonExistent(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigInvalid(t *testing.T) {
	tmpFile := createTempFile(t, "bad.yaml", "node_id: [unterminated")
	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)

	tmpFile = createTempFile(t, "bad-duration.json", `{"write_timeout": 5}`)
	_, err = LoadConfig(tmpFile)
	assert.Error(t, err)

	tmpFile = createTempFile(t, "invalid.yaml", "node_id: \"a/b\"")
	_, err = LoadConfig(tmpFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Peers = []string{"peer:9000"}
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestSaveConfigUnsupported(t *testing.T) {
	err := SaveConfig(DefaultConfig(), filepath.Join(t.TempDir(), "config.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestApplyArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peers = []string{"seed:9000"}

	require.NoError(t, cfg.ApplyArgs([]string{"7100", "a:7101", "b:7102"}))
	assert.Equal(t, ":7100", cfg.Listen)
	assert.Equal(t, []string{"seed:9000", "a:7101", "b:7102"}, cfg.Peers)

	cfg.Listen = "0.0.0.0:1"
	require.NoError(t, cfg.ApplyArgs([]string{"7200"}))
	assert.Equal(t, "0.0.0.0:7200", cfg.Listen)

	assert.Error(t, cfg.ApplyArgs([]string{"http"}))
	assert.Error(t, cfg.ApplyArgs([]string{"70000"}))
	assert.NoError(t, cfg.ApplyArgs(nil))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty node id":         func(c *Config) { c.NodeID = "" },
		"node id with space":    func(c *Config) { c.NodeID = "a b" },
		"bad listen":            func(c *Config) { c.Listen = "9000" },
		"bad advertise":         func(c *Config) { c.Advertise = "host" },
		"bad peer":              func(c *Config) { c.Peers = []string{"nohost"} },
		"zero queue":            func(c *Config) { c.OutboundQueue = 0 },
		"zero write timeout":    func(c *Config) { c.WriteTimeout = 0 },
		"tiny lines":            func(c *Config) { c.MaxLineBytes = 10 },
		"zero dedup":            func(c *Config) { c.Dedup.Size = 0 },
		"negative rate":         func(c *Config) { c.CommandRate = -1 },
		"rate without burst":    func(c *Config) { c.CommandRate = 5; c.CommandBurst = 0 },
		"discovery w/o service": func(c *Config) { c.Discovery.Kubernetes.Enabled = true },
		"redis without addr": func(c *Config) {
			c.Export.Redis.Enabled = true
			c.Export.Redis.Addr = ""
		},
		"postgres without dsn": func(c *Config) { c.Export.Postgres.Enabled = true },
		"postgres bad table": func(c *Config) {
			c.Export.Postgres.Enabled = true
			c.Export.Postgres.DSN = "postgres://localhost/db"
			c.Export.Postgres.Table = "events; DROP TABLE x"
		},
		"export without queue": func(c *Config) {
			c.Export.Redis.Enabled = true
			c.Export.Queue = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func createTempFile(t *testing.T, filename, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), filename)
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0o644))
	return tmpFile
}
