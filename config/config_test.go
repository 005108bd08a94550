package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "mysql:\n  master: \"root@tcp(localhost:3306)/lyrics\"\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Cache.Capacity)
	assert.Equal(t, "none", cfg.Lock.Backend)
	assert.Equal(t, 15*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Lock.RetryInterval)
	assert.Empty(t, cfg.Server.InstanceID)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, 3*time.Second, cfg.MySQL.QueryTimeout)
	assert.Equal(t, "lyricvote:recent_votes", cfg.Redis.MirrorKey)
	assert.Equal(t, "root@tcp(localhost:3306)/lyrics", AppConfig.MySQL.Master)
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  instance_id: lyricvote-1
cache:
  capacity: 1000
lock:
  backend: etcd
  timeout: 10s
kafka:
  enabled: true
  brokers: ["localhost:9092"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "lyricvote-1", cfg.Server.InstanceID)
	assert.Equal(t, 1000, cfg.Cache.Capacity)
	assert.Equal(t, "etcd", cfg.Lock.Backend)
	assert.Equal(t, 10*time.Second, cfg.Lock.Timeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, "cache:\n  capacity: 10\n")
	t.Setenv("LYRICVOTE_CACHE_CAPACITY", "25")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Cache.Capacity)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server: ServerConfig{Port: 8080},
			Cache:  CacheConfig{Capacity: 100},
			Lock:   LockConfig{Backend: "none"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, true},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, true},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "zookeeper" }, true},
		{"etcd lock without ttl", func(c *Config) { c.Lock.Backend = "etcd" }, true},
		{"etcd lock with ttl", func(c *Config) { c.Lock.Backend = "etcd"; c.Lock.TTL = 10 * time.Second }, false},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, true},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
