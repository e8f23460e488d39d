package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franz/fpmatch/internal/util"
)

func load(t *testing.T, file string, dotenv ...string) (*Config, error) {
	t.Helper()
	v := viper.New()
	if err := Init(v, file, dotenv...); err != nil {
		return nil, err
	}
	return Load(v)
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := load(t, "")
	require.NoError(t, err)

	assert.Equal(t, "fpmatch.db", cfg.Database.DSN)
	assert.True(t, cfg.Stream.Embedded())
	assert.Equal(t, "fpindex", cfg.Stream.Name)
	assert.Equal(t, "fingerprints", cfg.Stream.Prefix)
	assert.False(t, cfg.Index.Enabled())
	assert.Equal(t, "fpindex", cfg.Replication.Slot)
	assert.Equal(t, 1000, cfg.Replication.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Replication.MinDelay)
	assert.Equal(t, time.Second, cfg.Replication.MaxDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Index.SearchTimeout)
	assert.False(t, cfg.Import.AutoMerge)
	assert.Equal(t, "info", cfg.Events.Level)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FPM_DATABASE_DSN", "postgres://localhost/fp")
	t.Setenv("FPM_INDEX_URL", "http://index:6081")
	t.Setenv("FPM_INDEX_SEARCH_TIMEOUT", "2s")
	t.Setenv("FPM_IMPORT_AUTO_MERGE", "true")
	t.Setenv("FPM_STREAM_URL", "nats://nats:4222")

	cfg, err := load(t, "")
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/fp", cfg.Database.DSN)
	assert.True(t, cfg.Index.Enabled())
	assert.Equal(t, 2*time.Second, cfg.Index.SearchTimeout)
	assert.True(t, cfg.Import.AutoMerge)
	assert.False(t, cfg.Stream.Embedded())
}

func TestConfigFileAndDotenv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	file := filepath.Join(dir, "fpmatch.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
database:
  dsn: /var/lib/fpmatch/fp.db
replication:
  batch_size: 250
  max_delay: 3s
matcher:
  fast: true
`), 0o644))

	env := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(env, []byte("FPM_METRICS_ADDR=:9109\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("FPM_METRICS_ADDR") })

	cfg, err := load(t, file, env)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fpmatch/fp.db", cfg.Database.DSN)
	assert.Equal(t, 250, cfg.Replication.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Replication.MaxDelay)
	assert.True(t, cfg.Matcher.Fast)
	assert.Equal(t, ":9109", cfg.Metrics.Addr)
}

func TestMissingConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := load(t, "does-not-exist.yaml")
	assert.ErrorIs(t, err, util.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := load(t, "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"wildcard prefix", func(c *Config) { c.Stream.Prefix = "fp.*" }},
		{"dotted instance", func(c *Config) { c.Index.Instance = "a.b" }},
		{"index without name", func(c *Config) { c.Index.URL = "http://index"; c.Index.Name = "" }},
		{"inverted delays", func(c *Config) { c.Replication.MinDelay = 2 * time.Second }},
		{"score out of range", func(c *Config) { c.Matcher.MinScore = 1 }},
		{"unknown event level", func(c *Config) { c.Events.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.modify(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, util.ErrInvalidConfig)
		})
	}
}
