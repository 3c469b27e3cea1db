package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/eda-ingestor/ingestor"
	"github.com/baldanca/eda-ingestor/source"
)

const sample = `
queue:
  capacity: 128
logging:
  level: debug
  format: json
metrics:
  addr: "127.0.0.1:9100"
restart:
  attempts: 5
  base_delay: 250ms
  max_delay: 10s
fail_fast: true
sources:
  - name: orders
    type: aws_sqs_queue
    args:
      name: eda
      region: us-east-1
      delay_seconds: 5
  - name: ssh
    type: journald
    args:
      match: _SYSTEMD_UNIT=sshd.service
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eda-ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, sample)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 128, cfg.Queue.Capacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	assert.True(t, cfg.FailFast)

	assert.Equal(t, 5, cfg.Restart.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Restart.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Restart.MaxDelay)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "orders", cfg.Sources[0].Name)
	assert.Equal(t, source.TypeSQS, cfg.Sources[0].Type)
	assert.Equal(t, "eda", cfg.Sources[0].Args["name"])
	assert.Equal(t, "_SYSTEMD_UNIT=sshd.service", cfg.Sources[1].Args["match"])
}

func TestLoad_SourcesBuild(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	for _, sc := range cfg.Sources {
		s, err := sc.Build()
		require.NoError(t, err, sc.Name)
		assert.NotNil(t, s)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EDA_QUEUE_CAPACITY", "7")
	t.Setenv("EDA_LOGGING_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.Capacity)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
sources:
  - name: all
    type: journald
    args: {match: ALL}
`))
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Queue.Capacity)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, defaultMetricsAddr, cfg.Metrics.Addr)
	assert.Equal(t, 0, cfg.Restart.Attempts)
	assert.Equal(t, time.Second, cfg.Restart.BaseDelay)
	assert.False(t, cfg.FailFast)
	assert.Nil(t, cfg.Restart.Policy())
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_NoFileFound(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("")
	// Nothing to read is fine; having no sources is not.
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "no sources")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Sources: []SourceConfig{{Name: "a", Type: source.TypeJournal}}}
	}
	cases := map[string]func(*Config){
		"negative capacity": func(c *Config) { c.Queue.Capacity = -1 },
		"negative delay":    func(c *Config) { c.Restart.BaseDelay = -time.Second },
		"no sources":        func(c *Config) { c.Sources = nil },
		"missing name":      func(c *Config) { c.Sources[0].Name = " " },
		"duplicate name": func(c *Config) {
			c.Sources = append(c.Sources, SourceConfig{Name: "a", Type: source.TypeKafka})
		},
		"unknown type": func(c *Config) { c.Sources[0].Type = "webhook" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			require.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}

	require.NoError(t, base().Validate())
}

func TestRestartConfig_Policy(t *testing.T) {
	assert.Nil(t, RestartConfig{Attempts: 1}.Policy())

	p := RestartConfig{Attempts: -1, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true}.Policy()
	assert.Equal(t, ingestor.SimpleRetry{Attempts: -1, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true}, p)
}
