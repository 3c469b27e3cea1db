// Package config loads the ingestor host configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/baldanca/eda-ingestor/ingestor"
	"github.com/baldanca/eda-ingestor/logging"
	"github.com/baldanca/eda-ingestor/source"
)

const (
	EnvPrefix = "EDA"

	defaultConfigName  = "eda-ingest"
	defaultMetricsAddr = ":9464"
)

// ErrInvalid wraps every validation failure of a loaded configuration.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Queue    QueueConfig    `mapstructure:"queue"`
	Logging  logging.Config `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Restart  RestartConfig  `mapstructure:"restart"`
	FailFast bool           `mapstructure:"fail_fast"`
	Sources  []SourceConfig `mapstructure:"sources"`

	// Path is the file the configuration was read from, empty if none.
	Path string `mapstructure:"-"`
}

type QueueConfig struct {
	// Capacity bounds the shared queue. 0 means unbounded.
	Capacity int `mapstructure:"capacity"`
}

type MetricsConfig struct {
	// Addr serves /metrics. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// RestartConfig describes how failed sources are restarted. Attempts counts
// runs: 0 or 1 never restarts, a negative value restarts forever.
type RestartConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    bool          `mapstructure:"jitter"`
}

// Policy returns the restart policy, or nil when sources are never restarted.
func (r RestartConfig) Policy() ingestor.RetryPolicy {
	if r.Attempts == 0 || r.Attempts == 1 {
		return nil
	}
	return ingestor.SimpleRetry{
		Attempts:  r.Attempts,
		BaseDelay: r.BaseDelay,
		MaxDelay:  r.MaxDelay,
		Jitter:    r.Jitter,
	}
}

// SourceConfig names one source. Args are decoded by the source type.
type SourceConfig struct {
	Name string         `mapstructure:"name"`
	Type string         `mapstructure:"type"`
	Args map[string]any `mapstructure:"args"`
}

// Build constructs the source.
func (s SourceConfig) Build(opts ...source.Option) (source.Sourcer, error) {
	return source.New(s.Type, s.Args, opts...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.capacity", 0)

	v.SetDefault("logging.level", logging.DefaultConfig.Level)
	v.SetDefault("logging.format", logging.DefaultConfig.Format)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size", logging.DefaultConfig.MaxSizeMB)
	v.SetDefault("logging.max_backups", logging.DefaultConfig.MaxBackups)
	v.SetDefault("logging.max_age", logging.DefaultConfig.MaxAgeDays)
	v.SetDefault("logging.compress", false)

	v.SetDefault("metrics.addr", defaultMetricsAddr)

	v.SetDefault("restart.attempts", 0)
	v.SetDefault("restart.base_delay", time.Second)
	v.SetDefault("restart.max_delay", 30*time.Second)
	v.SetDefault("restart.jitter", true)

	v.SetDefault("fail_fast", false)
}

// Load reads the configuration file at path, then applies EDA_* environment
// overrides (EDA_QUEUE_CAPACITY, EDA_LOGGING_LEVEL, ...). With an empty path
// eda-ingest.{yaml,yml,json,toml} is searched in the working directory and
// /etc/eda-ingest; finding none is not an error.
func Load(path string) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/eda-ingest")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || (!errors.As(err, &notFound) && !os.IsNotExist(err)) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the host-level settings. Source arguments are validated by
// the sources themselves when built.
func (c Config) Validate() error {
	if c.Queue.Capacity < 0 {
		return fmt.Errorf("%w: queue.capacity must be >= 0, got %d", ErrInvalid, c.Queue.Capacity)
	}
	if c.Restart.BaseDelay < 0 || c.Restart.MaxDelay < 0 {
		return fmt.Errorf("%w: restart delays must be >= 0", ErrInvalid)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("%w: no sources configured", ErrInvalid)
	}

	types := source.Types()
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: sources[%d]: missing name", ErrInvalid, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: sources[%d]: duplicate name %q", ErrInvalid, i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if !slices.Contains(types, s.Type) {
			return fmt.Errorf("%w: source %s: unknown type %q (known: %s)", ErrInvalid, s.Name, s.Type, strings.Join(types, ", "))
		}
	}
	return nil
}
