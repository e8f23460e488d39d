// Package config holds the typed process configuration. Values come from
// flags, FPM_* environment variables, an optional YAML file and .env files,
// in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/franz/fpmatch/internal/changelog"
	"github.com/franz/fpmatch/internal/fpindex"
	"github.com/franz/fpmatch/internal/matcher"
	"github.com/franz/fpmatch/internal/musicbrainz"
	"github.com/franz/fpmatch/internal/replication"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/util"
)

// EnvPrefix is the prefix of environment variables
const EnvPrefix = "FPM"

type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Index       IndexConfig       `mapstructure:"index"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Matcher     MatcherConfig     `mapstructure:"matcher"`
	Import      ImportConfig      `mapstructure:"import"`
	MusicBrainz MusicBrainzConfig `mapstructure:"musicbrainz"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Events      EventsConfig      `mapstructure:"events"`
}

type DatabaseConfig struct {
	// DSN is a PostgreSQL URL or a SQLite file path
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type StreamConfig struct {
	// URL of the NATS server. Empty selects the embedded stream in Dir.
	URL    string `mapstructure:"url"`
	Dir    string `mapstructure:"dir"`
	Name   string `mapstructure:"name"`
	Prefix string `mapstructure:"prefix"`
}

// Embedded reports whether the embedded Pebble stream is used
func (c StreamConfig) Embedded() bool {
	return c.URL == ""
}

type IndexConfig struct {
	// URL of the index service. Empty disables the index.
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	SimHashName   string        `mapstructure:"simhash_name"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
	Instance      string        `mapstructure:"instance"`
	BatchSize     int           `mapstructure:"batch_size"`
	FetchWait     time.Duration `mapstructure:"fetch_wait"`
}

// Enabled reports whether an index service is configured
func (c IndexConfig) Enabled() bool {
	return c.URL != ""
}

type ReplicationConfig struct {
	Slot             string        `mapstructure:"slot"`
	BatchSize        int           `mapstructure:"batch_size"`
	MinDelay         time.Duration `mapstructure:"min_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	ProgressInterval int           `mapstructure:"progress_interval"`
}

type MatcherConfig struct {
	MinScore float64 `mapstructure:"min_score"`
	// Fast searches trust the index alone
	Fast bool `mapstructure:"fast"`
}

type ImportConfig struct {
	Limit        int           `mapstructure:"limit"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	AutoMerge    bool          `mapstructure:"auto_merge"`
}

type MusicBrainzConfig struct {
	URL       string        `mapstructure:"url"`
	UserAgent string        `mapstructure:"user_agent"`
	RateLimit time.Duration `mapstructure:"rate_limit"`
}

type MetricsConfig struct {
	// Addr to serve /metrics on. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

type EventsConfig struct {
	// Dir receives JSONL event logs. Empty disables them.
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level"`
}

// SetDefaults registers the default of every key on v. Keys without a
// default are invisible to Unmarshal when they only come from the
// environment, so empty ones are registered too.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("stream.url", "")
	v.SetDefault("index.url", "")
	v.SetDefault("index.rate_limit", 0.0)
	v.SetDefault("matcher.fast", false)
	v.SetDefault("import.auto_merge", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("events.dir", "")

	v.SetDefault("database.dsn", "fpmatch.db")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("stream.dir", "fpmatch-stream")
	v.SetDefault("stream.name", changelog.StreamName)
	v.SetDefault("stream.prefix", changelog.SubjectPrefix)

	v.SetDefault("index.name", "main")
	v.SetDefault("index.simhash_name", "simhash")
	v.SetDefault("index.timeout", fpindex.DefaultTimeout)
	v.SetDefault("index.search_timeout", 500*time.Millisecond)
	v.SetDefault("index.burst", 1)
	v.SetDefault("index.instance", "default")
	v.SetDefault("index.batch_size", fpindex.DefaultBatchSize)
	v.SetDefault("index.fetch_wait", fpindex.DefaultFetchWait)

	v.SetDefault("replication.slot", replication.DefaultSlotName)
	v.SetDefault("replication.batch_size", replication.DefaultBatchSize)
	v.SetDefault("replication.min_delay", replication.DefaultMinDelay)
	v.SetDefault("replication.max_delay", replication.DefaultMaxDelay)
	v.SetDefault("replication.progress_interval", replication.DefaultProgressInterval)

	v.SetDefault("matcher.min_score", matcher.DefaultMinScore)

	v.SetDefault("import.limit", 100)
	v.SetDefault("import.poll_interval", 5*time.Second)

	v.SetDefault("musicbrainz.url", musicbrainz.BaseURL)
	v.SetDefault("musicbrainz.user_agent", musicbrainz.UserAgent)
	v.SetDefault("musicbrainz.rate_limit", musicbrainz.RateLimit)

	v.SetDefault("events.level", string(report.LevelInfo))
}

// Init prepares v for Load: defaults, environment binding and the config
// file. A missing file is not an error; file and dotenv paths may be empty.
func Init(v *viper.Viper, file string, dotenv ...string) error {
	if err := loadDotenv(dotenv...); err != nil {
		return err
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.SetConfigName("fpmatch")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("%w: failed to read config file: %v", util.ErrInvalidConfig, err)
		}
		return nil
	}
	util.DebugLog("Using config file: %s", v.ConfigFileUsed())
	return nil
}

// loadDotenv loads .env files into the environment without overriding
// variables that are already set. Missing default files are ignored.
func loadDotenv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil {
			util.DebugLog("No .env file loaded: %v", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("%w: failed to load env file: %v", util.ErrInvalidConfig, err)
	}
	return nil
}

// Load decodes v into a Config and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values no component can work with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Database.DSN != "", "database.dsn is required")
	check(c.Stream.URL != "" || c.Stream.Dir != "", "stream.url or stream.dir is required")
	check(c.Stream.Name != "", "stream.name is required")
	check(c.Stream.Prefix != "" && !strings.ContainsAny(c.Stream.Prefix, "*> "), "invalid stream.prefix %q", c.Stream.Prefix)

	if c.Index.Enabled() {
		check(c.Index.Name != "", "index.name is required")
		check(c.Index.Timeout > 0, "index.timeout must be positive")
		check(c.Index.SearchTimeout > 0, "index.search_timeout must be positive")
		check(c.Index.RateLimit >= 0, "index.rate_limit must not be negative")
		check(c.Index.BatchSize > 0, "index.batch_size must be positive")
	}
	check(c.Index.Instance != "" && !strings.ContainsAny(c.Index.Instance, ".*> "), "invalid index.instance %q", c.Index.Instance)

	check(c.Replication.Slot != "", "replication.slot is required")
	check(c.Replication.BatchSize > 0, "replication.batch_size must be positive")
	check(c.Replication.MinDelay > 0 && c.Replication.MinDelay <= c.Replication.MaxDelay,
		"replication delays must satisfy 0 < min_delay <= max_delay")

	check(c.Matcher.MinScore >= 0 && c.Matcher.MinScore < 1, "matcher.min_score must be in [0, 1)")
	check(c.Import.Limit > 0, "import.limit must be positive")

	if _, ok := levels[report.EventLevel(c.Events.Level)]; !ok {
		errs = append(errs, fmt.Errorf("unknown events.level %q", c.Events.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", util.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

var levels = map[report.EventLevel]bool{
	report.LevelDebug:   true,
	report.LevelInfo:    true,
	report.LevelWarning: true,
	report.LevelError:   true,
}
