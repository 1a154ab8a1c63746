package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	API         APIConfig  `yaml:"api"`
	Sync        SyncConfig `yaml:"sync"`
	DB          string     `yaml:"db"`
	Checkpoint  string     `yaml:"checkpoint"`
	MetricsAddr string     `yaml:"metrics_addr"`
	LogLevel    string     `yaml:"log_level"`
}

// APIConfig represents the SIS API configuration
type APIConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Token           string `yaml:"token"`
	CallTimeoutSec  int    `yaml:"call_timeout_sec"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	JitterMs        int    `yaml:"jitter_ms"`
}

// SyncConfig represents sync-run configuration
type SyncConfig struct {
	Start           string   `yaml:"start"`
	End             string   `yaml:"end"`
	Schools         []string `yaml:"schools"`
	BatchSize       int      `yaml:"batch_size"`
	ChunkDays       int      `yaml:"chunk_days"`
	CheckpointEvery int      `yaml:"checkpoint_every"`
	Workers         int      `yaml:"workers"`
	Retries         int      `yaml:"retries"`
	RetryBackoffMs  int      `yaml:"retry_backoff_ms"`
	MaxBackoffMs    int      `yaml:"max_backoff_ms"`
	Resume          bool     `yaml:"resume"`
	OperationID     string   `yaml:"operation_id"`
	DryRun          bool     `yaml:"dry_run"`

	// Parsed from Start/End during validation
	StartDate time.Time `yaml:"-"`
	EndDate   time.Time `yaml:"-"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		DB:         "./attendance.db",
		Checkpoint: "./checkpoint.db",
		LogLevel:   "info",
		API: APIConfig{
			CallTimeoutSec:  30,
			RateLimitPerMin: 60,
			JitterMs:        250,
		},
		Sync: SyncConfig{
			BatchSize:       500,
			ChunkDays:       30,
			CheckpointEvery: 10,
			Workers:         1,
			Retries:         5,
			RetryBackoffMs:  500,
			MaxBackoffMs:    30000,
		},
	}

	// Pick up SIS_API_TOKEN from .env / environment so the credential need
	// not appear on the command line
	_ = godotenv.Load()
	if token := os.Getenv("SIS_API_TOKEN"); token != "" {
		cfg.API.Token = token
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("api-endpoint") {
		cfg.API.Endpoint, _ = flags.GetString("api-endpoint")
	}
	if flags.Changed("api-token") {
		cfg.API.Token, _ = flags.GetString("api-token")
	}
	if flags.Changed("call-timeout-sec") {
		cfg.API.CallTimeoutSec, _ = flags.GetInt("call-timeout-sec")
	}
	if flags.Changed("rate-limit") {
		cfg.API.RateLimitPerMin, _ = flags.GetInt("rate-limit")
	}

	if flags.Changed("db") {
		cfg.DB, _ = flags.GetString("db")
	}
	if flags.Changed("checkpoint") {
		cfg.Checkpoint, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if flags.Changed("start") {
		cfg.Sync.Start, _ = flags.GetString("start")
	}
	if flags.Changed("end") {
		cfg.Sync.End, _ = flags.GetString("end")
	}
	if flags.Changed("school") {
		cfg.Sync.Schools, _ = flags.GetStringSlice("school")
	}
	if flags.Changed("batch-size") {
		cfg.Sync.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("chunk-days") {
		cfg.Sync.ChunkDays, _ = flags.GetInt("chunk-days")
	}
	if flags.Changed("checkpoint-every") {
		cfg.Sync.CheckpointEvery, _ = flags.GetInt("checkpoint-every")
	}
	if flags.Changed("workers") {
		cfg.Sync.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("retries") {
		cfg.Sync.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Sync.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("resume") {
		cfg.Sync.Resume, _ = flags.GetBool("resume")
	}
	if flags.Changed("operation-id") {
		cfg.Sync.OperationID, _ = flags.GetString("operation-id")
	}
	if flags.Changed("dry-run") {
		cfg.Sync.DryRun, _ = flags.GetBool("dry-run")
	}

	return nil
}

func (c *Config) validate() error {
	if !c.Sync.DryRun {
		if c.API.Endpoint == "" {
			return fmt.Errorf("api endpoint is required")
		}
		if c.API.Token == "" {
			return fmt.Errorf("api token is required (flag, config or SIS_API_TOKEN)")
		}
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Sync.ChunkDays <= 0 {
		return fmt.Errorf("chunk days must be positive")
	}
	if c.Sync.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.API.RateLimitPerMin <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}

	if c.Sync.Resume {
		if c.Sync.OperationID == "" {
			return fmt.Errorf("operation id is required to resume")
		}
		// Batch index assignment is only deterministic with a single school
		// worker, so resume demands it
		if c.Sync.Workers != 1 {
			return fmt.Errorf("resume requires workers = 1")
		}
	}

	start, end := c.Sync.Start, c.Sync.End
	if start == "" && end == "" {
		c.Sync.StartDate, c.Sync.EndDate = DefaultSchoolYear(time.Now())
		return nil
	}
	if start == "" || end == "" {
		return fmt.Errorf("start and end must be given together")
	}

	var err error
	if c.Sync.StartDate, err = time.ParseInLocation("2006-01-02", start, time.UTC); err != nil {
		return fmt.Errorf("invalid start date %q: %w", start, err)
	}
	if c.Sync.EndDate, err = time.ParseInLocation("2006-01-02", end, time.UTC); err != nil {
		return fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if c.Sync.StartDate.After(c.Sync.EndDate) {
		return fmt.Errorf("start date %s is after end date %s", start, end)
	}

	return nil
}

// DefaultSchoolYear returns the Aug 15 - Jun 12 school year containing now
func DefaultSchoolYear(now time.Time) (time.Time, time.Time) {
	year := now.Year()
	if now.Month() < time.July {
		year--
	}
	start := time.Date(year, time.August, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(year+1, time.June, 12, 0, 0, 0, 0, time.UTC)
	return start, end
}
