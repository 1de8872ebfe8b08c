// Package config holds the typed process configuration. Every tunable the
// engine honors appears here with its default; the daemon loads the struct
// once at startup from YAML with environment overrides for connection
// strings, and threads sub-structs into component Options. No component
// reads configuration globally.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root process configuration.
	Config struct {
		Scheduler  Scheduler  `yaml:"scheduler"`
		Queue      Queue      `yaml:"queue"`
		Dispatcher Dispatcher `yaml:"dispatcher"`
		Checkback  Checkback  `yaml:"checkback"`
		People     People     `yaml:"people"`
		Postgres   Postgres   `yaml:"postgres"`
		Redis      Redis      `yaml:"redis"`
	}

	// Scheduler tunes the inventory-aware planner.
	Scheduler struct {
		// HorizonMonths is the planning window length.
		HorizonMonths int `yaml:"horizon_months"`
		// Cadence bounds, in posts per day per form.
		MinPerDayShort float64 `yaml:"min_per_day_short"`
		MaxPerDayShort float64 `yaml:"max_per_day_short"`
		MinPerDayLong  float64 `yaml:"min_per_day_long"`
		MaxPerDayLong  float64 `yaml:"max_per_day_long"`
		// PreferredHours are the default hours-of-day slots, in order.
		PreferredHours []int `yaml:"preferred_hours"`
		// Platforms are the target platform ids, round-robin order.
		Platforms []string `yaml:"platforms"`
	}

	// Queue tunes the publishing queue.
	Queue struct {
		// LeaseTTL is how long a dispatcher holds an item exclusively.
		LeaseTTL time.Duration `yaml:"lease_ttl"`
		// MaxAttempts is the publish attempt budget per item.
		MaxAttempts int `yaml:"max_attempts"`
		// BackoffBase and BackoffCap bound the retry backoff.
		BackoffBase time.Duration `yaml:"backoff_base"`
		BackoffCap  time.Duration `yaml:"backoff_cap"`
	}

	// Dispatcher tunes the worker pool.
	Dispatcher struct {
		// Workers is the number of concurrent dispatch goroutines.
		Workers int `yaml:"workers"`
		// BatchMin, BatchMax and BatchInitial bound the adaptive lease
		// batch size.
		BatchMin     int `yaml:"batch_min"`
		BatchMax     int `yaml:"batch_max"`
		BatchInitial int `yaml:"batch_initial"`
		// PollInterval is the idle sleep between lease attempts.
		PollInterval time.Duration `yaml:"poll_interval"`
		// TargetLatency is the per-item dispatch latency above which the
		// batch size halves.
		TargetLatency time.Duration `yaml:"target_latency"`
		// PublishTimeout bounds each adapter publish call.
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		// ReapInterval is how often expired leases and elapsed retry
		// backoffs are swept.
		ReapInterval time.Duration `yaml:"reap_interval"`
	}

	// Checkback tunes the metric-pull pipeline.
	Checkback struct {
		// OffsetsHours are the post-publish checkpoints.
		OffsetsHours []int `yaml:"offsets_hours"`
		// GraceWindow is how late a fire may run before it is logged as
		// missed (the snapshot is still recorded).
		GraceWindow time.Duration `yaml:"grace_window"`
		// PollInterval is the due-job sweep interval.
		PollInterval time.Duration `yaml:"poll_interval"`
		// MaxAttempts bounds transient retries per metric pull.
		MaxAttempts int `yaml:"max_attempts"`
		// FetchTimeout bounds each adapter metrics call.
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
	}

	// People tunes the people graph and lens computation.
	People struct {
		// WindowDays is the sliding event window for lens computation.
		WindowDays int `yaml:"window_days"`
		// InsightCacheTTL bounds the worker-local insight read cache.
		InsightCacheTTL time.Duration `yaml:"insight_cache_ttl"`
	}

	// Postgres configures the durable store.
	Postgres struct {
		// DSN is the connection string. Overridden by LOOPCAST_POSTGRES_DSN.
		DSN string `yaml:"dsn"`
	}

	// Redis configures the advisory lock client.
	Redis struct {
		// Addr is host:port. Overridden by LOOPCAST_REDIS_ADDR.
		Addr string `yaml:"addr"`
		// LockTTL bounds how long a scheduler invocation may hold the
		// per-workspace lock.
		LockTTL time.Duration `yaml:"lock_ttl"`
	}
)

// Default returns the configuration with every tunable at its default.
func Default() Config {
	return Config{
		Scheduler: Scheduler{
			HorizonMonths:  2,
			MinPerDayShort: 1.0,
			MaxPerDayShort: 3.0,
			MinPerDayLong:  0.2,
			MaxPerDayLong:  1.0,
			PreferredHours: []int{9, 13, 18},
		},
		Queue: Queue{
			LeaseTTL:    5 * time.Minute,
			MaxAttempts: 3,
			BackoffBase: time.Minute,
			BackoffCap:  time.Hour,
		},
		Dispatcher: Dispatcher{
			Workers:        4,
			BatchMin:       1,
			BatchMax:       32,
			BatchInitial:   8,
			PollInterval:   5 * time.Second,
			TargetLatency:  10 * time.Second,
			PublishTimeout: 120 * time.Second,
			ReapInterval:   30 * time.Second,
		},
		Checkback: Checkback{
			OffsetsHours: []int{1, 6, 24, 72, 168},
			GraceWindow:  time.Hour,
			PollInterval: time.Minute,
			MaxAttempts:  3,
			FetchTimeout: 30 * time.Second,
		},
		People: People{
			WindowDays:      90,
			InsightCacheTTL: 5 * time.Minute,
		},
		Redis: Redis{
			LockTTL: 2 * time.Minute,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path returns defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if dsn := os.Getenv("LOOPCAST_POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if addr := os.Getenv("LOOPCAST_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent tunables.
func (c Config) Validate() error {
	s := c.Scheduler
	if s.HorizonMonths <= 0 {
		return fmt.Errorf("config: horizon_months must be positive")
	}
	if s.MinPerDayShort < 0 || s.MaxPerDayShort < s.MinPerDayShort {
		return fmt.Errorf("config: short cadence bounds invalid: min=%v max=%v", s.MinPerDayShort, s.MaxPerDayShort)
	}
	if s.MinPerDayLong < 0 || s.MaxPerDayLong < s.MinPerDayLong {
		return fmt.Errorf("config: long cadence bounds invalid: min=%v max=%v", s.MinPerDayLong, s.MaxPerDayLong)
	}
	for _, h := range s.PreferredHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("config: preferred hour %d out of range", h)
		}
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue max_attempts must be positive")
	}
	if c.Queue.LeaseTTL <= 0 {
		return fmt.Errorf("config: queue lease_ttl must be positive")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffCap < c.Queue.BackoffBase {
		return fmt.Errorf("config: queue backoff bounds invalid")
	}
	d := c.Dispatcher
	if d.BatchMin <= 0 || d.BatchMax < d.BatchMin || d.BatchInitial < d.BatchMin || d.BatchInitial > d.BatchMax {
		return fmt.Errorf("config: dispatcher batch bounds invalid: min=%d initial=%d max=%d", d.BatchMin, d.BatchInitial, d.BatchMax)
	}
	if len(c.Checkback.OffsetsHours) == 0 {
		return fmt.Errorf("config: checkback offsets_hours must not be empty")
	}
	for _, h := range c.Checkback.OffsetsHours {
		if h <= 0 {
			return fmt.Errorf("config: checkback offset %dh must be positive", h)
		}
	}
	if c.People.WindowDays <= 0 {
		return fmt.Errorf("config: people window_days must be positive")
	}
	return nil
}
