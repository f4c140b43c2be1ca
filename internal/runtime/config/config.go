package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config groups the settings required to initialise a Bus. Zero values for
// durations and capacities fall back to the defaults below.
type Config struct {
	// MaxQueueSize caps the main priority queue. Publishing into a full
	// queue fails with a queue overflow error. Defaults to 10000.
	MaxQueueSize int

	// MaxDeadLetterSize caps the dead-letter queue. When the DLQ itself is
	// full the incoming dead letter is dropped and logged. Defaults to 1000.
	MaxDeadLetterSize int

	// PersistenceDir is the directory holding the queue snapshots and the
	// metrics flush. Defaults to "data/agentbus".
	PersistenceDir string

	// EnablePersistence toggles snapshot writes after every queue mutation.
	// Default() and Load() enable it.
	EnablePersistence bool

	// PollInterval is how long the dispatch loop sleeps when the queue is
	// empty. Defaults to 1ms.
	PollInterval time.Duration

	// ErrorBackoff is how long the dispatch loop pauses after an internal
	// error before polling again. Defaults to 100ms.
	ErrorBackoff time.Duration

	// RetryBackoff is the base delay between redelivery attempts; the n-th
	// retry waits n times this interval. Defaults to 100ms.
	RetryBackoff time.Duration

	// DeliveryTimeout bounds a single subscriber callback. Zero leaves
	// callbacks unbounded; a slow callback then throttles dispatch.
	DeliveryTimeout time.Duration

	// MetricsEnabled registers the Prometheus collectors.
	MetricsEnabled bool

	// MetricsPort is the port where Prometheus metrics are exposed when
	// MetricsEnabled is set. Zero keeps the HTTP endpoint off.
	MetricsPort int
}

// Defaults applied by Normalized and Default.
const (
	DefaultMaxQueueSize      = 10000
	DefaultMaxDeadLetterSize = 1000
	DefaultPersistenceDir    = "data/agentbus"
	DefaultPollInterval      = time.Millisecond
	DefaultErrorBackoff      = 100 * time.Millisecond
	DefaultRetryBackoff      = 100 * time.Millisecond
)

// Default returns the configuration used when the caller supplies nothing:
// persistence on, metrics collectors on, HTTP endpoint off.
func Default() Config {
	return Config{
		MaxQueueSize:      DefaultMaxQueueSize,
		MaxDeadLetterSize: DefaultMaxDeadLetterSize,
		PersistenceDir:    DefaultPersistenceDir,
		EnablePersistence: true,
		PollInterval:      DefaultPollInterval,
		ErrorBackoff:      DefaultErrorBackoff,
		RetryBackoff:      DefaultRetryBackoff,
		MetricsEnabled:    true,
	}
}

// Normalized returns a copy with zero capacities, paths, and intervals
// replaced by their defaults. Booleans are left as set.
func (c Config) Normalized() Config {
	out := c
	if out.MaxQueueSize == 0 {
		out.MaxQueueSize = DefaultMaxQueueSize
	}
	if out.MaxDeadLetterSize == 0 {
		out.MaxDeadLetterSize = DefaultMaxDeadLetterSize
	}
	if out.PersistenceDir == "" {
		out.PersistenceDir = DefaultPersistenceDir
	}
	if out.PollInterval == 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.ErrorBackoff == 0 {
		out.ErrorBackoff = DefaultErrorBackoff
	}
	if out.RetryBackoff == 0 {
		out.RetryBackoff = DefaultRetryBackoff
	}
	return out
}

// duration wraps time.Duration so TOML strings like "250ms" decode through
// encoding.TextUnmarshaler.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// fileConfig mirrors Config for TOML decoding. Durations are written as
// strings in the file ("2ms", "1s").
type fileConfig struct {
	MaxQueueSize      int      `toml:"max_queue_size"`
	MaxDeadLetterSize int      `toml:"max_dead_letter_size"`
	PersistenceDir    string   `toml:"persistence_dir"`
	EnablePersistence bool     `toml:"enable_persistence"`
	PollInterval      duration `toml:"poll_interval"`
	ErrorBackoff      duration `toml:"error_backoff"`
	RetryBackoff      duration `toml:"retry_backoff"`
	DeliveryTimeout   duration `toml:"delivery_timeout"`
	MetricsEnabled    bool     `toml:"metrics_enabled"`
	MetricsPort       int      `toml:"metrics_port"`
}

// Load reads a TOML configuration file and overlays it on Default(). The
// decode target is seeded with the defaults, so keys absent from the file
// keep their default values.
func Load(path string) (Config, error) {
	base := Default()
	file := fileConfig{
		MaxQueueSize:      base.MaxQueueSize,
		MaxDeadLetterSize: base.MaxDeadLetterSize,
		PersistenceDir:    base.PersistenceDir,
		EnablePersistence: base.EnablePersistence,
		PollInterval:      duration{base.PollInterval},
		ErrorBackoff:      duration{base.ErrorBackoff},
		RetryBackoff:      duration{base.RetryBackoff},
		DeliveryTimeout:   duration{base.DeliveryTimeout},
		MetricsEnabled:    base.MetricsEnabled,
		MetricsPort:       base.MetricsPort,
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return Config{}, fmt.Errorf("agentbus: load config %s: %w", path, err)
	}
	cfg := Config{
		MaxQueueSize:      file.MaxQueueSize,
		MaxDeadLetterSize: file.MaxDeadLetterSize,
		PersistenceDir:    file.PersistenceDir,
		EnablePersistence: file.EnablePersistence,
		PollInterval:      file.PollInterval.Duration,
		ErrorBackoff:      file.ErrorBackoff.Duration,
		RetryBackoff:      file.RetryBackoff.Duration,
		DeliveryTimeout:   file.DeliveryTimeout.Duration,
		MetricsEnabled:    file.MetricsEnabled,
		MetricsPort:       file.MetricsPort,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) String() string {
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(c))
}

// Validate checks that the configuration is internally consistent. Returns
// an error describing every invalid field.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateCapacities()...)
	errs = append(errs, c.validateIntervals()...)
	errs = append(errs, c.validatePersistence()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateCapacities() []error {
	var errs []error
	if c.MaxQueueSize < 0 {
		errs = append(errs, errors.New("queue: max size cannot be negative"))
	}
	if c.MaxDeadLetterSize < 0 {
		errs = append(errs, errors.New("dead letter: max size cannot be negative"))
	}
	return errs
}

func (c *Config) validateIntervals() []error {
	var errs []error
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("dispatch: poll interval cannot be negative"))
	}
	if c.ErrorBackoff < 0 {
		errs = append(errs, errors.New("dispatch: error backoff cannot be negative"))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, errors.New("retry: backoff cannot be negative"))
	}
	if c.DeliveryTimeout < 0 {
		errs = append(errs, errors.New("delivery: timeout cannot be negative"))
	}
	return errs
}

func (c *Config) validatePersistence() []error {
	if c.EnablePersistence && c.PersistenceDir == "" {
		return []error{errors.New("persistence: directory is required when persistence is enabled")}
	}
	return nil
}

func (c *Config) validatePorts() []error {
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return []error{fmt.Errorf("metrics: invalid port %d", c.MetricsPort)}
	}
	return nil
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
