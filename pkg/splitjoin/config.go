package splitjoin

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	sdkerrors "github.com/wehubfusion/Hydra/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied by DefaultConfig
const (
	DefaultPoolSize         = 10
	DefaultTimeout          = 10 * time.Minute
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultEvictionInterval = 30 * time.Second
)

// Config configures a split-join engine.
//
// Fields can be set from YAML (LoadConfigFile) and overridden by HYDRA_*
// environment variables (LoadConfig). Unset environment variables leave the
// field untouched.
type Config struct {
	// PoolSize is the number of workers and executor goroutines.
	// It bounds the number of split messages processed at once.
	PoolSize int `env:"HYDRA_POOL_SIZE" yaml:"poolsize"`

	// Timeout is the wall-clock budget of a single invocation
	Timeout time.Duration `env:"HYDRA_TIMEOUT" yaml:"timeout"`

	// WarmStart creates PoolSize workers during Start instead of on demand
	WarmStart bool `env:"HYDRA_WARM_START" yaml:"warmStart"`

	// SendEvents enables lifecycle events to the configured EventHandler
	SendEvents bool `env:"HYDRA_SEND_EVENTS" yaml:"sendEvents"`

	// ErrorPolicy names the error policy, see PolicyByName.
	// Ignored when a policy is given with WithErrorPolicy.
	ErrorPolicy string `env:"HYDRA_ERROR_POLICY" yaml:"errorPolicy"`

	// PollInterval is the longest the aggregating goroutine sleeps between
	// checks of the result channel
	PollInterval time.Duration `env:"HYDRA_POLL_INTERVAL" yaml:"pollInterval"`

	// IdleTimeout is how long an idle worker is kept before eviction.
	// Zero disables eviction.
	IdleTimeout time.Duration `env:"HYDRA_IDLE_TIMEOUT" yaml:"idleTimeout"`

	// EvictionInterval is how often idle workers are inspected
	EvictionInterval time.Duration `env:"HYDRA_EVICTION_INTERVAL" yaml:"evictionInterval"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:         DefaultPoolSize,
		Timeout:          DefaultTimeout,
		WarmStart:        false,
		SendEvents:       false,
		ErrorPolicy:      PolicyFailFirst,
		PollInterval:     DefaultPollInterval,
		IdleTimeout:      DefaultIdleTimeout,
		EvictionInterval: DefaultEvictionInterval,
	}
}

// LoadConfig returns the default configuration overridden by HYDRA_*
// environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML configuration file on top of the defaults and
// then applies environment overrides.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: poolsize must be positive, got %d", sdkerrors.ErrInvalidConfig, c.PoolSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", sdkerrors.ErrInvalidConfig, c.Timeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", sdkerrors.ErrInvalidConfig, c.PollInterval)
	}
	if c.IdleTimeout < 0 || c.EvictionInterval < 0 {
		return fmt.Errorf("%w: eviction settings must not be negative", sdkerrors.ErrInvalidConfig)
	}
	if c.ErrorPolicy != "" {
		if _, err := PolicyByName(c.ErrorPolicy); err != nil {
			return fmt.Errorf("%w: %v", sdkerrors.ErrInvalidConfig, err)
		}
	}
	return nil
}

// String returns a string representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{PoolSize: %d, Timeout: %s, WarmStart: %v, SendEvents: %v, ErrorPolicy: %q, PollInterval: %s, IdleTimeout: %s, EvictionInterval: %s}",
		c.PoolSize, c.Timeout, c.WarmStart, c.SendEvents, c.ErrorPolicy, c.PollInterval, c.IdleTimeout, c.EvictionInterval,
	)
}

// WithPoolSize sets the pool size.
func (c Config) WithPoolSize(n int) Config {
	c.PoolSize = n
	return c
}

// WithTimeout sets the invocation timeout.
func (c Config) WithTimeout(d time.Duration) Config {
	c.Timeout = d
	return c
}

// WithWarmStart sets whether workers are created during Start.
func (c Config) WithWarmStart(warm bool) Config {
	c.WarmStart = warm
	return c
}

// WithSendEvents sets whether lifecycle events are sent.
func (c Config) WithSendEvents(send bool) Config {
	c.SendEvents = send
	return c
}

// WithErrorPolicy sets the error policy name.
func (c Config) WithErrorPolicy(name string) Config {
	c.ErrorPolicy = name
	return c
}

// WithPollInterval sets the result poll interval.
func (c Config) WithPollInterval(d time.Duration) Config {
	c.PollInterval = d
	return c
}

// WithIdleEviction sets the idle timeout and eviction interval.
func (c Config) WithIdleEviction(idle, interval time.Duration) Config {
	c.IdleTimeout = idle
	c.EvictionInterval = interval
	return c
}

func (c Config) poolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Size:             c.PoolSize,
		IdleTimeout:      c.IdleTimeout,
		EvictionInterval: c.EvictionInterval,
	}
}
