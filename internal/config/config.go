// Package config loads and validates the load balancer's configuration
// surface. The YAML decoding shape mirrors the teacher gateway's own
// internal/config package (mapstructure tags, Viper defaults), but the
// decoded File is immediately converted into an immutable, validated
// Config — this load balancer's backend pool is fixed at startup (dynamic
// reconfiguration of the pool is an explicit non-goal), so unlike the
// teacher there is no hot-reload watch armed on the file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// BackendFile is the YAML representation of one upstream server entry.
type BackendFile struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

// HealthCheckFile controls active health probing.
type HealthCheckFile struct {
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
	Path     string `mapstructure:"path"`
}

// RetryFile controls the per-request retry budget and backoff.
type RetryFile struct {
	Budget    int    `mapstructure:"budget"`
	BaseDelay string `mapstructure:"base_delay"`
}

// File is the raw, Viper-decoded shape of the configuration document.
type File struct {
	ListenAddr  string          `mapstructure:"listen_addr"`
	Strategy    string          `mapstructure:"strategy"`
	Backends    []BackendFile   `mapstructure:"backends"`
	HealthCheck HealthCheckFile `mapstructure:"health_check"`
	Retry       RetryFile       `mapstructure:"retry"`
}

// Config is the validated, immutable configuration record passed to the
// gateway at construction. Every field is populated and defaulted; no
// further validation is required downstream.
type Config struct {
	ListenAddr string
	Strategy   string
	Backends   []BackendFile

	RetryBudget int
	RetryDelay  time.Duration

	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthPath     string
}

// ValidationError identifies the offending configuration field, so startup
// can print a precise diagnostic and abort (spec.md §6).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Default returns a sensible single-backend configuration.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		Strategy:       "round_robin",
		Backends:       []BackendFile{{URL: "http://localhost:8081", Weight: 1}},
		RetryBudget:    3,
		RetryDelay:     100 * time.Millisecond,
		HealthInterval: 10 * time.Second,
		HealthTimeout:  2 * time.Second,
		HealthPath:     "/",
	}
}

// Load reads and parses the YAML file at path via Viper, then validates it
// into a Config. Environment variables with matching keys (e.g.
// LB_LISTEN_ADDR) override file values, per spec.md §6's "configuration may
// be sourced from a file or environment".
func Load(path string) (Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	return Validate(f)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("lb")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("strategy", "round_robin")
	v.SetDefault("retry.budget", 3)
	v.SetDefault("retry.base_delay", "100ms")
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("health_check.path", "/")

	return v
}

// Validate checks a File for completeness and converts it into a Config.
// Invalid configuration is reported via a *ValidationError naming the
// offending field, per spec.md's "invalid configuration aborts startup".
func Validate(f File) (Config, error) {
	if len(f.Backends) == 0 {
		return Config{}, &ValidationError{Field: "backends", Msg: "at least one backend must be defined"}
	}

	strategy := f.Strategy
	if strategy == "" {
		strategy = "round_robin"
	}

	backends := make([]BackendFile, len(f.Backends))
	for i, b := range f.Backends {
		if b.URL == "" {
			return Config{}, &ValidationError{Field: fmt.Sprintf("backends[%d].url", i), Msg: "must not be empty"}
		}
		weight := b.Weight
		if weight <= 0 {
			weight = 1
		}
		if strategy == "weighted_round_robin" && weight < 1 {
			return Config{}, &ValidationError{Field: fmt.Sprintf("backends[%d].weight", i), Msg: "must be >= 1 for weighted_round_robin"}
		}
		backends[i] = BackendFile{URL: b.URL, Weight: weight}
	}

	retryBudget := f.Retry.Budget
	if retryBudget < 0 {
		return Config{}, &ValidationError{Field: "retry.budget", Msg: "must be >= 0"}
	}

	retryDelay, err := parseDurationDefault(f.Retry.BaseDelay, 100*time.Millisecond, "retry.base_delay")
	if err != nil {
		return Config{}, err
	}
	healthInterval, err := parseDurationDefault(f.HealthCheck.Interval, 10*time.Second, "health_check.interval")
	if err != nil {
		return Config{}, err
	}
	healthTimeout, err := parseDurationDefault(f.HealthCheck.Timeout, 2*time.Second, "health_check.timeout")
	if err != nil {
		return Config{}, err
	}

	path := f.HealthCheck.Path
	if path == "" {
		path = "/"
	}

	listenAddr := f.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return Config{
		ListenAddr:     listenAddr,
		Strategy:       strategy,
		Backends:       backends,
		RetryBudget:    retryBudget,
		RetryDelay:     retryDelay,
		HealthInterval: healthInterval,
		HealthTimeout:  healthTimeout,
		HealthPath:     path,
	}, nil
}

func parseDurationDefault(s string, def time.Duration, field string) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ValidationError{Field: field, Msg: fmt.Sprintf("invalid duration %q", s)}
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
