// Package config holds scheduler tuning knobs and the startup-time method
// weight table. It is intentionally tiny: the hub's own config file format
// and secrets loading are out of scope, we only own the values spec.md §6
// names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/koji-project/hub/internal/schederr"
)

// Config holds the recognized scheduler options from spec.md §6.
type Config struct {
	MaxJobs             int           // per-host per-tick assignment cap
	CapacityOvercommit  float64       // additive headroom over declared capacity
	ReadyTimeout        time.Duration // ready-flag grace period
	AssignTimeout       time.Duration // ASSIGNED->OPEN window
	SoftRefusalTimeout  time.Duration // soft refusal lifetime
	HostTimeout         time.Duration // heartbeat gap before eviction
	RunInterval         time.Duration // minimum tick spacing

	// DefaultWeights maps a task method name to its default weight, loaded
	// once at startup. The scheduler never looks inside a method's
	// parameters — this table plus Task.Weight is all it needs.
	DefaultWeights map[string]float64
}

// Default returns the production defaults from spec.md §6.
func Default() Config {
	return Config{
		MaxJobs:            15,
		CapacityOvercommit: 5,
		ReadyTimeout:       180 * time.Second,
		AssignTimeout:      300 * time.Second,
		SoftRefusalTimeout: 900 * time.Second,
		HostTimeout:        900 * time.Second,
		RunInterval:        60 * time.Second,
		DefaultWeights: map[string]float64{
			"build":      1.5,
			"buildArch":  1.0,
			"buildNotification": 0.1,
			"createrepo": 1.0,
			"image":      2.0,
			"newRepo":    1.0,
			"tagBuild":   0.1,
			"waitrepo":   0.1,
		},
	}
}

// ConfigError is raised only at startup when an environment override fails
// to parse; per spec.md §7 this is the one fatal error kind.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: invalid value for %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error  { return e.Err }
func (e *ConfigError) FaultCode() int { return schederr.CodeConfigError }

// FromEnv overlays SCHED_* environment overrides onto the defaults. Unset
// variables leave the default untouched.
func FromEnv() (Config, error) {
	cfg := Default()

	overrides := []struct {
		key string
		set func(string) error
	}{
		{"SCHED_MAXJOBS", intSetter(&cfg.MaxJobs)},
		{"SCHED_CAPACITY_OVERCOMMIT", floatSetter(&cfg.CapacityOvercommit)},
		{"SCHED_READY_TIMEOUT", durationSetter(&cfg.ReadyTimeout)},
		{"SCHED_ASSIGN_TIMEOUT", durationSetter(&cfg.AssignTimeout)},
		{"SCHED_SOFT_REFUSAL_TIMEOUT", durationSetter(&cfg.SoftRefusalTimeout)},
		{"SCHED_HOST_TIMEOUT", durationSetter(&cfg.HostTimeout)},
		{"SCHED_RUN_INTERVAL", durationSetter(&cfg.RunInterval)},
	}

	for _, o := range overrides {
		val := os.Getenv(o.key)
		if val == "" {
			continue
		}
		if err := o.set(val); err != nil {
			return Config{}, &ConfigError{Key: o.key, Err: err}
		}
	}

	return cfg, nil
}

func intSetter(dst *int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func floatSetter(dst *float64) func(string) error {
	return func(s string) error {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(s string) error {
		secs, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = time.Duration(secs) * time.Second
		return nil
	}
}
