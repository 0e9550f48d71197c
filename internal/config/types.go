// Package config loads, validates, and hot-reloads the daemon configuration.
// Files may be JSON or YAML; YAML is coerced to JSON so one strict decoder
// (DisallowUnknownFields) covers both. All durations are Go duration strings.
package config

import (
	"fmt"

	"renderq/internal/job"
	"renderq/internal/queue"
	"renderq/internal/sched"
	"renderq/internal/store"
	"renderq/internal/worker"
	"renderq/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig            `json:"logging"`
	Store     StoreConfig              `json:"store"`
	Queue     QueueConfig              `json:"queue"`
	Pool      PoolConfig               `json:"pool"`
	Scheduler SchedulerConfig          `json:"scheduler"`
	Pprof     PprofConfig              `json:"pprof,omitempty"`
	Types     map[string]TypeConfigRaw `json:"types,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the job store driver.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./jobd.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type QueueConfig struct {
	DefaultMaxAttempts int    `json:"default_max_attempts,omitempty"`
	MetricsWindow      string `json:"metrics_window,omitempty"`
	SaturationDepth    int    `json:"saturation_depth,omitempty"`
}

// PoolConfig controls the worker pool. Per-type overrides live in the
// top-level "types" table.
type PoolConfig struct {
	GPUTokens          int     `json:"gpu_tokens,omitempty"`
	PollInterval       string  `json:"poll_interval,omitempty"`
	SampleInterval     string  `json:"sample_interval,omitempty"`
	ShutdownGrace      string  `json:"shutdown_grace,omitempty"`
	RetryBase          string  `json:"retry_base,omitempty"`
	RetryMaxDelay      string  `json:"retry_max_delay,omitempty"`
	RetryJitter        float64 `json:"retry_jitter,omitempty"`
	AutoscaleInterval  string  `json:"autoscale_interval,omitempty"`
	ScaleUpCooldown    string  `json:"scale_up_cooldown,omitempty"`
	IdleDownAfterTicks int     `json:"idle_down_after_ticks,omitempty"`
}

// TypeConfigRaw overrides one entry of the built-in task type table. Omitted
// fields keep the default.
type TypeConfigRaw struct {
	Weight          string  `json:"weight,omitempty"`
	MaxConcurrent   int     `json:"max_concurrent,omitempty"`
	BaselineWorkers int     `json:"baseline_workers,omitempty"`
	MaxWorkers      int     `json:"max_workers,omitempty"`
	GPURequired     *bool   `json:"gpu_required,omitempty"`
	CPUThreshold    float64 `json:"cpu_threshold,omitempty"`
	MemoryLimitMB   int     `json:"memory_limit_mb,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	RateBurst       int     `json:"rate_burst,omitempty"`
	DefaultTimeout  string  `json:"default_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server. Bind to localhost.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
}

// Logging maps onto the logx service configuration.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StoreConfig() (store.Config, error) {
	busy, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      c.Store.Driver,
		Path:        c.Store.Path,
		BusyTimeout: busy,
	}, nil
}

func (c *Config) QueueConfig(capacity int) (queue.Config, error) {
	window, err := ParseDurationField("queue.metrics_window", c.Queue.MetricsWindow)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		DefaultMaxAttempts: c.Queue.DefaultMaxAttempts,
		Capacity:           capacity,
		MetricsWindow:      window,
		SaturationDepth:    c.Queue.SaturationDepth,
	}, nil
}

func (c *Config) SchedConfig() (sched.Config, error) {
	tick, err := ParseDurationField("scheduler.tick", c.Scheduler.Tick)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{Tick: tick}, nil
}

// PoolConfig builds the worker pool configuration: the built-in type table
// with the file's per-type overrides applied on top.
func (c *Config) PoolConfig() (worker.Config, error) {
	types := worker.DefaultTypeConfigs()
	for name, raw := range c.Types {
		t := job.Type(name)
		if !job.Known(t) {
			return worker.Config{}, fmt.Errorf("types.%s: unknown task type", name)
		}
		tc := types[t]
		if err := applyTypeOverride(&tc, name, raw); err != nil {
			return worker.Config{}, err
		}
		types[t] = tc
	}

	poll, err := ParseDurationField("pool.poll_interval", c.Pool.PollInterval)
	if err != nil {
		return worker.Config{}, err
	}
	sample, err := ParseDurationField("pool.sample_interval", c.Pool.SampleInterval)
	if err != nil {
		return worker.Config{}, err
	}
	grace, err := ParseDurationField("pool.shutdown_grace", c.Pool.ShutdownGrace)
	if err != nil {
		return worker.Config{}, err
	}
	retryBase, err := ParseDurationField("pool.retry_base", c.Pool.RetryBase)
	if err != nil {
		return worker.Config{}, err
	}
	retryMax, err := ParseDurationField("pool.retry_max_delay", c.Pool.RetryMaxDelay)
	if err != nil {
		return worker.Config{}, err
	}
	scaleTick, err := ParseDurationField("pool.autoscale_interval", c.Pool.AutoscaleInterval)
	if err != nil {
		return worker.Config{}, err
	}
	cooldown, err := ParseDurationField("pool.scale_up_cooldown", c.Pool.ScaleUpCooldown)
	if err != nil {
		return worker.Config{}, err
	}

	return worker.Config{
		Types:          types,
		GPUTokens:      c.Pool.GPUTokens,
		PollInterval:   poll,
		SampleInterval: sample,
		ShutdownGrace:  grace,
		Retry: worker.RetryConfig{
			Base:     retryBase,
			MaxDelay: retryMax,
			Jitter:   c.Pool.RetryJitter,
		},
		AutoscaleInterval: scaleTick,
		ScaleUpCooldown:   cooldown,
		IdleDownAfter:     c.Pool.IdleDownAfterTicks,
	}, nil
}

func applyTypeOverride(tc *worker.TypeConfig, name string, raw TypeConfigRaw) error {
	switch raw.Weight {
	case "":
	case string(worker.WeightLight), string(worker.WeightHeavy):
		tc.Weight = worker.Weight(raw.Weight)
	default:
		return fmt.Errorf("types.%s.weight: must be %q or %q", name, worker.WeightLight, worker.WeightHeavy)
	}
	if raw.MaxConcurrent > 0 {
		tc.MaxConcurrent = raw.MaxConcurrent
	}
	if raw.BaselineWorkers > 0 {
		tc.BaselineWorkers = raw.BaselineWorkers
	}
	if raw.MaxWorkers > 0 {
		tc.MaxWorkers = raw.MaxWorkers
	}
	if raw.GPURequired != nil {
		tc.GPURequired = *raw.GPURequired
	}
	if raw.CPUThreshold > 0 {
		tc.CPUThreshold = raw.CPUThreshold
	}
	if raw.MemoryLimitMB > 0 {
		tc.MemoryLimit = uint64(raw.MemoryLimitMB) << 20
	}
	if raw.RatePerSec > 0 {
		tc.RateLimit = rateLimit(raw.RatePerSec)
		if raw.RateBurst > 0 {
			tc.RateBurst = raw.RateBurst
		}
	}
	if raw.DefaultTimeout != "" {
		d, err := ParseDurationField("types."+name+".default_timeout", raw.DefaultTimeout)
		if err != nil {
			return err
		}
		tc.DefaultTimeout = d
	}
	return nil
}
