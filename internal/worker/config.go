// Package worker implements the resource-aware worker pool: per-type
// concurrency limits, CPU/heap admission gates, GPU token arbitration,
// store-driven dispatch with retry, and an autoscaler that moves worker
// permits between a baseline and a per-type maximum.
package worker

import (
	"time"

	"golang.org/x/time/rate"

	"renderq/internal/job"
)

// Weight classifies how expensive a task type is. Heavy types get a stricter
// resource headroom check at admission.
type Weight string

const (
	WeightLight Weight = "light"
	WeightHeavy Weight = "heavy"
)

// TypeConfig is the per-type execution profile.
type TypeConfig struct {
	Weight          Weight        `json:"weight"`
	MaxConcurrent   int           `json:"maxConcurrent"`
	BaselineWorkers int           `json:"baselineWorkers"`
	MaxWorkers      int           `json:"maxWorkers"`
	GPURequired     bool          `json:"gpuRequired"`
	CPUThreshold    float64       `json:"cpuThreshold"` // percent, 0 disables the gate
	MemoryLimit     uint64        `json:"memoryLimit"`  // heap bytes, 0 disables the gate
	RateLimit       rate.Limit    `json:"rateLimit"`    // admissions per second, 0 = unlimited
	RateBurst       int           `json:"rateBurst"`
	DefaultTimeout  time.Duration `json:"defaultTimeout"`
}

func (tc TypeConfig) withDefaults() TypeConfig {
	if tc.Weight == "" {
		tc.Weight = WeightLight
	}
	if tc.MaxConcurrent <= 0 {
		if tc.Weight == WeightHeavy {
			tc.MaxConcurrent = 2
		} else {
			tc.MaxConcurrent = 8
		}
	}
	if tc.BaselineWorkers <= 0 {
		tc.BaselineWorkers = 1
	}
	if tc.MaxWorkers < tc.BaselineWorkers {
		tc.MaxWorkers = tc.MaxConcurrent
	}
	if tc.MaxWorkers > tc.MaxConcurrent {
		tc.MaxWorkers = tc.MaxConcurrent
	}
	if tc.BaselineWorkers > tc.MaxWorkers {
		tc.BaselineWorkers = tc.MaxWorkers
	}
	if tc.RateBurst <= 0 {
		tc.RateBurst = 1
	}
	if tc.DefaultTimeout <= 0 {
		if tc.Weight == WeightHeavy {
			tc.DefaultTimeout = 10 * time.Minute
		} else {
			tc.DefaultTimeout = 2 * time.Minute
		}
	}
	return tc
}

// RetryConfig shapes the exponential backoff applied to failed store jobs.
type RetryConfig struct {
	Base     time.Duration `json:"base"`
	MaxDelay time.Duration `json:"maxDelay"`
	Jitter   float64       `json:"jitter"`
}

func (rc RetryConfig) withDefaults() RetryConfig {
	if rc.Base <= 0 {
		rc.Base = 500 * time.Millisecond
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = 15 * time.Second
	}
	if rc.Jitter <= 0 {
		rc.Jitter = 0.2
	}
	return rc
}

// Config is the pool-level configuration.
type Config struct {
	Types map[job.Type]TypeConfig `json:"types"`

	// GPUTokens is the count of the pool-wide GPU resource shared by every
	// GPURequired type.
	GPUTokens int `json:"gpuTokens"`

	// PollInterval paces the store dispatch loops when their queue is empty.
	PollInterval time.Duration `json:"pollInterval"`

	// SampleInterval paces the resource monitor.
	SampleInterval time.Duration `json:"sampleInterval"`

	// ShutdownGrace is how long Shutdown waits for in-flight tasks before
	// cancelling their contexts.
	ShutdownGrace time.Duration `json:"shutdownGrace"`

	Retry RetryConfig `json:"retry"`

	// AutoscaleInterval paces the scaling controller; ScaleUpCooldown and
	// IdleDownAfter damp its reactions.
	AutoscaleInterval time.Duration `json:"autoscaleInterval"`
	ScaleUpCooldown   time.Duration `json:"scaleUpCooldown"`
	IdleDownAfter     int           `json:"idleDownAfter"` // idle ticks before scale-down
}

func (c Config) withDefaults() Config {
	if c.Types == nil {
		c.Types = DefaultTypeConfigs()
	}
	for t, tc := range c.Types {
		c.Types[t] = tc.withDefaults()
	}
	if c.GPUTokens <= 0 {
		c.GPUTokens = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 2 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	if c.AutoscaleInterval <= 0 {
		c.AutoscaleInterval = 2 * time.Second
	}
	if c.ScaleUpCooldown <= 0 {
		c.ScaleUpCooldown = 6 * time.Second
	}
	if c.IdleDownAfter <= 0 {
		c.IdleDownAfter = 3
	}
	return c
}

// DefaultTypeConfigs is the built-in execution profile table. Config files
// override individual entries.
func DefaultTypeConfigs() map[job.Type]TypeConfig {
	gib := uint64(1 << 30)
	return map[job.Type]TypeConfig{
		job.TypeVideoGeneration: {
			Weight: WeightHeavy, MaxConcurrent: 2, BaselineWorkers: 1,
			GPURequired: true, CPUThreshold: 85, MemoryLimit: 4 * gib,
			DefaultTimeout: 30 * time.Minute,
		},
		job.TypeScriptGeneration: {
			Weight: WeightLight, MaxConcurrent: 8, BaselineWorkers: 2,
			CPUThreshold: 90, MemoryLimit: gib,
			DefaultTimeout: 2 * time.Minute,
		},
		job.TypeSceneCreation: {
			Weight: WeightHeavy, MaxConcurrent: 3, BaselineWorkers: 1,
			CPUThreshold: 85, MemoryLimit: 2 * gib,
			DefaultTimeout: 10 * time.Minute,
		},
		job.TypeAudioSynthesis: {
			Weight: WeightLight, MaxConcurrent: 6, BaselineWorkers: 2,
			CPUThreshold: 90, MemoryLimit: gib,
			DefaultTimeout: 5 * time.Minute,
		},
		job.TypeImageGeneration: {
			Weight: WeightHeavy, MaxConcurrent: 4, BaselineWorkers: 1,
			GPURequired: true, CPUThreshold: 85, MemoryLimit: 3 * gib,
			DefaultTimeout: 10 * time.Minute,
		},
		job.TypeWorldBuilding: {
			Weight: WeightHeavy, MaxConcurrent: 2, BaselineWorkers: 1,
			CPUThreshold: 85, MemoryLimit: 2 * gib,
			DefaultTimeout: 15 * time.Minute,
		},
		job.TypeContentAnalysis: {
			Weight: WeightLight, MaxConcurrent: 8, BaselineWorkers: 2,
			CPUThreshold: 90, MemoryLimit: gib,
			DefaultTimeout: 2 * time.Minute,
		},
		job.TypeVideoComposition: {
			Weight: WeightHeavy, MaxConcurrent: 2, BaselineWorkers: 1,
			GPURequired: true, CPUThreshold: 85, MemoryLimit: 4 * gib,
			DefaultTimeout: 30 * time.Minute,
		},
		job.TypePersonalization: {
			Weight: WeightLight, MaxConcurrent: 8, BaselineWorkers: 2,
			CPUThreshold: 90, MemoryLimit: gib,
			DefaultTimeout: 2 * time.Minute,
		},
		job.TypeAIProcessing: {
			Weight: WeightHeavy, MaxConcurrent: 4, BaselineWorkers: 1,
			CPUThreshold: 85, MemoryLimit: 2 * gib,
			DefaultTimeout: 10 * time.Minute,
		},
	}
}
