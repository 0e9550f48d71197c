// Package queue implements the job queue manager: type validation, priority
// and delay admission, job lookup, and the queue/job statistics surface.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"renderq/internal/eventbus"
	"renderq/internal/job"
	"renderq/internal/metrics"
	"renderq/internal/store"
	"renderq/pkg/logx"
)

// ErrClosed is returned by admission calls after Close().
var ErrClosed = errors.New("job queue closed")

// Config tunes the manager. Zero values get sane defaults.
type Config struct {
	// DefaultMaxAttempts is the retry budget for jobs that don't override it.
	DefaultMaxAttempts int

	// Capacity is the total number of execution slots across all worker
	// types; used for the utilization figure in performance metrics.
	Capacity int

	// MetricsWindow bounds the trailing window for error rate / throughput.
	MetricsWindow time.Duration

	// SaturationDepth marks a per-type queue as saturated for health
	// derivation once its ready backlog reaches this depth.
	SaturationDepth int
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.Capacity <= 0 {
		c.Capacity = 16
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = 5 * time.Minute
	}
	if c.SaturationDepth <= 0 {
		c.SaturationDepth = 500
	}
	return c
}

// Manager owns job admission and statistics. Job records live in the store;
// the manager keeps synchronous in-process counters so the statistics surface
// stays available during a store outage.
type Manager struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	st  store.Store

	closed atomic.Bool

	// storeUp tracks the result of the most recent store round trip.
	storeUp atomic.Bool

	window *metrics.Window

	mu         sync.Mutex
	total      uint64
	active     int
	completed  uint64
	failed     uint64
	byType     map[job.Type]uint64
	byUser     map[string]uint64
	byPriority map[int]uint64
}

func NewManager(cfg Config, st store.Store, log logx.Logger, bus eventbus.Bus) *Manager {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		st:         st,
		window:     metrics.NewWindow(cfg.MetricsWindow, time.Second),
		byType:     map[job.Type]uint64{},
		byUser:     map[string]uint64{},
		byPriority: map[int]uint64{},
	}
	m.storeUp.Store(true)
	return m
}

// Store exposes the underlying job store to the worker pool.
func (m *Manager) Store() store.Store { return m.st }

// AddJob validates and persists a new job in waiting state.
func (m *Manager) AddJob(ctx context.Context, t job.Type, payload job.Payload, opts ...job.Options) (*job.Job, error) {
	return m.add(ctx, t, payload, 0, opts...)
}

// AddDelayedJob is AddJob with a readiness delay: the job is excluded from
// dispatch until createdAt+delay.
func (m *Manager) AddDelayedJob(ctx context.Context, t job.Type, payload job.Payload, delay time.Duration, opts ...job.Options) (*job.Job, error) {
	if delay < 0 {
		return nil, job.NewValidation("delay must be non-negative, got %s", delay)
	}
	return m.add(ctx, t, payload, delay, opts...)
}

func (m *Manager) add(ctx context.Context, t job.Type, payload job.Payload, delay time.Duration, opts ...job.Options) (*job.Job, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if !job.Known(t) {
		return nil, job.NewValidation("invalid job type: %s", t)
	}
	if err := job.ValidatePayload(t, payload); err != nil {
		return nil, err
	}

	var opt job.Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	maxAttempts := opt.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.DefaultMaxAttempts
	}

	now := time.Now()
	j := &job.Job{
		ID:          job.NewID(),
		Type:        t,
		Payload:     payload,
		Priority:    opt.Priority,
		Status:      job.StatusWaiting,
		MaxAttempts: maxAttempts,
		UserID:      payload.UserID(),
		CreatedAt:   now,
		ReadyAt:     now.Add(delay),
	}

	var err error
	if delay > 0 {
		err = m.st.EnqueueDelayed(ctx, j, j.ReadyAt)
	} else {
		err = m.st.Enqueue(ctx, j)
	}
	m.noteStore(err)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.total++
	m.byType[t]++
	if j.UserID != "" {
		m.byUser[j.UserID]++
	}
	m.byPriority[j.Priority]++
	m.mu.Unlock()

	status := job.StatusWaiting
	if delay > 0 {
		status = job.StatusDelayed
	}
	m.publish(eventbus.TopicJobEnqueued, j, string(status), 0, 0, "")
	m.log.Debug("job enqueued",
		logx.String("job_id", j.ID),
		logx.String("type", string(t)),
		logx.Int("priority", j.Priority),
		logx.Duration("delay", delay),
	)
	return j, nil
}

// Get looks up a job by type and id. Jobs still waiting out their delay are
// reported with the delayed sub-state.
func (m *Manager) Get(ctx context.Context, t job.Type, id string) (*job.Job, error) {
	if !job.Known(t) {
		return nil, job.NewValidation("invalid job type: %s", t)
	}
	j, err := m.st.Get(ctx, t, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, job.NewNotFound("job %s not found in %s queue", id, t)
	}
	m.noteStore(err)
	if err != nil {
		return nil, err
	}
	if j.Delayed(time.Now()) {
		j.Status = job.StatusDelayed
	}
	return j, nil
}

// Close stops accepting new jobs. Statistics stay readable.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		m.log.Info("job queue closed")
	}
}

func (m *Manager) noteStore(err error) {
	if err == nil {
		m.storeUp.Store(true)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		m.storeUp.Store(false)
		m.log.Warn("job store unreachable", logx.Err(err))
	}
}

func (m *Manager) publish(topic string, j *job.Job, status string, attempt int, dur time.Duration, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: topic,
		Data: eventbus.JobEvent{
			JobID:    j.ID,
			Type:     string(j.Type),
			Status:   status,
			Attempt:  attempt,
			Duration: dur,
			Error:    errMsg,
		},
	})
}

// ---- transition recording (called synchronously by the worker pool) ----

// TaskAdmitted records a job moving to active execution.
func (m *Manager) TaskAdmitted(j *job.Job) {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	m.publish(eventbus.TopicTaskAdmitted, j, string(job.StatusActive), j.Attempts, 0, "")
}

// TaskCompleted records a successful finish and its processing duration.
func (m *Manager) TaskCompleted(j *job.Job, d time.Duration) {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.completed++
	m.mu.Unlock()
	m.window.RecordCompletion(d)
	m.publish(eventbus.TopicTaskCompleted, j, string(job.StatusCompleted), j.Attempts, d, "")
}

// TaskFailed records a failed attempt. final distinguishes a permanent
// failure from one that will be retried; only final failures count against
// the failure totals.
func (m *Manager) TaskFailed(j *job.Job, d time.Duration, timedOut, final bool) {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	if final {
		m.failed++
	}
	m.mu.Unlock()
	if final {
		m.window.RecordFailure(d, timedOut)
	}
	// Timeouts also go out on the failure channel; task.timeout is an extra
	// signal, not a replacement.
	m.publish(eventbus.TopicTaskFailed, j, string(job.StatusFailed), j.Attempts, d, j.LastError)
	if timedOut {
		m.publish(eventbus.TopicTaskTimeout, j, string(job.StatusFailed), j.Attempts, d, j.LastError)
	}
}
