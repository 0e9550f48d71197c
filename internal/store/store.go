// Package store implements the durable job store boundary. The queue manager
// and worker pool only ever talk to the Store interface; drivers decide how
// jobs survive (or don't survive) process restarts.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"renderq/internal/job"
	"renderq/pkg/logx"
)

// ErrNotFound is returned by Get for an unknown job id.
var ErrNotFound = errors.New("store: job not found")

// Counts aggregates job states for one type (or for all types when merged).
type Counts struct {
	Waiting    int         `json:"waiting"`
	Delayed    int         `json:"delayed"`
	Active     int         `json:"active"`
	Completed  int         `json:"completed"`
	Failed     int         `json:"failed"`
	ByPriority map[int]int `json:"by_priority,omitempty"`
}

// Total is the sum of all state counters.
func (c Counts) Total() int {
	return c.Waiting + c.Delayed + c.Active + c.Completed + c.Failed
}

// Merge folds other into c.
func (c *Counts) Merge(other Counts) {
	c.Waiting += other.Waiting
	c.Delayed += other.Delayed
	c.Active += other.Active
	c.Completed += other.Completed
	c.Failed += other.Failed
	for p, n := range other.ByPriority {
		if c.ByPriority == nil {
			c.ByPriority = map[int]int{}
		}
		c.ByPriority[p] += n
	}
}

// Store is the job store adapter contract.
//
// DequeueReady performs an atomic dequeue-and-lock: the returned job has been
// moved to active and its attempt counter advanced; no concurrent caller can
// claim the same job. It returns (nil, nil) when no job of the type is ready.
//
// Fail with a non-zero retryAt re-enqueues the job for another attempt; a
// zero retryAt marks it permanently failed.
type Store interface {
	Enqueue(ctx context.Context, j *job.Job) error
	EnqueueDelayed(ctx context.Context, j *job.Job, readyAt time.Time) error
	DequeueReady(ctx context.Context, t job.Type) (*job.Job, error)
	Ack(ctx context.Context, id string, result any) error
	Fail(ctx context.Context, id string, jobErr string, timedOut bool, retryAt time.Time) error
	Get(ctx context.Context, t job.Type, id string) (*job.Job, error)
	Stats(ctx context.Context, t job.Type) (Counts, error)
	Close() error
}

// Config selects and configures a driver.
//
// Driver values:
//   - "memory": process-local priority structure (default; used in tests)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
