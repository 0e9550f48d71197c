// Package sched materializes recurring job templates into queue entries on a
// cron cadence.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"renderq/internal/job"
	"renderq/pkg/logx"
)

// parser accepts standard 5-field expressions plus @hourly-style descriptors.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Enqueuer is the slice of the queue manager the scheduler needs.
type Enqueuer interface {
	AddJob(ctx context.Context, t job.Type, payload job.Payload, opts ...job.Options) (*job.Job, error)
}

// Schedule is one recurring template.
type Schedule struct {
	ID        string      `json:"id"`
	Type      job.Type    `json:"type"`
	Payload   job.Payload `json:"payload"`
	Expr      string      `json:"expr"`
	Options   job.Options `json:"options"`
	CreatedAt time.Time   `json:"createdAt"`
	NextRunAt time.Time   `json:"nextRunAt"`
	Runs      uint64      `json:"runs"`

	spec cron.Schedule
}

// Config tunes the scheduler loop.
type Config struct {
	// Tick is the scan interval. Defaults to one second.
	Tick time.Duration
}

// Scheduler scans its table once per tick and enqueues every schedule whose
// next-run time has arrived. A single goroutine owns the scan, so two ticks
// never materialize the same occurrence twice.
type Scheduler struct {
	cfg Config
	log logx.Logger
	q   Enqueuer

	mu    sync.Mutex
	table map[string]*Schedule

	now func() time.Time
}

func New(cfg Config, q Enqueuer, log logx.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:   cfg,
		log:   log,
		q:     q,
		table: map[string]*Schedule{},
		now:   time.Now,
	}
}

// Add registers a recurring template and returns its schedule id. The cron
// expression and the job template are validated up front; the first
// materialization happens at the expression's next firing after now.
func (s *Scheduler) Add(t job.Type, payload job.Payload, expr string, opts ...job.Options) (string, error) {
	if !job.Known(t) {
		return "", job.NewValidation("invalid job type: %s", t)
	}
	if err := job.ValidatePayload(t, payload); err != nil {
		return "", err
	}
	spec, err := parser.Parse(expr)
	if err != nil {
		return "", job.NewValidation("invalid cron expression %q: %v", expr, err)
	}

	var opt job.Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	now := s.now()
	sc := &Schedule{
		ID:        job.NewScheduleID(),
		Type:      t,
		Payload:   payload,
		Expr:      expr,
		Options:   opt,
		CreatedAt: now,
		NextRunAt: spec.Next(now),
		spec:      spec,
	}

	s.mu.Lock()
	s.table[sc.ID] = sc
	s.mu.Unlock()

	s.log.Info("schedule added",
		logx.String("schedule_id", sc.ID),
		logx.String("type", string(t)),
		logx.String("expr", expr),
		logx.Time("next_run", sc.NextRunAt),
	)
	return sc.ID, nil
}

// Remove unregisters a schedule. Returns false when the id is unknown;
// removing twice is not an error.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.table[id]
	delete(s.table, id)
	s.mu.Unlock()
	if ok {
		s.log.Info("schedule removed", logx.String("schedule_id", id))
	}
	return ok
}

// Snapshot returns a copy of every registered schedule.
func (s *Scheduler) Snapshot() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.table))
	for _, sc := range s.table {
		out = append(out, *sc)
	}
	return out
}

// Run drives the scan loop until ctx is cancelled. Intended to be launched
// under the process supervisor.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan enqueues every due schedule exactly once. The next-run time is always
// advanced past now, so a scheduler that fell behind does not emit a burst of
// stale occurrences.
func (s *Scheduler) scan(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Schedule
	for _, sc := range s.table {
		if !sc.NextRunAt.After(now) {
			due = append(due, sc)
			sc.NextRunAt = sc.spec.Next(now)
			sc.Runs++
		}
	}
	s.mu.Unlock()

	for _, sc := range due {
		j, err := s.q.AddJob(ctx, sc.Type, sc.Payload, sc.Options)
		if err != nil {
			s.log.Error("scheduled enqueue failed",
				logx.String("schedule_id", sc.ID),
				logx.String("type", string(sc.Type)),
				logx.Err(err),
			)
			continue
		}
		s.log.Debug("schedule fired",
			logx.String("schedule_id", sc.ID),
			logx.String("job_id", j.ID),
		)
	}
}
