package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"renderq/internal/job"
	"renderq/internal/runtime/supervisor"
	"renderq/internal/store"
	"renderq/pkg/logx"
)

// ErrShutdown is returned by Execute and admission once Shutdown has begun.
var ErrShutdown = errors.New("worker pool shutting down")

// Handler executes one task. The context carries the effective timeout.
type Handler func(ctx context.Context, payload job.Payload) (any, error)

// Recorder receives synchronous lifecycle notifications. The queue manager
// implements it; its counters stay consistent because the pool calls these
// inline with the transition.
type Recorder interface {
	TaskAdmitted(j *job.Job)
	TaskCompleted(j *job.Job, d time.Duration)
	TaskFailed(j *job.Job, d time.Duration, timedOut, final bool)
}

type nopRecorder struct{}

func (nopRecorder) TaskAdmitted(*job.Job)                          {}
func (nopRecorder) TaskCompleted(*job.Job, time.Duration)          {}
func (nopRecorder) TaskFailed(*job.Job, time.Duration, bool, bool) {}

// ExecOptions tune a single Execute call.
type ExecOptions struct {
	// Timeout overrides the type default when shorter. Zero keeps the default.
	Timeout time.Duration
}

type typeCounters struct {
	completed uint64
	failed    uint64
	totalDur  time.Duration
}

// Pool runs tasks with per-type concurrency limits, resource-gated
// admission, and a shared GPU token. All mutable state lives behind one
// mutex; the condition variable wakes admission waiters on every release,
// resource sample, and permit change.
type Pool struct {
	cfg Config
	log logx.Logger
	st  store.Store
	rec Recorder
	mon *monitor

	mu    sync.Mutex
	cond  *sync.Cond
	sup   *supervisor.Supervisor
	wg    sync.WaitGroup
	rng   *rand.Rand
	state struct {
		started  bool
		closed   bool
		active   map[job.Type]int
		permits  map[job.Type]int
		gpuInUse int
		counters map[job.Type]*typeCounters
	}
	handlers map[job.Type]Handler
	limiters map[job.Type]*rate.Limiter

	// stopCtx ends when Shutdown gives up waiting; every in-flight run
	// context is hooked to it so caller-supplied contexts can't outlive
	// the pool.
	stopCtx    context.Context
	stopCancel context.CancelFunc

	idleTicks map[job.Type]int
	lastScale map[job.Type]time.Time

	// bounds holds the live autoscale limits per type. ApplyWorkerLimits
	// replaces entries at runtime; the rest of the config stays fixed.
	bounds map[job.Type]permitBounds
}

func NewPool(cfg Config, st store.Store, rec Recorder, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	p := &Pool{
		cfg:       cfg,
		log:       log,
		st:        st,
		rec:       rec,
		mon:       newMonitor(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		handlers:  map[job.Type]Handler{},
		limiters:  map[job.Type]*rate.Limiter{},
		idleTicks: map[job.Type]int{},
		lastScale: map[job.Type]time.Time{},
		bounds:    map[job.Type]permitBounds{},
	}
	p.cond = sync.NewCond(&p.mu)
	p.stopCtx, p.stopCancel = context.WithCancel(context.Background())
	p.state.active = map[job.Type]int{}
	p.state.permits = map[job.Type]int{}
	p.state.counters = map[job.Type]*typeCounters{}
	for t, tc := range cfg.Types {
		p.state.permits[t] = tc.BaselineWorkers
		p.state.counters[t] = &typeCounters{}
		p.bounds[t] = permitBounds{baseline: tc.BaselineWorkers, max: tc.MaxWorkers}
		if tc.RateLimit > 0 {
			p.limiters[t] = rate.NewLimiter(tc.RateLimit, tc.RateBurst)
		}
	}
	return p
}

// RegisterHandler binds the executor for a task type. Replacing a handler is
// allowed; dispatch picks up the new one on the next task.
func (p *Pool) RegisterHandler(t job.Type, h Handler) {
	p.mu.Lock()
	p.handlers[t] = h
	p.mu.Unlock()
}

// Start launches the dispatch loops, the resource monitor, and the
// autoscaler under the supervisor. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.state.started {
		p.mu.Unlock()
		return
	}
	p.state.started = true
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	sup := p.sup
	p.mu.Unlock()

	sup.Go0("worker.monitor", func(ctx context.Context) {
		ticker := time.NewTicker(p.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.mon.Sample()
				p.cond.Broadcast()
			}
		}
	})
	sup.Go0("worker.autoscale", p.autoscale)

	for t, tc := range p.cfg.Types {
		t, tc := t, tc
		sup.GoRestart("worker.dispatch."+string(t), func(ctx context.Context) error {
			return p.dispatch(ctx, t, tc)
		})
	}
	p.log.Info("worker pool started",
		logx.Int("types", len(p.cfg.Types)),
		logx.Int("gpu_tokens", p.cfg.GPUTokens),
	)
}

// Execute runs a task synchronously through the same admission path as store
// dispatch. An unknown type fails before any admission side effects.
func (p *Pool) Execute(ctx context.Context, t job.Type, payload job.Payload, opts ...ExecOptions) (any, error) {
	tc, ok := p.cfg.Types[t]
	if !ok || !job.Known(t) {
		return nil, job.NewUnknownTaskType(t)
	}
	if err := job.ValidatePayload(t, payload); err != nil {
		return nil, err
	}

	var opt ExecOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	timeout := tc.DefaultTimeout
	if opt.Timeout > 0 && opt.Timeout < timeout {
		timeout = opt.Timeout
	}

	if err := p.acquire(ctx, t, tc); err != nil {
		return nil, err
	}
	p.wg.Add(1)
	defer p.wg.Done()
	defer p.release(t, tc.GPURequired)

	now := time.Now()
	j := &job.Job{
		ID:          job.NewID(),
		Type:        t,
		Payload:     payload,
		Status:      job.StatusActive,
		Attempts:    1,
		MaxAttempts: 1,
		UserID:      payload.UserID(),
		CreatedAt:   now,
		StartedAt:   &now,
	}
	p.rec.TaskAdmitted(j)

	res, err := p.runHandler(ctx, t, payload, timeout)
	d := time.Since(now)
	if err != nil {
		j.LastError = err.Error()
		j.TimedOut = job.IsTimeout(err)
		p.recordOutcome(t, d, false)
		p.rec.TaskFailed(j, d, j.TimedOut, true)
		return nil, err
	}
	j.Result = res
	p.recordOutcome(t, d, true)
	p.rec.TaskCompleted(j, d)
	return res, nil
}

// acquire blocks until a slot, resource headroom, GPU token, and rate limit
// all clear, or the context ends.
func (p *Pool) acquire(ctx context.Context, t job.Type, tc TypeConfig) error {
	if lim := p.limiter(t); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, p.cond.Broadcast)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.state.closed {
			return ErrShutdown
		}
		if p.admissibleLocked(t, tc) {
			p.state.active[t]++
			if tc.GPURequired {
				p.state.gpuInUse++
			}
			return nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) limiter(t job.Type) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limiters[t]
}

// admissibleLocked is the single admission predicate: slot within the
// effective limit, resource headroom, and a free GPU token when required.
func (p *Pool) admissibleLocked(t job.Type, tc TypeConfig) bool {
	limit := tc.MaxConcurrent
	if perm := p.state.permits[t]; perm < limit {
		limit = perm
	}
	if p.state.active[t] >= limit {
		return false
	}

	u := p.mon.Usage()
	cpuGate := tc.CPUThreshold
	memGate := float64(tc.MemoryLimit)
	if tc.Weight == WeightHeavy {
		// Heavy tasks need more headroom than the nominal thresholds.
		cpuGate *= 0.9
		memGate *= 0.9
	}
	if cpuGate > 0 && u.CPUPercent > cpuGate {
		return false
	}
	if memGate > 0 && float64(u.HeapInuse) > memGate {
		return false
	}

	if tc.GPURequired && p.state.gpuInUse >= p.cfg.GPUTokens {
		return false
	}
	return true
}

func (p *Pool) release(t job.Type, gpu bool) {
	p.mu.Lock()
	if p.state.active[t] > 0 {
		p.state.active[t]--
	}
	if gpu && p.state.gpuInUse > 0 {
		p.state.gpuInUse--
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// runHandler executes the registered handler with the effective timeout. On
// timeout the caller gets the error immediately; the handler goroutine is
// left to observe its cancelled context and unwind.
func (p *Pool) runHandler(ctx context.Context, t job.Type, payload job.Payload, timeout time.Duration) (any, error) {
	p.mu.Lock()
	h := p.handlers[t]
	p.mu.Unlock()
	if h == nil {
		return nil, job.WrapHandler(t, errors.New("no handler registered"))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	unhook := context.AfterFunc(p.stopCtx, cancel)
	defer unhook()

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := h(runCtx, payload)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				return nil, job.NewTimeout(t, "task %s timed out after %s", t, timeout)
			}
			return nil, job.WrapHandler(t, o.err)
		}
		return o.res, nil
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, job.NewTimeout(t, "task %s timed out after %s", t, timeout)
		}
		return nil, runCtx.Err()
	}
}

func (p *Pool) recordOutcome(t job.Type, d time.Duration, ok bool) {
	p.mu.Lock()
	c := p.state.counters[t]
	if c == nil {
		c = &typeCounters{}
		p.state.counters[t] = c
	}
	if ok {
		c.completed++
	} else {
		c.failed++
	}
	c.totalDur += d
	p.mu.Unlock()
}

// Shutdown stops intake, waits up to the grace period for in-flight tasks,
// then cancels their contexts and waits for the loops to exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state.closed {
		sup := p.sup
		p.mu.Unlock()
		if sup != nil {
			return sup.Wait(ctx)
		}
		return nil
	}
	p.state.closed = true
	sup := p.sup
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("shutdown grace elapsed, cancelling in-flight tasks")
	case <-ctx.Done():
	}
	p.stopCancel()

	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}
