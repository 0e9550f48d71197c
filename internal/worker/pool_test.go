package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"renderq/internal/job"
	"renderq/internal/store"
	"renderq/pkg/logx"
)

func testConfig(types map[job.Type]TypeConfig) Config {
	return Config{
		Types:        types,
		PollInterval: 10 * time.Millisecond,
		Retry:        RetryConfig{Base: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func TestExecuteUnknownType(t *testing.T) {
	t.Parallel()
	p := NewPool(testConfig(nil), store.NewMemory(), nil, logx.Nop())

	_, err := p.Execute(context.Background(), job.Type("bogus"), job.Payload{"x": "y"})
	if !job.IsKind(err, job.KindUnknownTaskType) {
		t.Fatalf("Execute err = %v, want unknown-task-type", err)
	}
	if got := p.Stats().BusyWorkers; got != 0 {
		t.Fatalf("BusyWorkers = %d after rejected task, want 0", got)
	}
}

func TestExecuteRunsHandler(t *testing.T) {
	t.Parallel()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 2},
	})
	p := NewPool(cfg, store.NewMemory(), nil, logx.Nop())
	p.RegisterHandler(job.TypeScriptGeneration, func(_ context.Context, pl job.Payload) (any, error) {
		return "script for " + pl["topic"].(string), nil
	})

	res, err := p.Execute(context.Background(), job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "bees"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res != "script for bees" {
		t.Fatalf("result = %v", res)
	}
	s := p.Stats()
	if s.TasksCompleted != 1 || s.BusyWorkers != 0 {
		t.Fatalf("Stats = %+v", s)
	}
}

func TestExecuteSerializesAtMaxConcurrentOne(t *testing.T) {
	t.Parallel()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 1, BaselineWorkers: 1, MaxWorkers: 1},
	})
	p := NewPool(cfg, store.NewMemory(), nil, logx.Nop())

	var inFlight, maxSeen atomic.Int32
	p.RegisterHandler(job.TypeScriptGeneration, func(context.Context, job.Payload) (any, error) {
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Execute(context.Background(), job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent executions = %d, want 1", got)
	}
}

func TestExecuteTimeoutReleasesSlot(t *testing.T) {
	t.Parallel()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 1},
	})
	p := NewPool(cfg, store.NewMemory(), nil, logx.Nop())
	p.RegisterHandler(job.TypeScriptGeneration, func(ctx context.Context, pl job.Payload) (any, error) {
		if pl["block"] == true {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})

	_, err := p.Execute(context.Background(), job.TypeScriptGeneration,
		job.Payload{"userId": "u1", "projectId": "p1", "topic": "t", "block": true}, ExecOptions{Timeout: 30 * time.Millisecond})
	if !job.IsTimeout(err) {
		t.Fatalf("Execute err = %v, want timeout", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := p.Execute(ctx, job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"})
	if err != nil {
		t.Fatalf("Execute after timeout: %v (slot not released?)", err)
	}
	if res != "ok" {
		t.Fatalf("result = %v", res)
	}
}

func TestGPUTokenSerializesAcrossTypes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeVideoGeneration: {MaxConcurrent: 4, GPURequired: true},
		job.TypeImageGeneration: {MaxConcurrent: 4, GPURequired: true},
	})
	cfg.GPUTokens = 1
	p := NewPool(cfg, store.NewMemory(), nil, logx.Nop())

	var onGPU, maxSeen atomic.Int32
	handler := func(context.Context, job.Payload) (any, error) {
		n := onGPU.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		onGPU.Add(-1)
		return nil, nil
	}
	p.RegisterHandler(job.TypeVideoGeneration, handler)
	p.RegisterHandler(job.TypeImageGeneration, handler)

	var wg sync.WaitGroup
	payloads := []struct {
		t  job.Type
		pl job.Payload
	}{
		{job.TypeVideoGeneration, job.Payload{"userId": "u", "projectId": "p", "prompt": "a"}},
		{job.TypeImageGeneration, job.Payload{"userId": "u1", "projectId": "p1", "prompt": "b"}},
		{job.TypeVideoGeneration, job.Payload{"userId": "u", "projectId": "p", "prompt": "c"}},
		{job.TypeImageGeneration, job.Payload{"userId": "u1", "projectId": "p1", "prompt": "d"}},
	}
	for _, c := range payloads {
		wg.Add(1)
		go func(ty job.Type, pl job.Payload) {
			defer wg.Done()
			if _, err := p.Execute(context.Background(), ty, pl); err != nil {
				t.Errorf("Execute(%s): %v", ty, err)
			}
		}(c.t, c.pl)
	}
	wg.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Fatalf("max simultaneous GPU tasks = %d, want 1", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{Retry: RetryConfig{Base: 500 * time.Millisecond, MaxDelay: 15 * time.Second, Jitter: 0.2}}, store.NewMemory(), nil, logx.Nop())

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.backoffDelay(attempt)
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %s", attempt, d)
		}
		if d > 15*time.Second {
			t.Fatalf("attempt %d: delay %s above cap", attempt, d)
		}
	}
	// First retry stays near the base even with jitter.
	if d := p.backoffDelay(1); d < 300*time.Millisecond || d > 700*time.Millisecond {
		t.Fatalf("first delay %s outside jittered base range", d)
	}
}

func TestAutoscalePermitBounds(t *testing.T) {
	t.Parallel()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 8, BaselineWorkers: 2, MaxWorkers: 6},
	})
	p := NewPool(cfg, store.NewMemory(), nil, logx.Nop())

	p.setPermits(job.TypeScriptGeneration, 100)
	if got := p.Stats().ByType[job.TypeScriptGeneration].Permits; got != 6 {
		t.Fatalf("permits after over-set = %d, want clamp to 6", got)
	}
	p.setPermits(job.TypeScriptGeneration, 0)
	if got := p.Stats().ByType[job.TypeScriptGeneration].Permits; got != 2 {
		t.Fatalf("permits after under-set = %d, want clamp to baseline 2", got)
	}
}

func TestApplyWorkerLimits(t *testing.T) {
	t.Parallel()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 8, BaselineWorkers: 2, MaxWorkers: 6},
	})
	p := NewPool(cfg, store.NewMemory(), nil, logx.Nop())
	p.setPermits(job.TypeScriptGeneration, 6)

	p.ApplyWorkerLimits(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 8, BaselineWorkers: 1, MaxWorkers: 3},
	})
	if got := p.Stats().ByType[job.TypeScriptGeneration].Permits; got != 3 {
		t.Fatalf("permits after lowering MaxWorkers = %d, want clamp to 3", got)
	}

	// setPermits clamps against the reloaded bounds, not the originals.
	p.setPermits(job.TypeScriptGeneration, 0)
	if got := p.Stats().ByType[job.TypeScriptGeneration].Permits; got != 1 {
		t.Fatalf("permits after under-set = %d, want new baseline 1", got)
	}
	p.setPermits(job.TypeScriptGeneration, 100)
	if got := p.Stats().ByType[job.TypeScriptGeneration].Permits; got != 3 {
		t.Fatalf("permits after over-set = %d, want new cap 3", got)
	}

	// Types the pool does not run are ignored.
	p.ApplyWorkerLimits(map[job.Type]TypeConfig{
		job.TypeAudioSynthesis: {BaselineWorkers: 4, MaxWorkers: 4},
	})
	if _, ok := p.Stats().ByType[job.TypeAudioSynthesis]; ok {
		t.Fatal("pool grew a type entry from a reload for a type it does not run")
	}
}

func TestShutdownCancelsInFlightExecute(t *testing.T) {
	t.Parallel()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 1},
	})
	cfg.ShutdownGrace = 20 * time.Millisecond
	p := NewPool(cfg, store.NewMemory(), nil, logx.Nop())

	started := make(chan struct{})
	p.RegisterHandler(job.TypeScriptGeneration, func(ctx context.Context, _ job.Payload) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errc := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), job.TypeScriptGeneration,
			job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"})
		errc <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Execute returned nil after shutdown cancelled its context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute still blocked after shutdown")
	}
}

func TestScaleTypeBacklogAndIdle(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 8, BaselineWorkers: 1, MaxWorkers: 3},
	})
	cfg.ScaleUpCooldown = time.Nanosecond
	cfg.IdleDownAfter = 1
	p := NewPool(cfg, mem, nil, logx.Nop())
	tc := p.cfg.Types[job.TypeScriptGeneration]
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := &job.Job{
			ID: job.NewID(), Type: job.TypeScriptGeneration,
			Payload: job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}, Status: job.StatusWaiting,
			MaxAttempts: 1, CreatedAt: time.Now(), ReadyAt: time.Now(),
		}
		if err := mem.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	u := Usage{}
	for i := 0; i < 10; i++ {
		p.scaleType(ctx, job.TypeScriptGeneration, tc, u)
		time.Sleep(time.Millisecond)
	}
	if got := p.Stats().ByType[job.TypeScriptGeneration].Permits; got != 3 {
		t.Fatalf("permits under backlog = %d, want cap at MaxWorkers 3", got)
	}

	// Drain the backlog, then idle ticks walk permits back to baseline.
	for {
		j, err := mem.DequeueReady(ctx, job.TypeScriptGeneration)
		if err != nil {
			t.Fatalf("DequeueReady: %v", err)
		}
		if j == nil {
			break
		}
		if err := mem.Ack(ctx, j.ID, nil); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		p.scaleType(ctx, job.TypeScriptGeneration, tc, u)
	}
	if got := p.Stats().ByType[job.TypeScriptGeneration].Permits; got != 1 {
		t.Fatalf("permits after idle = %d, want baseline 1", got)
	}
}

type captureRecorder struct {
	completed chan *job.Job
	failed    chan *job.Job
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{
		completed: make(chan *job.Job, 16),
		failed:    make(chan *job.Job, 16),
	}
}

func (r *captureRecorder) TaskAdmitted(*job.Job) {}
func (r *captureRecorder) TaskCompleted(j *job.Job, _ time.Duration) {
	r.completed <- j
}
func (r *captureRecorder) TaskFailed(j *job.Job, _ time.Duration, _, final bool) {
	if final {
		r.failed <- j
	}
}

func TestDispatchCompletesStoreJob(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	rec := newCaptureRecorder()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 2},
	})
	p := NewPool(cfg, mem, rec, logx.Nop())
	p.RegisterHandler(job.TypeScriptGeneration, func(context.Context, job.Payload) (any, error) {
		return "done", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := &job.Job{
		ID: job.NewID(), Type: job.TypeScriptGeneration,
		Payload: job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}, Status: job.StatusWaiting,
		MaxAttempts: 3, CreatedAt: time.Now(), ReadyAt: time.Now(),
	}
	if err := mem.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.Start(ctx)
	defer p.Shutdown(context.Background())

	select {
	case got := <-rec.completed:
		if got.ID != j.ID {
			t.Fatalf("completed job %s, want %s", got.ID, j.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch completion")
	}

	stored, err := mem.Get(ctx, job.TypeScriptGeneration, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != job.StatusCompleted {
		t.Fatalf("stored status = %s, want %s", stored.Status, job.StatusCompleted)
	}
}

func TestDispatchRetriesUntilMaxAttempts(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	rec := newCaptureRecorder()
	cfg := testConfig(map[job.Type]TypeConfig{
		job.TypeScriptGeneration: {MaxConcurrent: 2},
	})
	p := NewPool(cfg, mem, rec, logx.Nop())

	var calls atomic.Int32
	p.RegisterHandler(job.TypeScriptGeneration, func(context.Context, job.Payload) (any, error) {
		calls.Add(1)
		return nil, errors.New("render backend unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := &job.Job{
		ID: job.NewID(), Type: job.TypeScriptGeneration,
		Payload: job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}, Status: job.StatusWaiting,
		MaxAttempts: 2, CreatedAt: time.Now(), ReadyAt: time.Now(),
	}
	if err := mem.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.Start(ctx)
	defer p.Shutdown(context.Background())

	select {
	case got := <-rec.failed:
		if got.ID != j.ID {
			t.Fatalf("failed job %s, want %s", got.ID, j.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final failure")
	}

	if n := calls.Load(); n != 2 {
		t.Fatalf("handler calls = %d, want 2", n)
	}
	stored, err := mem.Get(ctx, job.TypeScriptGeneration, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != job.StatusFailed || stored.Attempts != 2 {
		t.Fatalf("stored job = %+v, want failed after 2 attempts", stored)
	}
}
