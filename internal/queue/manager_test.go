package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"renderq/internal/eventbus"
	"renderq/internal/job"
	"renderq/internal/store"
	"renderq/pkg/logx"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{Capacity: 4}, store.NewMemory(), logx.Nop(), eventbus.New())
}

func TestAddJobValidation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     job.Type
		payload job.Payload
	}{
		{"unknown type", job.Type("bogus"), job.Payload{"userId": "u1"}},
		{"missing field", job.TypeVideoGeneration, job.Payload{"userId": "u1"}},
		{"blank field", job.TypeScriptGeneration, job.Payload{"topic": "  "}},
		{"nil payload", job.TypeAudioSynthesis, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.AddJob(ctx, tc.typ, tc.payload); !job.IsValidation(err) {
				t.Fatalf("AddJob(%s) err = %v, want validation error", tc.typ, err)
			}
		})
	}
}

func TestAddJobAndGet(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	j, err := m.AddJob(ctx, job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "volcanoes"}, job.Options{Priority: 7})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if j.ID == "" || j.Status != job.StatusWaiting || j.Priority != 7 {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.UserID != "u1" {
		t.Fatalf("UserID = %q, want u1", j.UserID)
	}

	got, err := m.Get(ctx, job.TypeScriptGeneration, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != j.ID || got.Status != job.StatusWaiting {
		t.Fatalf("Get returned %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	_, err := m.Get(context.Background(), job.TypeScriptGeneration, "missing-id")
	if !job.IsNotFound(err) {
		t.Fatalf("Get err = %v, want not-found", err)
	}
}

func TestAddDelayedJob(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	j, err := m.AddDelayedJob(ctx, job.TypeImageGeneration, job.Payload{"userId": "u1", "projectId": "p1", "prompt": "sunset"}, time.Hour)
	if err != nil {
		t.Fatalf("AddDelayedJob: %v", err)
	}
	got, err := m.Get(ctx, job.TypeImageGeneration, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusDelayed {
		t.Fatalf("Status = %s, want %s", got.Status, job.StatusDelayed)
	}

	// The delayed job must not be handed out for dispatch yet.
	ready, err := m.Store().DequeueReady(ctx, job.TypeImageGeneration)
	if err != nil {
		t.Fatalf("DequeueReady: %v", err)
	}
	if ready != nil {
		t.Fatalf("DequeueReady returned %+v, want nil for delayed job", ready)
	}

	if _, err := m.AddDelayedJob(ctx, job.TypeImageGeneration, job.Payload{"userId": "u1", "projectId": "p1", "prompt": "x"}, -time.Second); !job.IsValidation(err) {
		t.Fatalf("negative delay err = %v, want validation error", err)
	}
}

func TestQueueStatsAndJobStats(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.AddJob(ctx, job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}
	if _, err := m.AddJob(ctx, job.TypeImageGeneration, job.Payload{"userId": "u2", "projectId": "p2", "prompt": "p"}, job.Options{Priority: 5}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	qs, err := m.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if qs.Waiting != 4 || qs.Total != 4 {
		t.Fatalf("QueueStats = %+v, want 4 waiting", qs)
	}
	if qs.ByType[job.TypeScriptGeneration] != 3 || qs.ByType[job.TypeImageGeneration] != 1 {
		t.Fatalf("ByType = %v", qs.ByType)
	}
	if qs.ByPriority[5] != 1 {
		t.Fatalf("ByPriority = %v", qs.ByPriority)
	}

	js := m.JobStats()
	if js.Total != 4 || js.ByUser["u1"] != 3 || js.ByType[job.TypeScriptGeneration] != 3 {
		t.Fatalf("JobStats = %+v", js)
	}
}

func TestTransitionRecording(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	j := &job.Job{ID: "j1", Type: job.TypeScriptGeneration, Attempts: 1}

	m.TaskAdmitted(j)
	if got := m.JobStats().Active; got != 1 {
		t.Fatalf("Active = %d, want 1", got)
	}
	m.TaskCompleted(j, 120*time.Millisecond)
	js := m.JobStats()
	if js.Active != 0 || js.Completed != 1 {
		t.Fatalf("after completion JobStats = %+v", js)
	}

	m.TaskAdmitted(j)
	m.TaskFailed(j, 50*time.Millisecond, false, false) // retryable, not counted
	if got := m.JobStats().Failed; got != 0 {
		t.Fatalf("Failed after retryable = %d, want 0", got)
	}
	m.TaskAdmitted(j)
	m.TaskFailed(j, 50*time.Millisecond, true, true)
	if got := m.JobStats().Failed; got != 1 {
		t.Fatalf("Failed after final = %d, want 1", got)
	}

	pm := m.PerformanceMetrics()
	if pm.JobsProcessed != 2 {
		t.Fatalf("JobsProcessed = %d, want 2", pm.JobsProcessed)
	}
	if pm.ErrorRate <= 0 {
		t.Fatalf("ErrorRate = %v, want > 0", pm.ErrorRate)
	}
}

func TestHealthReportsStoreError(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{}, failingStore{}, logx.Nop(), nil)
	h := m.Health(context.Background())
	if h.Status != HealthError {
		t.Fatalf("Status = %s, want %s", h.Status, HealthError)
	}
}

func TestHealthHealthyWhenIdle(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	h := m.Health(context.Background())
	if h.Status != HealthHealthy {
		t.Fatalf("Status = %s, want %s", h.Status, HealthHealthy)
	}
	if len(h.Queues) != len(job.Types()) {
		t.Fatalf("Queues has %d entries, want %d", len(h.Queues), len(job.Types()))
	}
}

func TestHealthUnhealthyWhenQueueSaturated(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{SaturationDepth: 2}, store.NewMemory(), logx.Nop(), eventbus.New())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.AddJob(ctx, job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}

	h := m.Health(ctx)
	if h.Status != HealthUnhealthy {
		t.Fatalf("Status = %s, want %s", h.Status, HealthUnhealthy)
	}
	if q := h.Queues[job.TypeScriptGeneration]; !q.Saturated || q.Waiting != 3 {
		t.Fatalf("QueueHealth = %+v, want saturated with 3 waiting", q)
	}
}

func TestTimedOutFailurePublishesBothTopics(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := NewManager(Config{}, store.NewMemory(), logx.Nop(), bus)
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	j := &job.Job{ID: "j1", Type: job.TypeVideoGeneration, Attempts: 3, LastError: "render timed out"}
	m.TaskAdmitted(j)
	m.TaskFailed(j, time.Second, true, true)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			seen[e.Type] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", seen)
		}
	}
	if !seen[eventbus.TopicTaskFailed] || !seen[eventbus.TopicTaskTimeout] {
		t.Fatalf("events = %v, want both %s and %s", seen, eventbus.TopicTaskFailed, eventbus.TopicTaskTimeout)
	}
}

func TestCloseStopsAdmission(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	m.Close()
	if _, err := m.AddJob(context.Background(), job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddJob after Close err = %v, want ErrClosed", err)
	}
}

// failingStore reports an outage on every call.
type failingStore struct{}

var errDown = errors.New("store down")

func (failingStore) Enqueue(context.Context, *job.Job) error { return errDown }
func (failingStore) EnqueueDelayed(context.Context, *job.Job, time.Time) error {
	return errDown
}
func (failingStore) DequeueReady(context.Context, job.Type) (*job.Job, error) {
	return nil, errDown
}
func (failingStore) Ack(context.Context, string, any) error { return errDown }
func (failingStore) Fail(context.Context, string, string, bool, time.Time) error {
	return errDown
}
func (failingStore) Get(context.Context, job.Type, string) (*job.Job, error) {
	return nil, errDown
}
func (failingStore) Stats(context.Context, job.Type) (store.Counts, error) {
	return store.Counts{}, errDown
}
func (failingStore) Close() error { return nil }
