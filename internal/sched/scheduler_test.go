package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"renderq/internal/job"
	"renderq/pkg/logx"
)

type captureQueue struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (c *captureQueue) AddJob(_ context.Context, t job.Type, payload job.Payload, opts ...job.Options) (*job.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := &job.Job{ID: job.NewID(), Type: t, Payload: payload}
	c.jobs = append(c.jobs, j)
	return j, nil
}

func (c *captureQueue) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &captureQueue{}, logx.Nop())

	tests := []struct {
		name    string
		typ     job.Type
		payload job.Payload
		expr    string
	}{
		{"bad type", job.Type("nope"), job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}, "* * * * *"},
		{"bad payload", job.TypeScriptGeneration, job.Payload{}, "* * * * *"},
		{"bad expr", job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}, "not a cron"},
		{"six fields", job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}, "* * * * * *"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Add(tc.typ, tc.payload, tc.expr); !job.IsValidation(err) {
				t.Fatalf("Add err = %v, want validation error", err)
			}
		})
	}
}

func TestAddAcceptsDescriptors(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &captureQueue{}, logx.Nop())
	id, err := s.Add(job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "daily"}, "@hourly")
	if err != nil {
		t.Fatalf("Add(@hourly): %v", err)
	}
	if id == "" {
		t.Fatal("Add returned empty schedule id")
	}
}

func TestScanMaterializesDueSchedules(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	s := New(Config{}, q, logx.Nop())

	clock := time.Date(2026, 8, 26, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if _, err := s.Add(job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "news"}, "* * * * *"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Not due yet: next run is the top of the next minute.
	s.scan(context.Background())
	if got := q.count(); got != 0 {
		t.Fatalf("jobs after early scan = %d, want 0", got)
	}

	clock = clock.Add(time.Minute)
	s.scan(context.Background())
	if got := q.count(); got != 1 {
		t.Fatalf("jobs after first due scan = %d, want 1", got)
	}

	// Same tick again: already advanced, must not fire twice.
	s.scan(context.Background())
	if got := q.count(); got != 1 {
		t.Fatalf("jobs after repeat scan = %d, want 1", got)
	}

	clock = clock.Add(time.Minute)
	s.scan(context.Background())
	if got := q.count(); got != 2 {
		t.Fatalf("jobs after second due scan = %d, want 2", got)
	}
}

func TestScanSkipsMissedOccurrences(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	s := New(Config{}, q, logx.Nop())

	clock := time.Date(2026, 8, 26, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if _, err := s.Add(job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}, "* * * * *"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Ten minutes pass without a scan. Only one occurrence fires, no burst.
	clock = clock.Add(10 * time.Minute)
	s.scan(context.Background())
	if got := q.count(); got != 1 {
		t.Fatalf("jobs after gap = %d, want 1", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	q := &captureQueue{}
	s := New(Config{}, q, logx.Nop())

	id, err := s.Add(job.TypeScriptGeneration, job.Payload{"userId": "u1", "projectId": "p1", "topic": "t"}, "* * * * *")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Remove(id) {
		t.Fatal("Remove(existing) = false, want true")
	}
	if s.Remove(id) {
		t.Fatal("Remove(removed) = true, want false")
	}
	if len(s.Snapshot()) != 0 {
		t.Fatalf("Snapshot not empty after remove: %v", s.Snapshot())
	}
}
