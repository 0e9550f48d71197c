package store

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"renderq/internal/job"
)

// waitingHeap orders waiting jobs by priority (desc), then createdAt (asc).
// Readiness is checked at dequeue time, not encoded in the heap order.
type waitingHeap []*job.Job

func (h waitingHeap) Len() int { return len(h) }
func (h waitingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h waitingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitingHeap) Push(x any) { *h = append(*h, x.(*job.Job)) }

func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Memory is the process-local store driver. All mutations happen under one
// mutex; DequeueReady is therefore an exactly-once claim.
type Memory struct {
	mu      sync.Mutex
	waiting map[job.Type]*waitingHeap
	byID    map[string]*job.Job
}

func NewMemory() *Memory {
	return &Memory{
		waiting: make(map[job.Type]*waitingHeap),
		byID:    make(map[string]*job.Job),
	}
}

func (m *Memory) heapFor(t job.Type) *waitingHeap {
	h := m.waiting[t]
	if h == nil {
		h = &waitingHeap{}
		heap.Init(h)
		m.waiting[t] = h
	}
	return h
}

func (m *Memory) Enqueue(_ context.Context, j *job.Job) error {
	return m.enqueue(j, j.CreatedAt)
}

func (m *Memory) EnqueueDelayed(_ context.Context, j *job.Job, readyAt time.Time) error {
	return m.enqueue(j, readyAt)
}

func (m *Memory) enqueue(j *job.Job, readyAt time.Time) error {
	cp := *j
	cp.ReadyAt = readyAt
	cp.Status = job.StatusWaiting

	m.mu.Lock()
	m.byID[cp.ID] = &cp
	heap.Push(m.heapFor(cp.Type), &cp)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DequeueReady(_ context.Context, t job.Type) (*job.Job, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.heapFor(t)

	// Pop in priority order; park anything whose delay has not elapsed and
	// push it back afterwards.
	var parked []*job.Job
	var claimed *job.Job
	for h.Len() > 0 {
		j := heap.Pop(h).(*job.Job)
		if j.ReadyAt.After(now) {
			parked = append(parked, j)
			continue
		}
		claimed = j
		break
	}
	for _, j := range parked {
		heap.Push(h, j)
	}
	if claimed == nil {
		return nil, nil
	}

	claimed.Status = job.StatusActive
	claimed.Attempts++
	started := now
	claimed.StartedAt = &started

	cp := *claimed
	return &cp, nil
}

func (m *Memory) Ack(_ context.Context, id string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = job.StatusCompleted
	j.Result = result
	now := time.Now()
	j.FinishedAt = &now
	return nil
}

func (m *Memory) Fail(_ context.Context, id string, jobErr string, timedOut bool, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	j.LastError = jobErr
	j.TimedOut = timedOut

	if retryAt.IsZero() {
		j.Status = job.StatusFailed
		now := time.Now()
		j.FinishedAt = &now
		return nil
	}

	j.Status = job.StatusWaiting
	j.ReadyAt = retryAt
	j.StartedAt = nil
	heap.Push(m.heapFor(j.Type), j)
	return nil
}

func (m *Memory) Get(_ context.Context, t job.Type, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.byID[id]
	if !ok || j.Type != t {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) Stats(_ context.Context, t job.Type) (Counts, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	c := Counts{ByPriority: map[int]int{}}
	for _, j := range m.byID {
		if j.Type != t {
			continue
		}
		switch j.Status {
		case job.StatusWaiting:
			if j.ReadyAt.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
				c.ByPriority[j.Priority]++
			}
		case job.StatusActive:
			c.Active++
		case job.StatusCompleted:
			c.Completed++
		case job.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *Memory) Close() error { return nil }
