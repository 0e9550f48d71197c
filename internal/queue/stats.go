package queue

import (
	"context"
	"time"

	"renderq/internal/job"
)

// QueueStats is the store-derived view across every typed queue, recomputed
// from the store on each call.
type QueueStats struct {
	Total      int              `json:"total"`
	Waiting    int              `json:"waiting"`
	Delayed    int              `json:"delayed"`
	Active     int              `json:"active"`
	Completed  int              `json:"completed"`
	Failed     int              `json:"failed"`
	ByPriority map[int]int      `json:"byPriority"`
	ByType     map[job.Type]int `json:"byType"`
}

// JobStats is the in-process view, maintained synchronously on transitions.
// It stays available when the store is unreachable.
type JobStats struct {
	Total      uint64              `json:"total"`
	Active     int                 `json:"active"`
	Completed  uint64              `json:"completed"`
	Failed     uint64              `json:"failed"`
	ByType     map[job.Type]uint64 `json:"byType"`
	ByUser     map[string]uint64   `json:"byUser"`
	ByPriority map[int]uint64      `json:"byPriority"`
}

// PerformanceMetrics summarizes the trailing metrics window.
type PerformanceMetrics struct {
	Window              time.Duration `json:"window"`
	JobsProcessed       uint64        `json:"jobsProcessed"`
	AvgProcessingTime   time.Duration `json:"avgProcessingTime"`
	TotalProcessingTime time.Duration `json:"totalProcessingTime"`
	ErrorRate           float64       `json:"errorRate"`
	Throughput          float64       `json:"throughput"`
	QueueUtilization    float64       `json:"queueUtilization"`
}

// HealthStatus values, ordered from best to worst.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthError     = "error"
)

// QueueHealth describes a single typed queue inside a health report.
type QueueHealth struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Saturated bool `json:"saturated"`
}

// Health is the aggregated health report.
type Health struct {
	Status    string                   `json:"status"`
	Detail    string                   `json:"detail,omitempty"`
	ErrorRate float64                  `json:"errorRate"`
	Queues    map[job.Type]QueueHealth `json:"queues,omitempty"`
	CheckedAt time.Time                `json:"checkedAt"`
}

// QueueStats recomputes queue counts from the store across all known types.
func (m *Manager) QueueStats(ctx context.Context) (QueueStats, error) {
	out := QueueStats{
		ByPriority: map[int]int{},
		ByType:     map[job.Type]int{},
	}
	for _, t := range job.Types() {
		c, err := m.st.Stats(ctx, t)
		m.noteStore(err)
		if err != nil {
			return QueueStats{}, err
		}
		out.Waiting += c.Waiting
		out.Delayed += c.Delayed
		out.Active += c.Active
		out.Completed += c.Completed
		out.Failed += c.Failed
		out.ByType[t] = c.Total()
		for p, n := range c.ByPriority {
			out.ByPriority[p] += n
		}
	}
	out.Total = out.Waiting + out.Delayed + out.Active + out.Completed + out.Failed
	return out, nil
}

// JobStats returns a copy of the in-process counters.
func (m *Manager) JobStats() JobStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := JobStats{
		Total:      m.total,
		Active:     m.active,
		Completed:  m.completed,
		Failed:     m.failed,
		ByType:     make(map[job.Type]uint64, len(m.byType)),
		ByUser:     make(map[string]uint64, len(m.byUser)),
		ByPriority: make(map[int]uint64, len(m.byPriority)),
	}
	for k, v := range m.byType {
		s.ByType[k] = v
	}
	for k, v := range m.byUser {
		s.ByUser[k] = v
	}
	for k, v := range m.byPriority {
		s.ByPriority[k] = v
	}
	return s
}

// PerformanceMetrics summarizes throughput, latency and error rate over the
// trailing window, plus slot utilization against the configured capacity.
func (m *Manager) PerformanceMetrics() PerformanceMetrics {
	snap := m.window.Snapshot()
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	util := float64(active) / float64(m.cfg.Capacity)
	if util > 1 {
		util = 1
	}
	return PerformanceMetrics{
		Window:              snap.Span,
		JobsProcessed:       snap.LifetimeCompleted + snap.LifetimeFailed,
		AvgProcessingTime:   snap.AvgDuration(),
		TotalProcessingTime: snap.TotalDur,
		ErrorRate:           snap.ErrorRate(),
		Throughput:          snap.Throughput(),
		QueueUtilization:    util,
	}
}

// Health derives an aggregate status. Store connectivity failures surface as
// status "error" rather than a returned error.
func (m *Manager) Health(ctx context.Context) Health {
	h := Health{
		Status:    HealthHealthy,
		Queues:    map[job.Type]QueueHealth{},
		CheckedAt: time.Now(),
	}
	snap := m.window.Snapshot()
	h.ErrorRate = snap.ErrorRate()

	for _, t := range job.Types() {
		c, err := m.st.Stats(ctx, t)
		m.noteStore(err)
		if err != nil {
			h.Status = HealthError
			h.Detail = "job store unreachable: " + err.Error()
			h.Queues = nil
			return h
		}
		h.Queues[t] = QueueHealth{
			Waiting:   c.Waiting,
			Active:    c.Active,
			Saturated: c.Waiting >= m.cfg.SaturationDepth,
		}
	}

	saturated := 0
	for _, q := range h.Queues {
		if q.Saturated {
			saturated++
		}
	}
	switch {
	case h.ErrorRate > 0.5 || saturated > 0:
		h.Status = HealthUnhealthy
		h.Detail = "high failure rate or saturated queue"
	case h.ErrorRate > 0.2:
		h.Status = HealthDegraded
		h.Detail = "elevated failure rate"
	}
	return h
}
