package worker

import (
	"context"
	"time"

	"renderq/internal/job"
)

// TypeStats is the per-type slice of the pool statistics.
type TypeStats struct {
	Active      int           `json:"active"`
	Permits     int           `json:"permits"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
	AvgTaskTime time.Duration `json:"avgTaskTime"`
}

// Stats is the aggregate worker view.
type Stats struct {
	TotalWorkers     int                    `json:"totalWorkers"`
	BusyWorkers      int                    `json:"busyWorkers"`
	AvailableWorkers int                    `json:"availableWorkers"`
	TasksCompleted   uint64                 `json:"tasksCompleted"`
	TasksFailed      uint64                 `json:"tasksFailed"`
	AvgTaskTime      time.Duration          `json:"avgTaskTime"`
	ByType           map[job.Type]TypeStats `json:"byType"`
}

// Status extends Stats with queue depths, the resource snapshot, and the
// effective configuration.
type Status struct {
	Stats       Stats                   `json:"stats"`
	QueueDepths map[job.Type]int        `json:"queueDepths"`
	Resources   Usage                   `json:"resources"`
	GPUTokens   int                     `json:"gpuTokens"`
	GPUInUse    int                     `json:"gpuInUse"`
	Types       map[job.Type]TypeConfig `json:"types"`
	CollectedAt time.Time               `json:"collectedAt"`
}

// Stats reports worker counts and task totals.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{ByType: make(map[job.Type]TypeStats, len(p.cfg.Types))}
	var totalDur time.Duration
	for t := range p.cfg.Types {
		active := p.state.active[t]
		perm := p.state.permits[t]
		ts := TypeStats{Active: active, Permits: perm}
		if c := p.state.counters[t]; c != nil {
			ts.Completed = c.completed
			ts.Failed = c.failed
			if n := c.completed + c.failed; n > 0 {
				ts.AvgTaskTime = c.totalDur / time.Duration(n)
			}
			totalDur += c.totalDur
		}
		s.ByType[t] = ts
		s.TotalWorkers += perm
		s.BusyWorkers += active
		s.TasksCompleted += ts.Completed
		s.TasksFailed += ts.Failed
	}
	s.AvailableWorkers = s.TotalWorkers - s.BusyWorkers
	if s.AvailableWorkers < 0 {
		s.AvailableWorkers = 0
	}
	if n := s.TasksCompleted + s.TasksFailed; n > 0 {
		s.AvgTaskTime = totalDur / time.Duration(n)
	}
	return s
}

// Status reports Stats plus store backlog depths and resource usage. Store
// errors leave the affected depth absent rather than failing the whole call.
func (p *Pool) Status(ctx context.Context) Status {
	st := Status{
		Stats:       p.Stats(),
		QueueDepths: map[job.Type]int{},
		Resources:   p.mon.Usage(),
		GPUTokens:   p.cfg.GPUTokens,
		Types:       p.cfg.Types,
		CollectedAt: time.Now(),
	}
	p.mu.Lock()
	st.GPUInUse = p.state.gpuInUse
	p.mu.Unlock()

	for t := range p.cfg.Types {
		if counts, err := p.st.Stats(ctx, t); err == nil {
			st.QueueDepths[t] = counts.Waiting + counts.Delayed
		}
	}
	return st
}
