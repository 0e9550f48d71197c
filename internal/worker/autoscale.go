package worker

import (
	"context"
	"time"

	"renderq/internal/job"
	"renderq/pkg/logx"
)

// autoscale is the periodic scaling controller. Per type it moves the worker
// permit count between BaselineWorkers and MaxWorkers:
//   - scale down fast under CPU or heap pressure,
//   - scale up slowly while backlog outruns the current permits,
//   - scale down after sustained idle.
//
// Permits only gate new admissions; running tasks are never interrupted.
func (p *Pool) autoscale(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AutoscaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		u := p.mon.Usage()
		for t, tc := range p.cfg.Types {
			p.scaleType(ctx, t, tc, u)
		}
	}
}

func (p *Pool) scaleType(ctx context.Context, t job.Type, tc TypeConfig, u Usage) {
	backlog := 0
	if counts, err := p.st.Stats(ctx, t); err == nil {
		backlog = counts.Waiting
	}

	p.mu.Lock()
	perm := p.state.permits[t]
	active := p.state.active[t]
	idle := p.idleTicks[t]
	last := p.lastScale[t]
	b := p.bounds[t]
	p.mu.Unlock()

	now := time.Now()
	target := perm
	reason := ""

	pressured := (tc.CPUThreshold > 0 && u.CPUPercent > tc.CPUThreshold) ||
		(tc.MemoryLimit > 0 && u.HeapInuse > tc.MemoryLimit)

	switch {
	case pressured && perm > b.baseline:
		target = perm - 1
		reason = "pressure"

	case backlog == 0 && active == 0:
		idle++
		if idle >= p.cfg.IdleDownAfter && perm > b.baseline {
			target = perm - 1
			reason = "idle"
			idle = 0
		}

	case backlog > perm && perm < b.max:
		idle = 0
		if last.IsZero() || now.Sub(last) >= p.cfg.ScaleUpCooldown {
			target = perm + 1
			reason = "backlog"
		}

	default:
		idle = 0
	}

	p.mu.Lock()
	p.idleTicks[t] = idle
	if target != perm {
		p.state.permits[t] = target
		p.lastScale[t] = now
	}
	p.mu.Unlock()

	if target != perm {
		if target > perm {
			p.cond.Broadcast()
		}
		p.log.Debug("worker permits adjusted",
			logx.String("type", string(t)),
			logx.Int("from", perm),
			logx.Int("to", target),
			logx.String("reason", reason),
			logx.Int("backlog", backlog),
			logx.Int("active", active),
			logx.Float64("cpu", u.CPUPercent),
			logx.Uint64("heap_inuse", u.HeapInuse),
		)
	}
}

// permitBounds is the window the autoscaler moves a type's permits within.
type permitBounds struct {
	baseline, max int
}

// setPermits clamps and applies a permit count directly. Used by tests and
// by ApplyWorkerLimits.
func (p *Pool) setPermits(t job.Type, n int) {
	p.mu.Lock()
	b, ok := p.bounds[t]
	if !ok {
		p.mu.Unlock()
		return
	}
	if n < b.baseline {
		n = b.baseline
	}
	if n > b.max {
		n = b.max
	}
	p.state.permits[t] = n
	p.mu.Unlock()
	p.cond.Broadcast()
}

// ApplyWorkerLimits replaces the autoscale bounds for types the pool already
// runs. Permits outside the new window are clamped immediately; unknown types
// and every other per-type setting still need a restart.
func (p *Pool) ApplyWorkerLimits(types map[job.Type]TypeConfig) {
	for t, tc := range types {
		if _, ok := p.cfg.Types[t]; !ok {
			continue
		}
		tc = tc.withDefaults()
		nb := permitBounds{baseline: tc.BaselineWorkers, max: tc.MaxWorkers}

		p.mu.Lock()
		if p.bounds[t] == nb {
			p.mu.Unlock()
			continue
		}
		p.bounds[t] = nb
		n := p.state.permits[t]
		if n < nb.baseline {
			n = nb.baseline
		}
		if n > nb.max {
			n = nb.max
		}
		p.state.permits[t] = n
		p.mu.Unlock()
		p.cond.Broadcast()

		p.log.Info("worker limits updated",
			logx.String("type", string(t)),
			logx.Int("baseline", nb.baseline),
			logx.Int("max", nb.max),
			logx.Int("permits", n),
		)
	}
}
