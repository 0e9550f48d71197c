package worker

import (
	"context"
	"errors"
	"time"

	"renderq/internal/job"
	"renderq/pkg/logx"
)

// dispatch is the per-type store consumption loop. It takes an execution
// slot first and only then claims a job, so a claimed job always has a
// worker ready to run it.
func (p *Pool) dispatch(ctx context.Context, t job.Type, tc TypeConfig) error {
	for {
		if err := p.acquire(ctx, t, tc); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrShutdown) {
				return nil
			}
			return err
		}

		j, err := p.st.DequeueReady(ctx, t)
		if err != nil || j == nil {
			p.release(t, tc.GPURequired)
			if err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn("dequeue failed",
					logx.String("type", string(t)),
					logx.Err(err),
				)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.wg.Add(1)
		go p.runClaimed(ctx, tc, j)
	}
}

// runClaimed executes one claimed job and settles it in the store. The slot
// is released as soon as the handler returns or times out.
func (p *Pool) runClaimed(ctx context.Context, tc TypeConfig, j *job.Job) {
	defer p.wg.Done()
	defer p.release(j.Type, tc.GPURequired)

	p.rec.TaskAdmitted(j)
	p.log.Debug("task started",
		logx.String("job_id", j.ID),
		logx.String("type", string(j.Type)),
		logx.Int("attempt", j.Attempts),
	)

	start := time.Now()
	res, err := p.runHandler(ctx, j.Type, j.Payload, tc.DefaultTimeout)
	d := time.Since(start)

	// Store settlement must survive shutdown cancellation; otherwise a
	// finished job would be re-claimed after restart.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		if ackErr := p.st.Ack(settleCtx, j.ID, res); ackErr != nil {
			p.log.Error("ack failed", logx.String("job_id", j.ID), logx.Err(ackErr))
		}
		p.recordOutcome(j.Type, d, true)
		p.rec.TaskCompleted(j, d)
		p.log.Debug("task completed",
			logx.String("job_id", j.ID),
			logx.Duration("took", d),
		)
		return
	}

	timedOut := job.IsTimeout(err)
	j.LastError = err.Error()
	j.TimedOut = timedOut

	final := j.Attempts >= j.MaxAttempts
	var retryAt time.Time
	if !final {
		retryAt = time.Now().Add(p.backoffDelay(j.Attempts))
	}
	if failErr := p.st.Fail(settleCtx, j.ID, j.LastError, timedOut, retryAt); failErr != nil {
		p.log.Error("fail settlement failed", logx.String("job_id", j.ID), logx.Err(failErr))
	}
	if final {
		p.recordOutcome(j.Type, d, false)
	}
	p.rec.TaskFailed(j, d, timedOut, final)

	lvl := p.log.Warn
	if final {
		lvl = p.log.Error
	}
	lvl("task failed",
		logx.String("job_id", j.ID),
		logx.String("type", string(j.Type)),
		logx.Int("attempt", j.Attempts),
		logx.Int("max_attempts", j.MaxAttempts),
		logx.Bool("timed_out", timedOut),
		logx.Bool("retrying", !final),
		logx.Err(err),
	)
}

// backoffDelay doubles from the configured base per completed attempt,
// capped, with symmetric jitter.
func (p *Pool) backoffDelay(attempt int) time.Duration {
	rc := p.cfg.Retry
	d := rc.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > rc.MaxDelay {
			break
		}
	}
	if d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	p.mu.Lock()
	r := (p.rng.Float64()*2 - 1) * rc.Jitter
	p.mu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	return d
}
