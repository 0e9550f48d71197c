// Package metrics implements fixed-bucket rolling windows for throughput,
// error-rate, and latency derivation. Counters are cheap to record and are
// read by the queue health and performance endpoints.
package metrics

import (
	"sync"
	"time"
)

type bucket struct {
	start     time.Time
	completed uint64
	failed    uint64
	timedOut  uint64
	totalDur  time.Duration
}

// Window is a rolling counter over a fixed span divided into equal buckets.
// Expired buckets are lazily reset as time advances.
type Window struct {
	mu        sync.Mutex
	span      time.Duration
	bucketDur time.Duration
	buckets   []bucket

	// Lifetime totals, never reset.
	lifeCompleted uint64
	lifeFailed    uint64
	lifeTimedOut  uint64
	lifeDur       time.Duration
}

// NewWindow creates a window covering span with the given bucket granularity.
// span must be a multiple of bucketDur; it is rounded up if not.
func NewWindow(span, bucketDur time.Duration) *Window {
	if bucketDur <= 0 {
		bucketDur = time.Second
	}
	if span < bucketDur {
		span = bucketDur
	}
	n := int((span + bucketDur - 1) / bucketDur)
	return &Window{
		span:      time.Duration(n) * bucketDur,
		bucketDur: bucketDur,
		buckets:   make([]bucket, n),
	}
}

func (w *Window) bucketFor(now time.Time) *bucket {
	idx := int(now.UnixNano()/int64(w.bucketDur)) % len(w.buckets)
	b := &w.buckets[idx]
	start := now.Truncate(w.bucketDur)
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

// RecordCompletion counts one successful task with its processing duration.
func (w *Window) RecordCompletion(d time.Duration) { w.RecordCompletionAt(time.Now(), d) }

func (w *Window) RecordCompletionAt(now time.Time, d time.Duration) {
	w.mu.Lock()
	b := w.bucketFor(now)
	b.completed++
	b.totalDur += d
	w.lifeCompleted++
	w.lifeDur += d
	w.mu.Unlock()
}

// RecordFailure counts one failed task. timedOut distinguishes deadline
// overruns from handler faults.
func (w *Window) RecordFailure(d time.Duration, timedOut bool) {
	w.RecordFailureAt(time.Now(), d, timedOut)
}

func (w *Window) RecordFailureAt(now time.Time, d time.Duration, timedOut bool) {
	w.mu.Lock()
	b := w.bucketFor(now)
	b.failed++
	if timedOut {
		b.timedOut++
		w.lifeTimedOut++
	}
	b.totalDur += d
	w.lifeFailed++
	w.lifeDur += d
	w.mu.Unlock()
}

// Snapshot is a point-in-time view of the window plus lifetime totals.
type Snapshot struct {
	Span time.Duration

	// Trailing-window counters.
	Completed uint64
	Failed    uint64
	TimedOut  uint64
	TotalDur  time.Duration

	// Lifetime counters.
	LifetimeCompleted uint64
	LifetimeFailed    uint64
	LifetimeTimedOut  uint64
	LifetimeDur       time.Duration
}

func (w *Window) Snapshot() Snapshot { return w.SnapshotAt(time.Now()) }

func (w *Window) SnapshotAt(now time.Time) Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		Span:              w.span,
		LifetimeCompleted: w.lifeCompleted,
		LifetimeFailed:    w.lifeFailed,
		LifetimeTimedOut:  w.lifeTimedOut,
		LifetimeDur:       w.lifeDur,
	}
	oldest := now.Add(-w.span)
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.start.IsZero() || b.start.Before(oldest) || b.start.After(now) {
			continue
		}
		s.Completed += b.completed
		s.Failed += b.failed
		s.TimedOut += b.timedOut
		s.TotalDur += b.totalDur
	}
	return s
}

// ErrorRate is failed/(completed+failed) over the trailing window.
// Returns 0 when nothing finished.
func (s Snapshot) ErrorRate() float64 {
	total := s.Completed + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total)
}

// Throughput is completions per second over the trailing window.
func (s Snapshot) Throughput() float64 {
	if s.Span <= 0 {
		return 0
	}
	return float64(s.Completed) / s.Span.Seconds()
}

// AvgDuration is the mean processing time of everything that finished in the
// trailing window.
func (s Snapshot) AvgDuration() time.Duration {
	total := s.Completed + s.Failed
	if total == 0 {
		return 0
	}
	return s.TotalDur / time.Duration(total)
}
