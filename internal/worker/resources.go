package worker

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Usage is a point-in-time view of process resource consumption.
type Usage struct {
	CPUPercent float64   `json:"cpuPercent"`
	HeapInuse  uint64    `json:"heapInuse"`
	Goroutines int       `json:"goroutines"`
	SampledAt  time.Time `json:"sampledAt"`
}

// monitor samples process CPU from /proc/self/stat deltas and heap from
// runtime.ReadMemStats. Samples are cached; admission reads the last sample
// rather than paying for a fresh one per task.
type monitor struct {
	mu   sync.Mutex
	last Usage

	prevTicks uint64
	prevWall  time.Time
}

// clockTicks is the kernel USER_HZ value. Linux has reported 100 on every
// mainstream architecture for decades and sysconf is not reachable without
// cgo, so it is fixed here.
const clockTicks = 100

func newMonitor() *monitor {
	m := &monitor{}
	m.Sample()
	return m
}

// Sample refreshes the cached usage and returns it.
func (m *monitor) Sample() Usage {
	now := time.Now()
	ticks, ok := readSelfCPUTicks()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	defer m.mu.Unlock()

	u := Usage{
		HeapInuse:  ms.HeapInuse,
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  now,
	}
	if ok && !m.prevWall.IsZero() && ticks >= m.prevTicks {
		wall := now.Sub(m.prevWall).Seconds()
		if wall > 0 {
			cpuSec := float64(ticks-m.prevTicks) / clockTicks
			u.CPUPercent = cpuSec / wall * 100
		}
	}
	if ok {
		m.prevTicks = ticks
		m.prevWall = now
	}
	m.last = u
	return u
}

// Usage returns the most recent sample.
func (m *monitor) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// readSelfCPUTicks returns utime+stime for the current process. Returns
// ok=false on platforms without procfs; the CPU gate is then disabled.
func readSelfCPUTicks() (uint64, bool) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, false
	}
	// The comm field is parenthesized and may contain spaces; fields are
	// counted after the closing paren. utime and stime are fields 14 and 15
	// of the full line, i.e. 12 and 13 past the paren.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 > len(s) {
		return 0, false
	}
	fields := strings.Fields(s[i+2:])
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}
