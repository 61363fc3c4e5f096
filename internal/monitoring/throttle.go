package monitoring

import (
	"sync"
	"time"
)

// Throttle rate-limits repeated log lines that share a key. The first
// occurrence in each window is logged through Logf together with the number of
// occurrences that were suppressed since the previous line.
type Throttle struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	last    map[string]time.Time
	dropped map[string]int
}

// NewThrottle returns a Throttle that lets one line per key through per window.
func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{
		window:  window,
		now:     time.Now,
		last:    make(map[string]time.Time),
		dropped: make(map[string]int),
	}
}

// Logf logs format under key unless the key was logged within the window.
// It reports whether the line was emitted.
func (t *Throttle) Logf(key, format string, v ...interface{}) bool {
	t.mu.Lock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		t.dropped[key]++
		t.mu.Unlock()
		return false
	}
	suppressed := t.dropped[key]
	t.last[key] = now
	t.dropped[key] = 0
	t.mu.Unlock()

	if suppressed > 0 {
		Logf(format+" (%d similar suppressed)", append(v, suppressed)...)
	} else {
		Logf(format, v...)
	}
	return true
}
