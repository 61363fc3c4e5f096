package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/sensor"
	gometrics "github.com/rcrowley/go-metrics"
)

// Pair is a sweep together with the pose immediately preceding its start.
type Pair struct {
	Sweep sensor.Sweep
	Pose  sensor.PoseSample
}

// Matcher pairs sweeps with poses. It holds at most one candidate sweep; a
// newer sweep replaces an unmatched candidate.
type Matcher struct {
	mu        sync.Mutex
	poses     *PoseBuffer
	sweeps    *Queue[sensor.Sweep]
	pairs     *Queue[Pair]
	pending   *sensor.Sweep
	lastStart time.Time

	warmupSkip int
	skipped    int

	throttle   *monitoring.Throttle
	overwrites gometrics.Counter
	stale      gometrics.Counter
	skippedCtr gometrics.Counter
	matched    gometrics.Counter
}

func newMatcher(poses *PoseBuffer, sweeps *Queue[sensor.Sweep], pairs *Queue[Pair], warmupSkip int, r gometrics.Registry, th *monitoring.Throttle) *Matcher {
	return &Matcher{
		poses:      poses,
		sweeps:     sweeps,
		pairs:      pairs,
		warmupSkip: warmupSkip,
		throttle:   th,
		overwrites: monitoring.Counter(r, monitoring.MetricMatchOverwrites),
		stale:      monitoring.Counter(r, monitoring.MetricMatchStale),
		skippedCtr: monitoring.Counter(r, monitoring.MetricMatchSkipped),
		matched:    monitoring.Counter(r, monitoring.MetricMatchPairs),
	}
}

// Match drains the raw sweep queue into the candidate slot and emits every
// pair that can be closed with the poses currently queued. It returns the
// number of pairs emitted.
func (m *Matcher) Match() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.tryMatch()
	for {
		s, ok := m.sweeps.PopFront()
		if !ok {
			break
		}
		if m.lastStart.After(s.Start) {
			m.stale.Inc(1)
			m.throttle.Logf("stale-sweep", "[Matcher] dropping sweep %d: %v",
				s.Sequence, fmt.Errorf("start %s precedes %s: %w", s.Start.Format(time.RFC3339Nano), m.lastStart.Format(time.RFC3339Nano), sensor.ErrStaleInput))
			continue
		}
		if m.pending != nil {
			m.overwrites.Inc(1)
			m.throttle.Logf("overwrite", "[Matcher] dropping sweep %d: %v", m.pending.Sequence, sensor.ErrUnmatchedOverwrite)
		}
		m.pending = &s
		m.lastStart = s.Start
		n += m.tryMatch()
	}
	return n
}

// tryMatch resolves the candidate against the pose queue. Caller holds m.mu.
func (m *Matcher) tryMatch() int {
	if m.pending == nil {
		return 0
	}
	start := m.pending.Start

	m.poses.q.DropFrontWhileNext(func(next sensor.PoseSample) bool {
		return !next.Timestamp.After(start)
	})
	front, ok := m.poses.q.Front()
	if !ok {
		return 0
	}
	if front.Timestamp.After(start) {
		m.stale.Inc(1)
		m.throttle.Logf("stale-pose", "[Matcher] dropping sweep %d: %v", m.pending.Sequence,
			fmt.Errorf("oldest pose %s is after sweep start %s: %w",
				front.Timestamp.Format(time.RFC3339Nano), start.Format(time.RFC3339Nano), sensor.ErrStaleInput))
		m.pending = nil
		return 0
	}
	// The bracket is closed once a later pose exists or the front pose lands
	// exactly on the sweep start.
	if m.poses.q.Len() < 2 && !front.Timestamp.Equal(start) {
		return 0
	}

	sweep := *m.pending
	m.pending = nil
	if m.skipped < m.warmupSkip {
		m.skipped++
		m.skippedCtr.Inc(1)
		monitoring.Logf("[Matcher] warm-up: skipping sweep %d (%d/%d)", sweep.Sequence, m.skipped, m.warmupSkip)
		return 0
	}
	m.pairs.Push(Pair{Sweep: sweep, Pose: front})
	m.matched.Inc(1)
	return 1
}

// State reports whether a candidate is held and how many warm-up pairs remain.
func (m *Matcher) State() (pending bool, warmupLeft int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	left := m.warmupSkip - m.skipped
	if left < 0 {
		left = 0
	}
	return m.pending != nil, left
}

// Reset drops the candidate and restarts the warm-up skip.
func (m *Matcher) Reset() {
	m.mu.Lock()
	m.pending = nil
	m.skipped = 0
	m.lastStart = time.Time{}
	m.mu.Unlock()
}
